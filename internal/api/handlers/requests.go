package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"swarmcache/internal/config"
	"swarmcache/internal/ledger"
	torrentManager "swarmcache/internal/torrent"
)

type openRequestPayload struct {
	Tracker   string `json:"tracker"`
	InfoHash  string `json:"infoHash"`
	FileID    *int   `json:"fileId"`
	Start     int64  `json:"start"`
	Stop      int64  `json:"stop"`
	Origin    string `json:"origin"`
	Priority  *int   `json:"priority"`
	Readahead bool   `json:"readahead"`
}

type requestView struct {
	ID        int64  `json:"id"`
	Tracker   string `json:"tracker"`
	InfoHash  string `json:"infoHash"`
	Start     int64  `json:"start"`
	Stop      int64  `json:"stop"`
	Origin    string `json:"origin"`
	Priority  string `json:"priority"`
	Readahead bool   `json:"readahead"`
	Active    bool   `json:"active"`
}

func viewOf(req ledger.Request) requestView {
	return requestView{
		ID:        req.ID,
		Tracker:   req.Tracker,
		InfoHash:  req.InfoHash,
		Start:     req.Start,
		Stop:      req.Stop,
		Origin:    req.Origin,
		Priority:  req.Priority.String(),
		Readahead: req.Readahead,
		Active:    req.Active(),
	}
}

// OpenRequest registers interest in a byte range without an attached HTTP
// stream, for prefetch-style consumers. The range is file-relative when
// fileId is given, torrent-relative otherwise. The torrent is attached so
// the interest actually drives piece priorities.
func OpenRequest(tm *torrentManager.Manager, requests *ledger.RequestLedger, cfg *config.Config, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload openRequestPayload
		if err := render.DecodeJSON(r.Body, &payload); err != nil {
			renderError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}

		if payload.Tracker == "" {
			payload.Tracker = trackerParam(r, cfg)
		}
		if payload.Origin == "" {
			payload.Origin = originParam(r, cfg)
		}
		priority := ledger.PriorityBackground
		if payload.Priority != nil {
			priority = ledger.Priority(*payload.Priority)
		}
		infoHash := strings.ToLower(payload.InfoHash)

		start, stop := payload.Start, payload.Stop
		if payload.FileID != nil {
			// Map validates the file-relative range and attaches the
			// torrent as a side effect.
			if _, err := tm.MapFile(r.Context(), payload.Tracker, infoHash, *payload.FileID, payload.Start, payload.Stop-payload.Start); err != nil {
				renderError(w, r, errStatus(err), err.Error())
				return
			}
			fileStart, _, err := tm.FileSpan(r.Context(), payload.Tracker, infoHash, *payload.FileID)
			if err != nil {
				renderError(w, r, errStatus(err), err.Error())
				return
			}
			start += fileStart
			stop += fileStart
		} else {
			if _, err := tm.AccessSwarm(r.Context(), payload.Tracker, infoHash); err != nil {
				renderError(w, r, errStatus(err), err.Error())
				return
			}
		}

		id, err := requests.Open(r.Context(), ledger.Request{
			Tracker:   payload.Tracker,
			InfoHash:  infoHash,
			Start:     start,
			Stop:      stop,
			Origin:    payload.Origin,
			Priority:  priority,
			Readahead: payload.Readahead,
		})
		if err != nil {
			renderError(w, r, errStatus(err), err.Error())
			return
		}
		if err := tm.ApplyPriorities(r.Context(), infoHash); err != nil {
			log.Warn().Err(err).Str("infoHash", infoHash).Msg("Failed to push priorities for new request")
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, map[string]int64{"id": id})
	}
}

// PriorityPusher re-derives engine piece priorities for a torrent from its
// active requests. The torrent manager implements it.
type PriorityPusher interface {
	ApplyPriorities(ctx context.Context, infoHash string) error
}

// CloseRequest deactivates a request by id and pushes the remaining
// requests' priorities, so the engine stops fetching for the closed one.
// Closing an already closed request succeeds.
func CloseRequest(pusher PriorityPusher, requests *ledger.RequestLedger, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "requestID"), 10, 64)
		if err != nil {
			renderError(w, r, http.StatusBadRequest, "Invalid request ID")
			return
		}

		req, err := requests.Get(r.Context(), id)
		if err != nil {
			renderError(w, r, errStatus(err), err.Error())
			return
		}
		if err := requests.Close(r.Context(), id); err != nil {
			renderError(w, r, errStatus(err), err.Error())
			return
		}
		if err := pusher.ApplyPriorities(r.Context(), req.InfoHash); err != nil {
			log.Warn().Err(err).Str("infoHash", req.InfoHash).Msg("Failed to push priorities after close")
		}
		render.NoContent(w, r)
	}
}

// ListRequests returns the active requests of a torrent in priority order.
func ListRequests(requests *ledger.RequestLedger, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := strings.ToLower(chi.URLParam(r, "infoHash"))

		active, err := requests.ActiveFor(r.Context(), infoHash)
		if err != nil {
			renderError(w, r, errStatus(err), err.Error())
			return
		}

		views := make([]requestView, 0, len(active))
		for _, req := range active {
			views = append(views, viewOf(req))
		}
		render.JSON(w, r, views)
	}
}
