package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"swarmcache/internal/config"
	"swarmcache/internal/ledger"
	"swarmcache/internal/providers"
	torrentManager "swarmcache/internal/torrent"
)

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

// errStatus maps domain errors onto HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, torrentManager.ErrTorrentNotFound),
		errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, torrentManager.ErrInvalidFileIndex),
		errors.Is(err, torrentManager.ErrInvalidInfoHash),
		errors.Is(err, ledger.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, providers.ErrUnknownTracker):
		return http.StatusUnprocessableEntity
	case errors.Is(err, torrentManager.ErrMaxTorrentsReached),
		errors.Is(err, torrentManager.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, torrentManager.ErrTorrentTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// trackerParam resolves the tracker for a request: the ?tracker= query
// value, or the first configured tracker when absent.
func trackerParam(r *http.Request, cfg *config.Config) string {
	if t := r.URL.Query().Get("tracker"); t != "" {
		return t
	}
	if len(cfg.Trackers) > 0 {
		return cfg.Trackers[0].Name
	}
	return ""
}

// originParam resolves the consumer identity byte accounting is attributed
// to.
func originParam(r *http.Request, cfg *config.Config) string {
	if o := r.Header.Get("X-Origin"); o != "" {
		return o
	}
	return cfg.DefaultOrigin
}
