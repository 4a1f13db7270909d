package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"swarmcache/internal/ledger"
)

// OriginTotals reports delivered bytes per torrent for one origin on one
// tracker, summed over all generations.
func OriginTotals(audit *ledger.AuditLedger, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracker := chi.URLParam(r, "tracker")
		origin := chi.URLParam(r, "origin")

		totals, err := audit.TotalsByOrigin(r.Context(), tracker, origin)
		if err != nil {
			log.Error().Err(err).Str("origin", origin).Msg("Failed to read origin totals")
			renderError(w, r, errStatus(err), err.Error())
			return
		}

		render.JSON(w, r, map[string]any{
			"tracker": tracker,
			"origin":  origin,
			"totals":  totals,
		})
	}
}

// TorrentTotals reports delivered bytes per origin for one torrent, counting
// only its current generation.
func TorrentTotals(audit *ledger.AuditLedger, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracker := chi.URLParam(r, "tracker")
		infoHash := strings.ToLower(chi.URLParam(r, "infoHash"))

		totals, err := audit.TotalsByTorrent(r.Context(), tracker, infoHash)
		if err != nil {
			log.Error().Err(err).Str("infoHash", infoHash).Msg("Failed to read torrent totals")
			renderError(w, r, errStatus(err), err.Error())
			return
		}

		render.JSON(w, r, map[string]any{
			"tracker":  tracker,
			"infoHash": infoHash,
			"totals":   totals,
		})
	}
}
