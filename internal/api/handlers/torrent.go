package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"swarmcache/internal/config"
	torrentManager "swarmcache/internal/torrent"
)

func GetTorrentInfo(tm *torrentManager.Manager, cfg *config.Config, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := chi.URLParam(r, "infoHash")
		tracker := trackerParam(r, cfg)

		info, err := tm.Info(r.Context(), tracker, infoHash)
		if err != nil {
			log.Error().Err(err).Str("infoHash", infoHash).Msg("Failed to get torrent info")
			renderError(w, r, errStatus(err), err.Error())
			return
		}

		render.JSON(w, r, info)
	}
}
