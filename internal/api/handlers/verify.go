package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	torrentManager "swarmcache/internal/torrent"
)

// VerifyTorrent triggers a data recheck. When the set of verified pieces
// changed, the torrent's generation is bumped before the response is sent.
func VerifyTorrent(tm *torrentManager.Manager, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := strings.ToLower(chi.URLParam(r, "infoHash"))

		generation, err := tm.Recheck(r.Context(), infoHash)
		if err != nil {
			log.Error().Err(err).Str("infoHash", infoHash).Msg("Recheck failed")
			renderError(w, r, errStatus(err), err.Error())
			return
		}

		render.JSON(w, r, map[string]any{
			"infoHash":   infoHash,
			"generation": generation,
		})
	}
}
