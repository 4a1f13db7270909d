package torrent

import (
	"context"
	"time"
)

// feedLoop periodically snapshots the engine's view of one torrent and runs
// it through the blame resolver, so delivered pieces are attributed to
// origins while the requests that wanted them are still on record. The loop
// ends when the torrent is dropped or the manager shuts down.
func (m *Manager) feedLoop(h *handle) {
	infoHash := h.InfoHash().HexString()
	log := m.Logger.With().Str("infoHash", infoHash).Logger()

	ticker := time.NewTicker(m.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-h.Closed():
			return
		case <-ticker.C:
		}

		ctx, cancelTick := context.WithTimeout(m.ctx, m.config.StatusInterval)
		err := m.resolver.Resolve(ctx, m.snapshot(h))
		if err != nil {
			log.Error().Err(err).Msg("Failed to resolve status snapshot")
		} else if err := m.ApplyPriorities(ctx, infoHash); err != nil {
			// Resolving may have retired fulfilled requests; the engine
			// must stop fetching for them.
			log.Warn().Err(err).Msg("Failed to refresh piece priorities")
		}
		cancelTick()
	}
}
