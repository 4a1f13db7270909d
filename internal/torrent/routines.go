package torrent

import (
	"context"
	"time"
)

// cleanupRoutine drops torrents nobody has touched for the configured
// timeout. Ledger rows survive the drop.
func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupIdle()
		}
	}
}

func (m *Manager) cleanupIdle() {
	cutoff := time.Now().Add(-m.config.TorrentTimeout)

	m.mu.RLock()
	var idle []string
	for key, h := range m.torrents {
		if h.accessed().Before(cutoff) {
			idle = append(idle, key)
		}
	}
	m.mu.RUnlock()

	for _, key := range idle {
		ctx, cancelDrop := context.WithTimeout(m.ctx, 10*time.Second)
		if err := m.Drop(ctx, key); err != nil {
			m.Logger.Error().Err(err).Str("infoHash", key).Msg("Failed to drop idle torrent")
		} else {
			m.Logger.Info().Str("infoHash", key).Msg("Dropped idle torrent")
		}
		cancelDrop()
	}
}

// retentionRoutine prunes deactivated requests past the retention window so
// the request table stays bounded.
func (m *Manager) retentionRoutine() {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancelPurge := context.WithTimeout(m.ctx, 30*time.Second)
			n, err := m.requests.PurgeDeactivated(ctx, m.config.RequestRetention)
			cancelPurge()
			if err != nil {
				m.Logger.Error().Err(err).Msg("Failed to purge deactivated requests")
			} else if n > 0 {
				m.Logger.Debug().Int64("purged", n).Msg("Purged deactivated requests")
			}
		}
	}
}

func (m *Manager) statsRoutine() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			count := len(m.torrents)
			m.mu.RUnlock()
			stats := m.client.Stats()
			m.Logger.Info().
				Int("torrents", count).
				Int64("bytesRead", stats.BytesReadData.Int64()).
				Int64("bytesWritten", stats.BytesWrittenData.Int64()).
				Msg("Swarm engine stats")
		}
	}
}
