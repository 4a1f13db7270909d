package torrent

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"swarmcache/internal/fileindex"
	"swarmcache/internal/ledger"
)

// MapFile translates a byte range of one torrent file into the covering
// piece range, attaching the torrent on demand when the layout is not yet
// known. The mapping is generation-consistent: if a recheck lands mid
// resolve the translation is retried against the new generation once.
// Implements providers.FileMapper.
func (m *Manager) MapFile(ctx context.Context, tracker, infoHash string, fileIndex int, offset, length int64) (fileindex.PieceRange, error) {
	key := normalizeInfoHash(infoHash)
	for attempt := 0; attempt < 2; attempt++ {
		before, err := m.coord.Generation(ctx, key)
		if err != nil {
			return fileindex.PieceRange{}, err
		}

		pr, err := m.index.Resolve(ctx, key, fileIndex, offset, length)
		if errors.Is(err, fileindex.ErrNotFound) {
			if _, err := m.AccessSwarm(ctx, tracker, key); err != nil {
				return fileindex.PieceRange{}, err
			}
			pr, err = m.index.Resolve(ctx, key, fileIndex, offset, length)
			if err != nil {
				return fileindex.PieceRange{}, err
			}
		} else if err != nil {
			return fileindex.PieceRange{}, err
		}

		after, err := m.coord.Generation(ctx, key)
		if err != nil {
			return fileindex.PieceRange{}, err
		}
		if after == before {
			return pr, nil
		}
		m.Logger.Debug().
			Str("infoHash", key).
			Int64("generation", after).
			Msg("Generation moved during mapping, retrying")
	}
	return fileindex.PieceRange{}, fmt.Errorf("%w: generation kept moving during mapping", ledger.ErrConflict)
}

// Recheck revalidates a torrent's data against its piece hashes and bumps
// the generation when the set of verified pieces changed. Returns the
// generation in effect afterwards.
func (m *Manager) Recheck(ctx context.Context, infoHash string) (int64, error) {
	key := normalizeInfoHash(infoHash)
	h, ok := m.handleFor(key)
	if !ok {
		return 0, ErrTorrentNotFound
	}

	return m.coord.Recheck(ctx, key, func(ctx context.Context) (bool, error) {
		before := m.snapshot(h).PieceBitmap
		h.VerifyData()
		after := m.snapshot(h)
		if err := m.resolver.Resolve(ctx, after); err != nil {
			return false, err
		}
		return !bytes.Equal(before, after.PieceBitmap), nil
	})
}
