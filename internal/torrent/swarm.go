package torrent

import (
	"context"
	"fmt"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"swarmcache/internal/fileindex"
	"swarmcache/internal/ledger"
)

// AccessSwarm attaches a torrent to the swarm engine, waiting for its
// metadata, and returns the engine handle. Repeated calls for an attached
// torrent are cheap. Implements providers.SwarmAccess.
func (m *Manager) AccessSwarm(ctx context.Context, tracker, infoHash string) (*torrent.Torrent, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLimitExceeded, err)
	}

	key := normalizeInfoHash(infoHash)
	if h, ok := m.handleFor(key); ok {
		h.touch()
		return h.Torrent, nil
	}

	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	default:
		return nil, ErrMaxTorrentsReached
	}

	m.mu.Lock()
	if h, ok := m.torrents[key]; ok {
		m.mu.Unlock()
		h.touch()
		return h.Torrent, nil
	}
	m.mu.Unlock()

	h, err := m.attach(ctx, tracker, key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.torrents[key] = h
	m.mu.Unlock()
	h.touch()

	if h.private {
		if err := m.ApplyPriorities(ctx, key); err != nil {
			m.Logger.Warn().Err(err).Str("infoHash", key).Msg("Failed to push initial priorities")
		}
	}

	go m.feedLoop(h)

	return h.Torrent, nil
}

func (m *Manager) attach(ctx context.Context, tracker, infoHash string) (*handle, error) {
	var hash metainfo.Hash
	if err := hash.FromHexString(infoHash); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInfoHash, infoHash)
	}

	cred, err := m.auth.ResolveAuth(ctx, tracker)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tracker credentials: %w", err)
	}

	t, err := m.addWithRetry(ctx, hash, cred.AnnounceURL)
	if err != nil {
		return nil, err
	}

	h := &handle{
		Torrent: t,
		tracker: tracker,
		private: m.classifier.ClassifyPrivacy(t.Info()),
	}

	if err := m.coord.Ensure(ctx, infoHash); err != nil {
		t.Drop()
		return nil, err
	}
	if err := m.coord.Touch(ctx, infoHash, time.Now()); err != nil {
		t.Drop()
		return nil, err
	}
	if err := m.persistLayout(ctx, h); err != nil {
		t.Drop()
		return nil, err
	}
	// Seed the status row synchronously so file mapping can resolve piece
	// geometry before the first feed tick.
	if err := m.resolver.Resolve(ctx, m.snapshot(h)); err != nil {
		t.Drop()
		return nil, err
	}

	m.Logger.Info().
		Str("infoHash", infoHash).
		Str("tracker", tracker).
		Bool("private", h.private).
		Msg("Attached torrent")
	return h, nil
}

func (m *Manager) addWithRetry(ctx context.Context, hash metainfo.Hash, announceURL string) (*torrent.Torrent, error) {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		spec := &torrent.TorrentSpec{
			InfoHash: hash,
			Trackers: [][]string{{announceURL}},
		}
		t, _, err := m.client.AddTorrentSpec(spec)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
			continue
		}

		waitCtx, cancelWait := context.WithTimeout(ctx, m.config.TorrentTimeout)
		select {
		case <-t.GotInfo():
			cancelWait()
			return t, nil
		case <-t.Closed():
			cancelWait()
			lastErr = fmt.Errorf("torrent closed before metadata arrived")
		case <-waitCtx.Done():
			cancelWait()
			t.Drop()
			return nil, ErrTorrentTimeout
		}
	}
	return nil, fmt.Errorf("failed to add torrent after %d retries: %w", maxRetries, lastErr)
}

// persistLayout writes the torrent's file layout into the file index. The
// layout is derived from engine metadata once and reused on every resolve.
func (m *Manager) persistLayout(ctx context.Context, h *handle) error {
	files := h.Files()
	refs := make([]fileindex.FileRef, 0, len(files))
	for i, f := range files {
		refs = append(refs, fileindex.FileRef{
			FileIndex: i,
			Path:      f.DisplayPath(),
			Start:     f.Offset(),
			Stop:      f.Offset() + f.Length(),
		})
	}
	return m.index.PutLayout(ctx, h.InfoHash().HexString(), refs)
}

// snapshot captures the engine's current view of a torrent as a status row.
func (m *Manager) snapshot(h *handle) ledger.TorrentStatus {
	info := h.Info()
	numPieces := int64(h.NumPieces())
	bitmap := fileindex.NewBitmap(numPieces)
	for i := int64(0); i < numPieces; i++ {
		if h.PieceState(int(i)).Complete {
			fileindex.BitmapSet(bitmap, i)
		}
	}

	stats := h.Stats()
	seeders := stats.ConnectedSeeders
	leechers := stats.ActivePeers - stats.ConnectedSeeders
	if leechers < 0 {
		leechers = 0
	}

	return ledger.TorrentStatus{
		InfoHash:    h.InfoHash().HexString(),
		Tracker:     h.tracker,
		PieceBitmap: bitmap,
		PieceLength: info.PieceLength,
		Length:      info.TotalLength(),
		Seeders:     seeders,
		Leechers:    leechers,
	}
}

// Drop detaches a torrent from the swarm engine. Ledger rows are kept.
func (m *Manager) Drop(ctx context.Context, infoHash string) error {
	key := normalizeInfoHash(infoHash)
	m.mu.Lock()
	h, ok := m.torrents[key]
	if ok {
		delete(m.torrents, key)
	}
	m.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}

	h.Drop()
	if err := m.status.Delete(ctx, key); err != nil {
		return err
	}
	m.Logger.Info().Str("infoHash", key).Msg("Dropped torrent")
	return nil
}
