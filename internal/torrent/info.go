package torrent

import (
	"context"

	"github.com/anacrolix/torrent"
)

// Info returns the API-facing summary of a torrent, attaching it on demand.
func (m *Manager) Info(ctx context.Context, tracker, infoHash string) (*TorrentInfo, error) {
	key := normalizeInfoHash(infoHash)
	t, err := m.AccessSwarm(ctx, tracker, key)
	if err != nil {
		return nil, err
	}

	generation, err := m.coord.Generation(ctx, key)
	if err != nil {
		return nil, err
	}

	h, _ := m.handleFor(key)
	files := t.Files()
	infos := make([]FileInfo, 0, len(files))
	for i, f := range files {
		var progress float64
		if f.Length() > 0 {
			progress = float64(f.BytesCompleted()) / float64(f.Length()) * 100
		}
		infos = append(infos, FileInfo{
			ID:       i,
			Name:     f.DisplayPath(),
			Size:     f.Length(),
			Progress: progress,
		})
	}

	return &TorrentInfo{
		InfoHash:   key,
		Name:       t.Name(),
		Generation: generation,
		Private:    h != nil && h.private,
		Files:      infos,
	}, nil
}

// FileSpan returns the absolute byte range one file occupies within its
// torrent, attaching the torrent on demand.
func (m *Manager) FileSpan(ctx context.Context, tracker, infoHash string, fileID int) (start, stop int64, err error) {
	t, err := m.AccessSwarm(ctx, tracker, normalizeInfoHash(infoHash))
	if err != nil {
		return 0, 0, err
	}
	files := t.Files()
	if fileID < 0 || fileID >= len(files) {
		return 0, 0, ErrInvalidFileIndex
	}
	f := files[fileID]
	return f.Offset(), f.Offset() + f.Length(), nil
}

// OpenReader opens a sequential reader over one file of a torrent,
// attaching the torrent on demand. The caller owns the reader.
func (m *Manager) OpenReader(ctx context.Context, tracker, infoHash string, fileID int) (torrent.Reader, *FileInfo, error) {
	key := normalizeInfoHash(infoHash)
	t, err := m.AccessSwarm(ctx, tracker, key)
	if err != nil {
		return nil, nil, err
	}

	files := t.Files()
	if fileID < 0 || fileID >= len(files) {
		return nil, nil, ErrInvalidFileIndex
	}
	f := files[fileID]

	if h, ok := m.handleFor(key); ok {
		h.touch()
	}

	return f.NewReader(), &FileInfo{
		ID:   fileID,
		Name: f.DisplayPath(),
		Size: f.Length(),
	}, nil
}
