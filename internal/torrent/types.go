package torrent

import (
	"sync"
	"time"

	"github.com/anacrolix/torrent"
)

const (
	statsInterval = 1 * time.Minute
	maxRetries    = 3
)

// handle is a torrent attached to the swarm engine together with the cache's
// view of it.
type handle struct {
	*torrent.Torrent
	tracker string
	private bool

	mu           sync.Mutex
	lastAccessed time.Time
}

func (h *handle) touch() {
	h.mu.Lock()
	h.lastAccessed = time.Now()
	h.mu.Unlock()
}

func (h *handle) accessed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAccessed
}

// TorrentInfo is the API-facing summary of an attached torrent.
type TorrentInfo struct {
	InfoHash   string     `json:"infoHash"`
	Name       string     `json:"name"`
	Generation int64      `json:"generation"`
	Private    bool       `json:"private"`
	Files      []FileInfo `json:"files"`
}

type FileInfo struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
}
