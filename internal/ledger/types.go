// Package ledger is the bookkeeping core of the cache: it records which byte
// ranges are wanted right now (requests), how many bytes were delivered per
// tracker/torrent/origin/generation (audit), and the per-torrent generation
// stamp that ties the two together across rechecks.
package ledger

// OriginUnknown attributes downloaded pieces that match no outstanding
// request.
const OriginUnknown = "*UNKNOWN*"

// Priority orders requests: a lower value is more urgent. Ties are broken by
// creation time, then request id.
type Priority int

const (
	// PriorityUrgent is for data a consumer is blocked on right now.
	PriorityUrgent Priority = iota
	// PriorityHigh is for data a consumer will need imminently.
	PriorityHigh
	// PriorityNormal is the default for foreground reads.
	PriorityNormal
	// PriorityBackground is for opportunistic prefetch.
	PriorityBackground
)

func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityBackground
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityBackground:
		return "background"
	}
	return "invalid"
}

// Request is a consumer's active interest in a byte range of a torrent.
// Overlapping active requests are allowed and never merged; the swarm side
// takes the minimum priority across overlaps per piece.
type Request struct {
	ID            int64
	Tracker       string
	TorrentID     string
	InfoHash      string
	Start         int64
	Stop          int64
	Origin        string
	Random        bool
	Readahead     bool
	Priority      Priority
	Time          int64
	DeactivatedAt *int64
}

// Active reports whether the request has not been closed.
func (r *Request) Active() bool {
	return r.DeactivatedAt == nil
}

// Audit attributes delivered bytes to a (tracker, infohash, origin,
// generation) key. One row per key; bytes accumulate.
type Audit struct {
	Origin     string
	Tracker    string
	InfoHash   string
	Generation int64
	NumBytes   int64
	Atime      int64
}

// TorrentMeta is the persistent per-torrent record. Generation increases
// strictly; rows survive torrent deletion.
type TorrentMeta struct {
	InfoHash   string
	Generation int64
	Managed    bool
	Atime      int64
}

// TorrentStatus is the last-known swarm state of a torrent. PieceBitmap is
// an MSB-first byte blob of flushed pieces.
type TorrentStatus struct {
	InfoHash        string
	Tracker         string
	PieceBitmap     []byte
	PieceLength     int64
	Length          int64
	Seeders         int
	Leechers        int
	AnnounceMessage string
}
