// Package providers defines the capability interfaces the core depends on.
// Implementations are injected at construction; there is no runtime
// discovery or registration.
package providers

import (
	"context"
	"errors"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"swarmcache/internal/fileindex"
)

var ErrUnknownTracker = errors.New("unknown tracker")

// Credential is an authenticated tracker handle: the announce endpoint with
// the caller's passkey baked in.
type Credential struct {
	Tracker     string
	AnnounceURL string
}

// AuthProvider resolves tracker credentials. The core treats the result as
// opaque; it only forwards the announce URL to the swarm engine.
type AuthProvider interface {
	ResolveAuth(ctx context.Context, tracker string) (Credential, error)
}

// SwarmAccess attaches a torrent to the swarm engine and returns its handle,
// fetching metadata on demand.
type SwarmAccess interface {
	AccessSwarm(ctx context.Context, tracker, infoHash string) (*torrent.Torrent, error)
}

// PrivacyClassifier reports whether torrent metadata describes
// private-tracker content. Sequential/priority fetching is only applied to
// private torrents.
type PrivacyClassifier interface {
	ClassifyPrivacy(info *metainfo.Info) bool
}

// FileMapper is the primary API surface other layers call into: it maps a
// byte window of a file to the overlapping piece range, triggering an
// on-demand metadata fetch on cache miss.
type FileMapper interface {
	MapFile(ctx context.Context, tracker, infoHash string, fileIndex int, offset, length int64) (fileindex.PieceRange, error)
}
