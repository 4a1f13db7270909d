package torrent

import (
	"context"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/types"

	"swarmcache/internal/fileindex"
	"swarmcache/internal/ledger"
)

// piecePriorities folds the active requests of a torrent down to one
// priority per piece. Overlapping requests keep the most urgent value; a
// readahead request is pushed one level less urgent than its nominal
// priority so blocking reads always win. Pieces no request covers are
// absent from the result.
func piecePriorities(pieceLength int64, requests []ledger.Request) map[int64]ledger.Priority {
	out := make(map[int64]ledger.Priority)
	for _, req := range requests {
		p := req.Priority
		if req.Readahead && p < ledger.PriorityBackground {
			p++
		}
		first, stop := fileindex.RangeToPieces(pieceLength, req.Start, req.Stop)
		for i := first; i < stop; i++ {
			if cur, ok := out[i]; !ok || p < cur {
				out[i] = p
			}
		}
	}
	return out
}

func enginePriority(p ledger.Priority) types.PiecePriority {
	switch p {
	case ledger.PriorityUrgent:
		return torrent.PiecePriorityNow
	case ledger.PriorityHigh:
		return torrent.PiecePriorityReadahead
	case ledger.PriorityNormal:
		return torrent.PiecePriorityHigh
	default:
		return torrent.PiecePriorityNormal
	}
}

// ApplyPriorities pushes ledger-derived piece priorities into the swarm
// engine for one torrent. Only private torrents are driven by the ledger;
// public ones are left to the engine's reader-based scheduling.
func (m *Manager) ApplyPriorities(ctx context.Context, infoHash string) error {
	h, ok := m.handleFor(infoHash)
	if !ok {
		return ErrTorrentNotFound
	}
	if !h.private {
		return nil
	}

	requests, err := m.requests.ActiveFor(ctx, normalizeInfoHash(infoHash))
	if err != nil {
		return err
	}

	wanted := piecePriorities(h.Info().PieceLength, requests)
	numPieces := h.NumPieces()
	for i := 0; i < numPieces; i++ {
		p, ok := wanted[int64(i)]
		if !ok {
			h.Piece(i).SetPriority(torrent.PiecePriorityNone)
			continue
		}
		h.Piece(i).SetPriority(enginePriority(p))
	}

	m.Logger.Debug().
		Str("infoHash", infoHash).
		Int("wantedPieces", len(wanted)).
		Int("activeRequests", len(requests)).
		Msg("Applied piece priorities")
	return nil
}
