package ledger

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"swarmcache/internal/fileindex"
)

// CalculateAudits compares the piece bitmaps of two statuses and attributes
// each newly downloaded piece to a request. When several requests overlap a
// piece, the active, most urgent, newest one is blamed; pieces matching no
// request are attributed to OriginUnknown. Recording only ever happens for
// genuinely new pieces, so a recheck that reconfirms existing data adds
// nothing.
func CalculateAudits(old *TorrentStatus, status TorrentStatus, requests []Request, now time.Time) []Audit {
	byOrigin := make(map[string]*Audit)

	type span struct {
		first, stop int64
		req         *Request
	}
	var spans []span

	for _, pr := range fileindex.PiecewiseRanges(status.PieceLength, 0, status.Length) {
		if !fileindex.BitmapIsSet(status.PieceBitmap, pr.Piece) {
			continue
		}
		if old != nil && fileindex.BitmapIsSet(old.PieceBitmap, pr.Piece) {
			continue
		}

		// Lazily build the request piece spans; the common case is no new
		// pieces at all.
		if spans == nil {
			spans = make([]span, 0, len(requests))
			for i := range requests {
				req := &requests[i]
				first, stop := fileindex.RangeToPieces(status.PieceLength, req.Start, req.Stop)
				spans = append(spans, span{first: first, stop: stop, req: req})
			}
		}

		var matched []*Request
		for _, sp := range spans {
			if pr.Piece >= sp.first && pr.Piece < sp.stop {
				matched = append(matched, sp.req)
			}
		}

		origin := OriginUnknown
		atime := now.Unix()
		if len(matched) > 0 {
			sort.Slice(matched, func(i, j int) bool {
				a, b := matched[i], matched[j]
				if a.Active() != b.Active() {
					return a.Active()
				}
				if a.Priority != b.Priority {
					return a.Priority < b.Priority
				}
				return a.Time > b.Time
			})
			origin = matched[0].Origin
			atime = matched[0].Time
		}

		audit, ok := byOrigin[origin]
		if !ok {
			audit = &Audit{
				Origin:   origin,
				Tracker:  status.Tracker,
				InfoHash: status.InfoHash,
			}
			byOrigin[origin] = audit
		}
		audit.NumBytes += pr.Stop - pr.Start
		if atime > audit.Atime {
			audit.Atime = atime
		}
	}

	audits := make([]Audit, 0, len(byOrigin))
	for _, a := range byOrigin {
		audits = append(audits, *a)
	}
	sort.Slice(audits, func(i, j int) bool { return audits[i].Origin < audits[j].Origin })
	return audits
}

// Resolver turns swarm status updates into durable audit records: it diffs
// the incoming status against the cached one, blames the delta on requests,
// stamps the torrent's current generation and applies the result, all before
// the new status becomes the baseline for the next diff.
type Resolver struct {
	status   *StatusCache
	requests *RequestLedger
	audit    *AuditLedger
	coord    *Coordinator
	log      zerolog.Logger
	clock    func() time.Time
}

func NewResolver(status *StatusCache, requests *RequestLedger, audit *AuditLedger, coord *Coordinator, log zerolog.Logger) *Resolver {
	return &Resolver{
		status:   status,
		requests: requests,
		audit:    audit,
		coord:    coord,
		log:      log.With().Str("component", "resolver").Logger(),
		clock:    time.Now,
	}
}

// Resolve ingests one status update. The status replace, the blame diff, the
// audit writes and the retirement of fulfilled requests commit in one write
// transaction: the baseline never advances without its audit delta, and a
// failed update leaves the previous baseline in place to be re-diffed. Only
// torrents with a known tracker are audited.
func (r *Resolver) Resolve(ctx context.Context, status TorrentStatus) error {
	now := r.clock()
	var audits []Audit
	var retired []int64

	err := r.status.db.Update(ctx, func(tx *sql.Tx) error {
		audits, retired = nil, nil

		prev, err := r.status.upsertTx(ctx, tx, status)
		if err != nil {
			return err
		}
		if status.Tracker == "" {
			return nil
		}

		requests, err := r.requests.forTx(ctx, tx, status.InfoHash)
		if err != nil {
			return err
		}

		audits = CalculateAudits(prev, status, requests, now)

		// Requests whose whole range is now present have nothing left to
		// fetch; retire them so they stop driving piece priorities. Blame
		// above still saw them as active for this delta.
		if status.PieceLength > 0 {
			for _, req := range requests {
				if !req.Active() {
					continue
				}
				if !fileindex.RangeIsComplete(status.PieceBitmap, status.PieceLength, req.Start, req.Stop) {
					continue
				}
				if err := r.requests.deactivateTx(ctx, tx, req.ID, now.Unix()); err != nil {
					return err
				}
				retired = append(retired, req.ID)
			}
		}

		if len(audits) == 0 {
			return nil
		}
		generation, err := r.coord.generationTx(ctx, tx, status.InfoHash)
		if err != nil {
			return err
		}
		for i := range audits {
			audits[i].Generation = generation
		}
		return r.audit.applyTx(ctx, tx, audits)
	})
	if err != nil {
		return err
	}

	for _, id := range retired {
		r.log.Debug().
			Str("infoHash", status.InfoHash).
			Int64("requestID", id).
			Msg("Retired fulfilled request")
	}
	for _, a := range audits {
		r.log.Debug().
			Str("infoHash", a.InfoHash).
			Str("origin", a.Origin).
			Int64("generation", a.Generation).
			Int64("numBytes", a.NumBytes).
			Msg("Recorded audit delta")
	}
	return nil
}
