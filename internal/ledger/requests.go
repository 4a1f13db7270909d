package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"swarmcache/internal/database"
)

const requestColumns = "request_id, tracker, torrent_id, infohash, start, stop, " +
	"origin, random, readahead, priority, time, deactivated_at"

// RequestLedger records each consumer's active interest in a byte range.
// Requests are deactivated rather than deleted when a read ends, so audit
// blame resolution can still see them; a retention sweep removes old ones.
type RequestLedger struct {
	db    *database.DB
	log   zerolog.Logger
	clock func() time.Time
}

func NewRequestLedger(db *database.DB, log zerolog.Logger) *RequestLedger {
	return &RequestLedger{
		db:    db,
		log:   log.With().Str("component", "requests").Logger(),
		clock: time.Now,
	}
}

// Open inserts a new active request and returns its id. Repeated opens for
// the same logical read create independent rows; the caller keeps the handle
// and closes it when the read ends. The owning torrent's meta row is created
// on first encounter and its atime refreshed.
func (l *RequestLedger) Open(ctx context.Context, req Request) (int64, error) {
	if req.Start < 0 || req.Stop <= req.Start {
		return 0, fmt.Errorf("%w: range [%d, %d)", ErrInvalidArgument, req.Start, req.Stop)
	}
	if req.Origin == "" {
		return 0, fmt.Errorf("%w: origin must be set", ErrInvalidArgument)
	}
	if req.Tracker == "" || req.InfoHash == "" {
		return 0, fmt.Errorf("%w: tracker and infohash must be set", ErrInvalidArgument)
	}
	if !req.Priority.Valid() {
		return 0, fmt.Errorf("%w: priority %d", ErrInvalidArgument, req.Priority)
	}

	now := l.clock().Unix()
	var id int64
	err := l.db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"insert or ignore into torrent_meta (infohash) values (?)", req.InfoHash); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"update torrent_meta set atime = max(atime, ?) where infohash = ?",
			now, req.InfoHash); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"insert into request (tracker, torrent_id, infohash, start, stop, "+
				"origin, random, readahead, priority, time) "+
				"values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			req.Tracker, req.TorrentID, req.InfoHash, req.Start, req.Stop,
			req.Origin, req.Random, req.Readahead, int(req.Priority), now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}

	l.log.Debug().
		Int64("requestID", id).
		Str("infoHash", req.InfoHash).
		Str("origin", req.Origin).
		Int64("start", req.Start).
		Int64("stop", req.Stop).
		Str("priority", req.Priority.String()).
		Msg("Opened request")
	return id, nil
}

// Narrow shrinks or shifts an active request's byte range in place.
func (l *RequestLedger) Narrow(ctx context.Context, id, start, stop int64) error {
	if start < 0 || stop <= start {
		return fmt.Errorf("%w: range [%d, %d)", ErrInvalidArgument, start, stop)
	}
	return l.mutateActive(ctx, id,
		"update request set start = ?, stop = ? where request_id = ? and deactivated_at is null",
		start, stop, id)
}

// Reprioritize changes an active request's priority in place.
func (l *RequestLedger) Reprioritize(ctx context.Context, id int64, p Priority) error {
	if !p.Valid() {
		return fmt.Errorf("%w: priority %d", ErrInvalidArgument, p)
	}
	return l.mutateActive(ctx, id,
		"update request set priority = ? where request_id = ? and deactivated_at is null",
		int(p), id)
}

// mutateActive runs an update that only matches active rows, then classifies
// a zero-row result as ErrNotActive or ErrNotFound. A closed request must
// never be silently resurrected.
func (l *RequestLedger) mutateActive(ctx context.Context, id int64, query string, args ...any) error {
	return l.db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		return l.classifyMiss(ctx, tx, id, ErrNotActive)
	})
}

func (l *RequestLedger) classifyMiss(ctx context.Context, tx *sql.Tx, id int64, inactive error) error {
	var exists int
	err := tx.QueryRowContext(ctx,
		"select count(*) from request where request_id = ?", id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: request %d", ErrNotFound, id)
	}
	if inactive == nil {
		return nil
	}
	return fmt.Errorf("%w: request %d", inactive, id)
}

// Close sets the deactivation timestamp. Closing an already-closed request
// is a no-op; closing an unknown one is ErrNotFound.
func (l *RequestLedger) Close(ctx context.Context, id int64) error {
	now := l.clock().Unix()
	return l.db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"update request set deactivated_at = ? where request_id = ? and deactivated_at is null",
			now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			l.log.Debug().Int64("requestID", id).Msg("Closed request")
			return nil
		}
		return l.classifyMiss(ctx, tx, id, nil)
	})
}

// ActiveFor returns the active requests for a torrent ordered by ascending
// priority, then creation time, then request id. The ordering is stable
// across calls with no intervening mutation.
func (l *RequestLedger) ActiveFor(ctx context.Context, infoHash string) ([]Request, error) {
	return l.query(ctx,
		"select "+requestColumns+" from request "+
			"where infohash = ? and deactivated_at is null "+
			"order by priority asc, time asc, request_id asc", infoHash)
}

// For returns all requests for a torrent, deactivated ones included. Blame
// resolution needs the deactivated rows.
func (l *RequestLedger) For(ctx context.Context, infoHash string) ([]Request, error) {
	return l.query(ctx,
		"select "+requestColumns+" from request where infohash = ? "+
			"order by request_id asc", infoHash)
}

// forTx is For inside an open write transaction, so the rows a caller blames
// against cannot change before its own writes commit.
func (l *RequestLedger) forTx(ctx context.Context, tx *sql.Tx, infoHash string) ([]Request, error) {
	rows, err := tx.QueryContext(ctx,
		"select "+requestColumns+" from request where infohash = ? "+
			"order by request_id asc", infoHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// deactivateTx retires a request inside an open write transaction. Already
// deactivated rows are left untouched.
func (l *RequestLedger) deactivateTx(ctx context.Context, tx *sql.Tx, id, at int64) error {
	_, err := tx.ExecContext(ctx,
		"update request set deactivated_at = ? where request_id = ? and deactivated_at is null",
		at, id)
	return err
}

func (l *RequestLedger) query(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func scanRequests(rows *sql.Rows) ([]Request, error) {
	var reqs []Request
	for rows.Next() {
		var r Request
		var priority int
		var deactivatedAt sql.NullInt64
		err := rows.Scan(&r.ID, &r.Tracker, &r.TorrentID, &r.InfoHash, &r.Start, &r.Stop,
			&r.Origin, &r.Random, &r.Readahead, &priority, &r.Time, &deactivatedAt)
		if err != nil {
			return nil, err
		}
		r.Priority = Priority(priority)
		if deactivatedAt.Valid {
			v := deactivatedAt.Int64
			r.DeactivatedAt = &v
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// Get returns a single request by id.
func (l *RequestLedger) Get(ctx context.Context, id int64) (*Request, error) {
	reqs, err := l.query(ctx,
		"select "+requestColumns+" from request where request_id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: request %d", ErrNotFound, id)
	}
	return &reqs[0], nil
}

// PurgeDeactivated deletes requests that were deactivated before the
// retention window. Active requests are never touched.
func (l *RequestLedger) PurgeDeactivated(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.clock().Add(-olderThan).Unix()
	var purged int64
	err := l.db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"delete from request where deactivated_at is not null and deactivated_at < ?",
			cutoff)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		l.log.Info().Int64("purged", purged).Msg("Purged deactivated requests")
	}
	return purged, nil
}
