package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"swarmcache/internal/database"
)

// AuditLedger accumulates delivered bytes per (tracker, infohash, origin,
// generation) key. Rows are created lazily on first byte and incremented
// thereafter; they are never deleted except by administrative purge, so
// ratio history survives rechecks and torrent removal.
type AuditLedger struct {
	db    *database.DB
	log   zerolog.Logger
	clock func() time.Time
}

func NewAuditLedger(db *database.DB, log zerolog.Logger) *AuditLedger {
	return &AuditLedger{
		db:    db,
		log:   log.With().Str("component", "audit").Logger(),
		clock: time.Now,
	}
}

// RecordBytes adds numBytes to the audit row for the key, creating it if
// needed. The read-increment-write is atomic per key: it runs inside a
// single write transaction on the serialized writer connection.
func (l *AuditLedger) RecordBytes(ctx context.Context, tracker, infoHash, origin string, generation, numBytes int64) error {
	if numBytes < 0 {
		return fmt.Errorf("%w: negative byte count %d", ErrInvalidArgument, numBytes)
	}
	return l.Apply(ctx, Audit{
		Origin:     origin,
		Tracker:    tracker,
		InfoHash:   infoHash,
		Generation: generation,
		NumBytes:   numBytes,
		Atime:      l.clock().Unix(),
	})
}

// Apply upserts a batch of audit records in one transaction: bytes are added
// to any existing row and atime advances monotonically. All-or-nothing; no
// partial batch is ever visible.
func (l *AuditLedger) Apply(ctx context.Context, audits ...Audit) error {
	for _, a := range audits {
		if a.NumBytes < 0 {
			return fmt.Errorf("%w: negative byte count %d", ErrInvalidArgument, a.NumBytes)
		}
		if a.Origin == "" || a.Tracker == "" || a.InfoHash == "" {
			return fmt.Errorf("%w: audit key fields must be set", ErrInvalidArgument)
		}
	}
	if len(audits) == 0 {
		return nil
	}

	return l.db.Update(ctx, func(tx *sql.Tx) error {
		return l.applyTx(ctx, tx, audits)
	})
}

// applyTx writes the batch inside an open write transaction, for callers that
// commit audits together with the state that produced them.
func (l *AuditLedger) applyTx(ctx context.Context, tx *sql.Tx, audits []Audit) error {
	for _, a := range audits {
		_, err := tx.ExecContext(ctx,
			"insert or ignore into audit (origin, tracker, infohash, generation) "+
				"values (?, ?, ?, ?)",
			a.Origin, a.Tracker, a.InfoHash, a.Generation)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"update audit set num_bytes = num_bytes + ?, atime = max(atime, ?) "+
				"where origin = ? and tracker = ? and infohash = ? and generation = ?",
			a.NumBytes, a.Atime, a.Origin, a.Tracker, a.InfoHash, a.Generation)
		if err != nil {
			return err
		}
	}
	return nil
}

// TotalsByOrigin returns, per infohash, the bytes attributed to an origin on
// a tracker across all generations. Used for quota enforcement.
func (l *AuditLedger) TotalsByOrigin(ctx context.Context, tracker, origin string) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		"select infohash, coalesce(sum(num_bytes), 0) from audit "+
			"where tracker = ? and origin = ? group by infohash", tracker, origin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var infoHash string
		var numBytes int64
		if err := rows.Scan(&infoHash, &numBytes); err != nil {
			return nil, err
		}
		totals[infoHash] = numBytes
	}
	return totals, rows.Err()
}

// TotalsByTorrent returns, per origin, the bytes attributed for the
// torrent's current generation only. Rows from prior generations stay in
// the table but are excluded here. Used for per-torrent ratio views.
func (l *AuditLedger) TotalsByTorrent(ctx context.Context, tracker, infoHash string) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		"select audit.origin, coalesce(sum(audit.num_bytes), 0) "+
			"from audit inner join torrent_meta on audit.infohash = torrent_meta.infohash "+
			"where audit.tracker = ? and audit.infohash = ? "+
			"and audit.generation = torrent_meta.generation "+
			"group by audit.origin", tracker, infoHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var origin string
		var numBytes int64
		if err := rows.Scan(&origin, &numBytes); err != nil {
			return nil, err
		}
		totals[origin] = numBytes
	}
	return totals, rows.Err()
}
