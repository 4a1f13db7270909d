package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"swarmcache/internal/database"
)

const statusColumns = "infohash, tracker, piece_bitmap, piece_length, length, " +
	"seeders, leechers, announce_message"

// StatusCache holds the last-known swarm state per torrent, refreshed from
// swarm-engine callbacks. Read-mostly; not used for audit correctness.
type StatusCache struct {
	db  *database.DB
	log zerolog.Logger
}

func NewStatusCache(db *database.DB, log zerolog.Logger) *StatusCache {
	return &StatusCache{
		db:  db,
		log: log.With().Str("component", "status").Logger(),
	}
}

// Upsert replaces the status row for a torrent and returns the previous row,
// if any. The previous bitmap is what blame resolution diffs against.
func (s *StatusCache) Upsert(ctx context.Context, status TorrentStatus) (*TorrentStatus, error) {
	var prev *TorrentStatus
	err := s.db.Update(ctx, func(tx *sql.Tx) error {
		var err error
		prev, err = s.upsertTx(ctx, tx, status)
		return err
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// upsertTx is Upsert inside an open write transaction, so the previous-row
// read and the replace are a single atomic step for callers that commit more
// work alongside.
func (s *StatusCache) upsertTx(ctx context.Context, tx *sql.Tx, status TorrentStatus) (*TorrentStatus, error) {
	if status.InfoHash == "" {
		return nil, fmt.Errorf("%w: infohash must be set", ErrInvalidArgument)
	}

	prev, err := scanStatus(tx.QueryRowContext(ctx,
		"select "+statusColumns+" from torrent_status where infohash = ?",
		status.InfoHash), status.InfoHash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"insert or replace into torrent_status ("+statusColumns+") "+
			"values (?, ?, ?, ?, ?, ?, ?, ?)",
		status.InfoHash, status.Tracker, status.PieceBitmap, status.PieceLength,
		status.Length, status.Seeders, status.Leechers, status.AnnounceMessage)
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// Get returns the last-known status for a torrent.
func (s *StatusCache) Get(ctx context.Context, infoHash string) (*TorrentStatus, error) {
	return scanStatus(s.db.QueryRowContext(ctx,
		"select "+statusColumns+" from torrent_status where infohash = ?",
		infoHash), infoHash)
}

func scanStatus(row *sql.Row, infoHash string) (*TorrentStatus, error) {
	st := &TorrentStatus{}
	var announce sql.NullString
	err := row.Scan(&st.InfoHash, &st.Tracker, &st.PieceBitmap, &st.PieceLength,
		&st.Length, &st.Seeders, &st.Leechers, &announce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no status for %s", ErrNotFound, infoHash)
	}
	if err != nil {
		return nil, err
	}
	st.AnnounceMessage = announce.String
	return st, nil
}

// Delete removes the status row, e.g. when a torrent is dropped from the
// swarm engine. Meta and audit rows are kept.
func (s *StatusCache) Delete(ctx context.Context, infoHash string) error {
	return s.db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"delete from torrent_status where infohash = ?", infoHash)
		return err
	})
}
