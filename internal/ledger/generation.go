package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"swarmcache/internal/database"
)

// VerifyFunc revalidates a torrent's on-disk data and reports whether the
// state actually changed. The swarm bridge supplies this.
type VerifyFunc func(ctx context.Context) (changed bool, err error)

// Coordinator owns the per-torrent generation counter. A generation bump is
// a single compare-and-increment transaction, so it linearizes with Open and
// RecordBytes: once Bump commits, later calls observe the new value.
// Concurrent recheck triggers for one torrent coalesce into a single
// Verifying transition.
type Coordinator struct {
	db    *database.DB
	log   zerolog.Logger
	group singleflight.Group

	mu   sync.Mutex
	subs []func(infoHash string, generation int64)
}

func NewCoordinator(db *database.DB, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:  db,
		log: log.With().Str("component", "generation").Logger(),
	}
}

// Subscribe registers a callback invoked after every committed bump, before
// Recheck returns. Consumers use it to re-derive piece mappings.
func (c *Coordinator) Subscribe(fn func(infoHash string, generation int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Coordinator) notify(infoHash string, generation int64) {
	c.mu.Lock()
	subs := make([]func(string, int64), len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(infoHash, generation)
	}
}

// Ensure creates the torrent_meta row on first encounter of an infohash.
func (c *Coordinator) Ensure(ctx context.Context, infoHash string) error {
	return c.db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"insert or ignore into torrent_meta (infohash) values (?)", infoHash)
		return err
	})
}

// Generation returns the current generation for a torrent, creating its
// meta row if needed.
func (c *Coordinator) Generation(ctx context.Context, infoHash string) (int64, error) {
	var generation int64
	err := c.db.QueryRowContext(ctx,
		"select generation from torrent_meta where infohash = ?", infoHash).
		Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		if err := c.Ensure(ctx, infoHash); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return generation, nil
}

// generationTx reads the current generation inside an open write transaction,
// creating the meta row if needed.
func (c *Coordinator) generationTx(ctx context.Context, tx *sql.Tx, infoHash string) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		"insert or ignore into torrent_meta (infohash) values (?)", infoHash); err != nil {
		return 0, err
	}
	var generation int64
	err := tx.QueryRowContext(ctx,
		"select generation from torrent_meta where infohash = ?", infoHash).
		Scan(&generation)
	return generation, err
}

// Meta returns the full torrent_meta row.
func (c *Coordinator) Meta(ctx context.Context, infoHash string) (*TorrentMeta, error) {
	m := &TorrentMeta{}
	err := c.db.QueryRowContext(ctx,
		"select infohash, generation, managed, atime from torrent_meta where infohash = ?",
		infoHash).Scan(&m.InfoHash, &m.Generation, &m.Managed, &m.Atime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: torrent %s", ErrNotFound, infoHash)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetManaged marks whether the cache may evict the torrent's data.
func (c *Coordinator) SetManaged(ctx context.Context, infoHash string, managed bool) error {
	return c.db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"insert or ignore into torrent_meta (infohash) values (?)", infoHash); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"update torrent_meta set managed = ? where infohash = ?", managed, infoHash)
		return err
	})
}

// bumpFrom increments the generation only if it still equals from. A failed
// compare means another bump won the race.
func (c *Coordinator) bumpFrom(ctx context.Context, infoHash string, from int64) (int64, error) {
	var bumped bool
	err := c.db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"update torrent_meta set generation = generation + 1 "+
				"where infohash = ? and generation = ?", infoHash, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		bumped = n > 0
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !bumped {
		return 0, fmt.Errorf("%w: generation moved past %d", ErrConflict, from)
	}
	return from + 1, nil
}

// Recheck drives the Stable -> Verifying -> Stable transition for one
// torrent. verify revalidates the data; when it reports a change the
// generation is bumped and subscribers are notified before returning, so a
// caller that observes the result also observes the new generation.
// Concurrent rechecks of the same torrent share one verification.
func (c *Coordinator) Recheck(ctx context.Context, infoHash string, verify VerifyFunc) (int64, error) {
	v, err, _ := c.group.Do(infoHash, func() (any, error) {
		from, err := c.Generation(ctx, infoHash)
		if err != nil {
			return int64(0), err
		}

		c.log.Info().Str("infoHash", infoHash).Int64("generation", from).Msg("Verifying torrent")
		changed, err := verify(ctx)
		if err != nil {
			return int64(0), fmt.Errorf("verification failed: %w", err)
		}
		if !changed {
			c.log.Info().Str("infoHash", infoHash).Msg("Recheck found no change")
			return from, nil
		}

		generation, err := c.bumpFrom(ctx, infoHash, from)
		if err != nil {
			return int64(0), err
		}
		c.log.Info().
			Str("infoHash", infoHash).
			Int64("generation", generation).
			Msg("Bumped torrent generation")
		c.notify(infoHash, generation)
		return generation, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Touch refreshes the last-access timestamp.
func (c *Coordinator) Touch(ctx context.Context, infoHash string, at time.Time) error {
	return c.db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"insert or ignore into torrent_meta (infohash) values (?)", infoHash); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"update torrent_meta set atime = max(atime, ?) where infohash = ?",
			at.Unix(), infoHash)
		return err
	})
}
