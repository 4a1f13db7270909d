// Package database provides the SQLite persistence layer for the ledger.
//
// Write concurrency model: a single writer connection (SetMaxOpenConns=1)
// serialized by a mutex, plus a read-only pool for concurrent reads. WAL
// mode allows readers to proceed during writes. Every mutating operation
// goes through Update, which commits before returning, so acknowledged
// writes survive a crash.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnavailable is returned when the persistence layer stays unreachable
// after the bounded retry budget is exhausted.
var ErrUnavailable = errors.New("storage unavailable")

const (
	writeRetryAttempts = 4
	writeRetryDelay    = 50 * time.Millisecond
)

type DB struct {
	writer   *sql.DB
	reader   *sql.DB
	writerMu sync.Mutex
	log      zerolog.Logger
}

func New(path string, log zerolog.Logger) (*DB, error) {
	writer, err := open(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer connection: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := open(path, true)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	reader.SetMaxOpenConns(8)

	db := &DB{
		writer: writer,
		reader: reader,
		log:    log.With().Str("component", "database").Logger(),
	}

	if err := db.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func open(path string, readOnly bool) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	if readOnly {
		q.Add("_pragma", "query_only(ON)")
	}
	dsn := fmt.Sprintf("file:%s?%s", path, q.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	rerr := db.reader.Close()
	werr := db.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// QueryContext runs a read-only query against the reader pool.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.reader.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a read-only query against the reader pool.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.reader.QueryRowContext(ctx, query, args...)
}

// Update runs fn inside a write transaction on the writer connection.
// The transaction is retried a bounded number of times on transient SQLite
// errors and rolled back as a whole on failure, so callers never observe a
// partially applied write. Exhausted retries surface as ErrUnavailable.
func (db *DB) Update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			return db.updateOnce(ctx, fn)
		},
		retry.Attempts(writeRetryAttempts),
		retry.Delay(writeRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
	)
	if err != nil && isTransient(err) {
		db.log.Error().Err(err).Msg("Write transaction failed after retries")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (db *DB) updateOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isTransient reports whether err is a retryable SQLite failure (busy or
// locked) rather than a constraint or logic error.
func isTransient(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

func (db *DB) migrate(ctx context.Context) error {
	if err := db.updateOnce(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"create table if not exists migrations ("+
				"filename text primary key, "+
				"applied_at int not null)")
		return err
	}); err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		err := db.writer.QueryRowContext(ctx,
			"select count(*) from migrations where filename = ?", name).Scan(&applied)
		if err != nil {
			return err
		}
		if applied > 0 {
			continue
		}

		script, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}

		err = db.updateOnce(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(script)); err != nil {
				return fmt.Errorf("migration %s: %w", name, err)
			}
			_, err := tx.ExecContext(ctx,
				"insert into migrations (filename, applied_at) values (?, ?)",
				name, time.Now().Unix())
			return err
		})
		if err != nil {
			return err
		}
		db.log.Info().Str("migration", name).Msg("Applied migration")
	}

	return nil
}
