package fileindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"swarmcache/internal/database"
)

// FileRef is a byte range within a single file of a torrent. Start and Stop
// are offsets within the torrent's linear byte space, so a file's pieces can
// be derived without re-reading the full metadata.
type FileRef struct {
	InfoHash  string
	FileIndex int
	Path      string
	Start     int64
	Stop      int64
}

// Index resolves (file, byte window) tuples to piece ranges. File layouts
// are immutable once a torrent's metadata is known; they persist in the file
// table and a small LRU keeps the hot ones in memory.
type Index struct {
	db      *database.DB
	layouts *lru.Cache
	log     zerolog.Logger
}

func NewIndex(db *database.DB, cacheSize int, log zerolog.Logger) (*Index, error) {
	layouts, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create layout cache: %w", err)
	}
	return &Index{
		db:      db,
		layouts: layouts,
		log:     log.With().Str("component", "fileindex").Logger(),
	}, nil
}

// PutLayout stores the file layout for a torrent, replacing any prior rows.
// A generation bump re-derives the layout and calls this again; old rows are
// replaced wholesale rather than mutated piecemeal.
func (ix *Index) PutLayout(ctx context.Context, infoHash string, files []FileRef) error {
	err := ix.db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "delete from file where infohash = ?", infoHash); err != nil {
			return err
		}
		for _, f := range files {
			_, err := tx.ExecContext(ctx,
				"insert into file (infohash, file_index, path, start, stop) values (?, ?, ?, ?, ?)",
				infoHash, f.FileIndex, f.Path, f.Start, f.Stop)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	cached := make([]FileRef, len(files))
	copy(cached, files)
	for i := range cached {
		cached[i].InfoHash = infoHash
	}
	ix.layouts.Add(infoHash, cached)
	return nil
}

// Layout returns the file layout for a torrent, ordered by file index.
func (ix *Index) Layout(ctx context.Context, infoHash string) ([]FileRef, error) {
	if v, ok := ix.layouts.Get(infoHash); ok {
		return v.([]FileRef), nil
	}

	rows, err := ix.db.QueryContext(ctx,
		"select infohash, file_index, path, start, stop from file "+
			"where infohash = ? order by file_index asc", infoHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []FileRef
	for rows.Next() {
		var f FileRef
		if err := rows.Scan(&f.InfoHash, &f.FileIndex, &f.Path, &f.Start, &f.Stop); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNotFound
	}

	ix.layouts.Add(infoHash, files)
	return files, nil
}

// Forget drops the cached layout for a torrent. Called on generation bumps
// so the next resolve re-reads the re-derived layout.
func (ix *Index) Forget(infoHash string) {
	ix.layouts.Remove(infoHash)
}

// Resolve computes the inclusive piece range overlapping the byte window
// [offset, offset+length) of the given file. It fails with ErrNotFound when
// the torrent or file index is unknown and ErrOutOfRange when the window
// exceeds the file's declared size.
func (ix *Index) Resolve(ctx context.Context, infoHash string, fileIndex int, offset, length int64) (PieceRange, error) {
	files, err := ix.Layout(ctx, infoHash)
	if err != nil {
		return PieceRange{}, err
	}

	var file *FileRef
	for i := range files {
		if files[i].FileIndex == fileIndex {
			file = &files[i]
			break
		}
	}
	if file == nil {
		return PieceRange{}, fmt.Errorf("%w: file index %d", ErrNotFound, fileIndex)
	}

	size := file.Stop - file.Start
	// length is compared against the remaining bytes, never added to offset,
	// so a huge pair cannot wrap around the sum.
	if offset < 0 || length < 0 || offset > size || length > size-offset {
		return PieceRange{}, fmt.Errorf("%w: window at %d, %d bytes, of %d-byte file",
			ErrOutOfRange, offset, length, size)
	}

	pieceLength, err := ix.pieceLength(ctx, infoHash)
	if err != nil {
		return PieceRange{}, err
	}

	first, stop := RangeToPieces(pieceLength, file.Start+offset, file.Start+offset+length)
	return PieceRange{First: first, Last: stop - 1}, nil
}

func (ix *Index) pieceLength(ctx context.Context, infoHash string) (int64, error) {
	var pieceLength int64
	err := ix.db.QueryRowContext(ctx,
		"select piece_length from torrent_status where infohash = ?", infoHash).
		Scan(&pieceLength)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: no status for %s", ErrNotFound, infoHash)
	}
	if err != nil {
		return 0, err
	}
	return pieceLength, nil
}
