// Package streaming couples an engine file reader to the request ledger:
// as a consumer drains bytes, the backing request is narrowed so already
// delivered data stops competing for swarm priority.
package streaming

import (
	"context"
	"io"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"

	"swarmcache/internal/ledger"
)

// narrowStride is how many consumed bytes accumulate before the ledger row
// is updated. Narrowing per read would hammer the write connection.
const narrowStride = 4 * 1024 * 1024

// closeTimeout bounds the ledger deactivation on Close, which runs detached
// from the consumer's context.
const closeTimeout = 5 * time.Second

// LedgerReader wraps a torrent reader and keeps one ledger request in sync
// with the read position. Closing the reader closes the request.
type LedgerReader struct {
	reader   torrent.Reader
	requests *ledger.RequestLedger
	log      zerolog.Logger
	ctx      context.Context

	requestID int64
	pos       int64
	stop      int64
	narrowed  int64
}

// NewLedgerReader takes ownership of reader and of the ledger request id.
// The reader is positioned at start.
func NewLedgerReader(ctx context.Context, reader torrent.Reader, requests *ledger.RequestLedger, requestID, start, stop int64, log zerolog.Logger) (*LedgerReader, error) {
	if start > 0 {
		if _, err := reader.Seek(start, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return &LedgerReader{
		reader:    reader,
		requests:  requests,
		log:       log,
		ctx:       ctx,
		requestID: requestID,
		pos:       start,
		stop:      stop,
		narrowed:  start,
	}, nil
}

func (lr *LedgerReader) Read(p []byte) (int, error) {
	if lr.pos >= lr.stop {
		return 0, io.EOF
	}
	if max := lr.stop - lr.pos; int64(len(p)) > max {
		p = p[:max]
	}

	n, err := lr.reader.Read(p)
	lr.pos += int64(n)

	if lr.pos-lr.narrowed >= narrowStride && lr.pos < lr.stop {
		if nerr := lr.requests.Narrow(lr.ctx, lr.requestID, lr.pos, lr.stop); nerr != nil {
			lr.log.Warn().Err(nerr).Int64("requestID", lr.requestID).Msg("Failed to narrow request")
		} else {
			lr.narrowed = lr.pos
		}
	}
	return n, err
}

// SetReadahead forwards the readahead window to the engine reader.
func (lr *LedgerReader) SetReadahead(n int64) {
	lr.reader.SetReadahead(n)
}

// Close deactivates the ledger request and releases the engine reader. The
// deactivation runs detached from the consumer's context: a stream usually
// ends because that context is canceled, and the row must still be retired
// or it would keep winning blame and holding piece priorities.
func (lr *LedgerReader) Close() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(lr.ctx), closeTimeout)
	defer cancel()
	if err := lr.requests.Close(ctx, lr.requestID); err != nil {
		lr.log.Warn().Err(err).Int64("requestID", lr.requestID).Msg("Failed to close request")
	}
	return lr.reader.Close()
}
