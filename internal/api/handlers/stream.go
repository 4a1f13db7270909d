package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"swarmcache/internal/config"
	"swarmcache/internal/ledger"
	"swarmcache/internal/streaming"
	torrentManager "swarmcache/internal/torrent"
	"swarmcache/internal/utils"
)

const streamChunkSize = 1024 * 1024

// StreamFile serves one torrent file over HTTP with range support. Every
// response is backed by a ledger request, so the bytes delivered here show
// up in the audit totals under the caller's origin.
func StreamFile(tm *torrentManager.Manager, requests *ledger.RequestLedger, cfg *config.Config, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := chi.URLParam(r, "infoHash")
		fileID, err := strconv.Atoi(chi.URLParam(r, "fileID"))
		if err != nil {
			renderError(w, r, http.StatusBadRequest, "Invalid file ID")
			return
		}
		tracker := trackerParam(r, cfg)
		origin := originParam(r, cfg)

		reader, fi, err := tm.OpenReader(r.Context(), tracker, infoHash, fileID)
		if err != nil {
			log.Error().Err(err).Str("infoHash", infoHash).Int("fileID", fileID).Msg("Failed to open file reader")
			renderError(w, r, errStatus(err), err.Error())
			return
		}

		start, end, err := parseRange(r.Header.Get("Range"), fi.Size)
		if err != nil {
			reader.Close()
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fi.Size))
			renderError(w, r, http.StatusRequestedRangeNotSatisfiable, err.Error())
			return
		}

		requestID, err := requests.Open(r.Context(), ledger.Request{
			Tracker:  tracker,
			InfoHash: strings.ToLower(infoHash),
			Start:    start,
			Stop:     end + 1,
			Origin:   origin,
			Priority: ledger.PriorityUrgent,
		})
		if err != nil {
			reader.Close()
			log.Error().Err(err).Str("infoHash", infoHash).Msg("Failed to open ledger request")
			renderError(w, r, errStatus(err), err.Error())
			return
		}

		lr, err := streaming.NewLedgerReader(r.Context(), reader, requests, requestID, start, end+1, log)
		if err != nil {
			requests.Close(r.Context(), requestID)
			reader.Close()
			renderError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		defer lr.Close()
		lr.SetReadahead(streamChunkSize * 4)

		w.Header().Set("Content-Type", utils.MIMETypeForPath(fi.Name))
		w.Header().Set("Content-Disposition", utils.ContentDisposition(fi.Name))
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, fi.Size))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		written, err := copyFlush(w, lr)
		if err != nil {
			log.Warn().Err(err).
				Str("infoHash", infoHash).
				Int("fileID", fileID).
				Int64("written", written).
				Msg("Stream ended early")
			return
		}

		log.Info().
			Str("infoHash", infoHash).
			Int("fileID", fileID).
			Str("origin", origin).
			Int64("written", written).
			Msg("Streaming completed")
	}
}

func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	chunk := make([]byte, streamChunkSize)
	var written int64
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// parseRange interprets a single-range Range header against fileSize,
// returning an inclusive byte range. An empty header means the whole file.
func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	if rangeHeader == "" {
		return 0, fileSize - 1, nil
	}

	const prefix = "bytes="
	if !strings.HasPrefix(rangeHeader, prefix) {
		return 0, 0, fmt.Errorf("invalid range header")
	}

	parts := strings.Split(strings.TrimPrefix(rangeHeader, prefix), "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	if parts[0] == "" {
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range")
		}
		if n > fileSize {
			n = fileSize
		}
		return fileSize - n, fileSize - 1, nil
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}

	end := fileSize - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		if end >= fileSize {
			end = fileSize - 1
		}
	}

	if start > end || start >= fileSize {
		return 0, 0, fmt.Errorf("invalid range")
	}
	return start, end, nil
}
