package torrent

import "errors"

var (
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrMaxTorrentsReached     = errors.New("maximum number of concurrent torrents reached")
	ErrTorrentNotFound        = errors.New("torrent not found")
	ErrTorrentTimeout         = errors.New("timeout waiting for torrent info")
	ErrInvalidFileIndex       = errors.New("invalid file index")
	ErrInvalidInfoHash        = errors.New("invalid infohash")
	ErrManagerContextCanceled = errors.New("manager context canceled")
)
