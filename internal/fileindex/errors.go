package fileindex

import "errors"

var (
	ErrNotFound   = errors.New("torrent or file not found")
	ErrOutOfRange = errors.New("byte window out of range")
)
