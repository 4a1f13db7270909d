package ledger

import (
	"errors"

	"swarmcache/internal/database"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNotActive       = errors.New("request is not active")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("concurrent generation change")

	// ErrStorageUnavailable surfaces when the persistence layer stays
	// unreachable past the retry budget.
	ErrStorageUnavailable = database.ErrUnavailable
)
