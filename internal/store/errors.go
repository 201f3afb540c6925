package store

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrCellNotFound = errors.New("cell not found")
	// ErrStoreNotInitialized: the named logical database was never created.
	ErrStoreNotInitialized = errors.New("store not initialized")
	// ErrEmptyStore: the database exists but holds no entries.
	ErrEmptyStore       = errors.New("empty store")
	ErrUnknownSnapshot  = errors.New("unknown snapshot")
	ErrWriteConflict    = errors.New("write-write conflict")
	ErrReleasedHandle   = errors.New("write handle already released")
	ErrInvalidCommitSet = errors.New("invalid commit set")
)

// IsRetryable reports whether a failed apply left no state behind and may
// succeed if the caller resubmits.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWriteConflict) {
		return true
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Extended codes carry the primary code in the low byte.
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
