package index

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound means no store exists at the path. Callers treat it as
	// first use and create one.
	ErrNotFound = errors.New("index not found")
	// ErrCorrupt means the store failed validation and must be rebuilt.
	ErrCorrupt = errors.New("index is corrupt")
	// ErrSchemaTooNew means the store was written by a newer engine.
	ErrSchemaTooNew = errors.New("unsupported index schema version")
	// ErrTransient covers lock contention and I/O failures worth retrying.
	ErrTransient = errors.New("transient index error")
	// ErrConflict means another writer held the database.
	ErrConflict = errors.New("index write conflict")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("index is closed")
)

// SchemaError reports a schema version the engine cannot use.
type SchemaError struct {
	Path     string
	Found    int
	Expected int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("index %s has schema version %d, engine supports up to %d", e.Path, e.Found, e.Expected)
}

func (e *SchemaError) Unwrap() error { return ErrSchemaTooNew }

// classify maps driver errors onto the package's sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL, sqlite3.SQLITE_PROTOCOL:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}
