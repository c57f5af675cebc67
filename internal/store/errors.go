package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/eventcore/internal/model"
)

// isTransient reports whether err is a lock or connectivity condition that
// may clear on its own.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return true
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, model.ErrEventStoreUnavailable) {
		return true
	}
	// database/sql does not export its closed-database error.
	return strings.Contains(err.Error(), "sql: database is closed")
}

// IsTransient reports whether err is worth retrying against the store.
func IsTransient(err error) bool {
	return isTransient(err)
}

// classifyFetch maps transient driver errors to model.ErrEventStoreUnavailable
// so the processing loop backs off instead of terminating.
func classifyFetch(op string, err error) error {
	if isTransient(err) && !errors.Is(err, model.ErrEventStoreUnavailable) {
		return fmt.Errorf("%s: %w: %v", op, model.ErrEventStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
