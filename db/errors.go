package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/mundo/errors"
)

// ErrDatabaseClosed marks work that raced the shutdown of the web server,
// the worker or the sweeper after the pool was closed.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the pool is gone.
// database/sql returns its own unwrapped error for this, so the message is
// matched as well.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsBusy reports whether err is SQLite giving up on a lock held by another
// connection after the busy timeout, typically a peer process claiming or
// sweeping on the same file.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}
