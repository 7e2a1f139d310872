package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/onair/errors"
)

// ErrDatabaseClosed marks store calls made after the pool was closed.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the *sql.DB or its connection
// has already been closed, which during daemon shutdown is not a failure.
// database/sql reports a closed pool with an unexported error, so its
// message is matched too.
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDatabaseClosed), errors.Is(err, sql.ErrConnDone):
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
