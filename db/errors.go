package db

import (
	"strings"

	"github.com/teranos/postpulse/errors"
)

// ErrDatabaseClosed marks writes that reached the history database after
// shutdown closed it. Such writes cannot succeed and are not a fault.
var ErrDatabaseClosed = errors.New("database is closed")

// MarkClosed tags err with ErrDatabaseClosed when the sql package or the
// sqlite driver reports a closed handle; other errors pass through.
func MarkClosed(err error) error {
	if err == nil || errors.Is(err, ErrDatabaseClosed) {
		return err
	}
	if strings.Contains(err.Error(), "database is closed") {
		return errors.Mark(err, ErrDatabaseClosed)
	}
	return err
}

// IsDatabaseClosed reports whether err came from a closed database handle.
func IsDatabaseClosed(err error) bool {
	return errors.Is(MarkClosed(err), ErrDatabaseClosed)
}
