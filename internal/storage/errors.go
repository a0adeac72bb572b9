package storage

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned by single-row getters when nothing matches.
var ErrNotFound = errors.New("storage: not found")

// IsTableMissing recognises the "relation/table does not exist" error shapes
// of sqlite and postgres. Read paths map it to empty results so a fresh
// database behaves like an empty one.
func IsTableMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || // sqlite
		strings.Contains(msg, "sqlstate 42p01") || // postgres
		(strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist"))
}

// isNotFound normalizes gorm's record-not-found sentinel.
func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
