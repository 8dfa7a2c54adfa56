//go:build cgo

package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// cgoUniqueViolation classifies a github.com/mattn/go-sqlite3 driver error.
// ok is false when err is not from that driver.
func cgoUniqueViolation(err error) (unique, ok bool) {
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			cgoErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey, true
	}
	return false, false
}
