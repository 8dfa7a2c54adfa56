package store

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when no object has the requested ID.
var ErrNotFound = errors.New("store: object not found")

// Constraint kinds reported by ConstraintError.
const (
	// KindUnique means a unique attribute value is already taken.
	KindUnique = "unique"
	// KindDuplicate means an inserted object's ID already exists.
	KindDuplicate = "duplicate"
	// KindMissing means an updated or deleted object no longer exists.
	KindMissing = "missing"
)

// ConstraintError identifies the single object whose change the store
// rejected inside a commit. The whole commit is rolled back.
type ConstraintError struct {
	ObjectID  string
	Entity    string
	Kind      string
	Attribute string
	Err       error
}

func (e *ConstraintError) Error() string {
	switch e.Kind {
	case KindUnique:
		return fmt.Sprintf("store: %s %s: %s value already taken", e.Entity, e.ObjectID, e.Attribute)
	case KindDuplicate:
		return fmt.Sprintf("store: %s %s: id already exists", e.Entity, e.ObjectID)
	case KindMissing:
		return fmt.Sprintf("store: %s %s: object no longer exists", e.Entity, e.ObjectID)
	default:
		return fmt.Sprintf("store: %s %s: %s constraint failed", e.Entity, e.ObjectID, e.Kind)
	}
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// IsConstraintError reports whether err is or wraps a *ConstraintError.
func IsConstraintError(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// SchemaMismatchError is returned by BindModel when the store was built for a
// different model and migration is not enabled.
type SchemaMismatchError struct {
	StoredName   string
	StoredDigest string
	Name         string
	Digest       string
}

func (e *SchemaMismatchError) Error() string {
	if e.StoredName != e.Name {
		return fmt.Sprintf("store: built for model %q, not %q", e.StoredName, e.Name)
	}
	return fmt.Sprintf("store: model %q changed shape (stored %.12s, current %.12s); enable migrate to adopt it",
		e.Name, e.StoredDigest, e.Digest)
}

// IsSchemaMismatch reports whether err is or wraps a *SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var sm *SchemaMismatchError
	return errors.As(err, &sm)
}

// isUniqueViolation reports whether a driver error is a UNIQUE or PRIMARY KEY
// constraint failure, for either supported driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	if unique, ok := cgoUniqueViolation(err); ok {
		return unique
	}

	var pureErr *sqlite.Error
	if errors.As(err, &pureErr) {
		return pureErr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
			pureErr.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	// SQLite returns "UNIQUE constraint failed" in the error message
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
