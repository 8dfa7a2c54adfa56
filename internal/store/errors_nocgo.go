//go:build !cgo

package store

// cgoUniqueViolation is a no-op without cgo: github.com/mattn/go-sqlite3 is a
// stub that cannot open connections, so it never produces driver errors.
func cgoUniqueViolation(err error) (unique, ok bool) {
	return false, false
}
