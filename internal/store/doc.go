// Package store provides the SQLite backing store for one object graph.
//
// A store file holds:
//   - Objects: the committed attribute state of every live managed object
//   - Unique values: one row per unique attribute value, enforced by the primary key
//   - Commits: an append-only log of committed change sets keyed by seq
//   - Metadata: the name and structural digest of the model the file was built for
//
// # Ordering
//
// All ordering uses seq INTEGER (logical clock), never timestamps. List
// queries order by id COLLATE BINARY so results are identical across runs.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout: Wait for locks (default 5 seconds)
//   - foreign_keys=ON: Unique values cascade with their object
//
// Two drivers are supported: "sqlite3" (github.com/mattn/go-sqlite3, cgo) and
// "sqlite" (modernc.org/sqlite, pure Go). Both produce the same file format.
package store
