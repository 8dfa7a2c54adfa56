package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/roach88/objgraph/internal/attr"
)

// Record is the committed state of one object inside a change set.
type Record struct {
	ID         string
	Entity     string
	Attributes attr.Map

	// Unique holds canonical encodings of the object's unique attribute
	// values, keyed by attribute name.
	Unique map[string]string
}

// Deletion names an object to remove.
type Deletion struct {
	ID     string
	Entity string
}

// ChangeSet is everything one save persists atomically.
type ChangeSet struct {
	Inserts []Record
	Updates []Record
	Deletes []Deletion
}

// Empty reports whether the change set has nothing to persist.
func (c ChangeSet) Empty() bool {
	return len(c.Inserts) == 0 && len(c.Updates) == 0 && len(c.Deletes) == 0
}

// CommitResult describes a committed change set.
type CommitResult struct {
	// Seq is the commit's position in the commit log. Zero for an empty
	// change set, which writes nothing.
	Seq int64

	// Versions maps every inserted or updated object ID to its new version.
	Versions map[string]int64
}

// Commit persists a change set in one transaction. Deletes are applied first,
// then updates, then inserts, so a unique value released by one object can be
// claimed by another in the same commit.
//
// A rejected change fails with *ConstraintError naming the object; nothing
// from the change set is persisted in that case.
func (s *Store) Commit(ctx context.Context, cs ChangeSet) (CommitResult, error) {
	if cs.Empty() {
		return CommitResult{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM commits`).Scan(&seq); err != nil {
		return CommitResult{}, fmt.Errorf("commit: next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO commits (seq, inserted, updated, deleted)
		VALUES (?, ?, ?, ?)
	`, seq, len(cs.Inserts), len(cs.Updates), len(cs.Deletes))
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit: log: %w", err)
	}

	result := CommitResult{Seq: seq, Versions: make(map[string]int64, len(cs.Inserts)+len(cs.Updates))}

	for _, d := range cs.Deletes {
		res, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, d.ID)
		if err != nil {
			return CommitResult{}, fmt.Errorf("commit: delete %s: %w", d.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return CommitResult{}, &ConstraintError{ObjectID: d.ID, Entity: d.Entity, Kind: KindMissing}
		}
		if err := logChange(ctx, tx, seq, d.ID, d.Entity, "delete"); err != nil {
			return CommitResult{}, err
		}
	}

	// Release every updated object's unique values before claiming new ones,
	// so two objects can swap values.
	for _, r := range cs.Updates {
		if _, err := tx.ExecContext(ctx, `DELETE FROM unique_values WHERE object_id = ?`, r.ID); err != nil {
			return CommitResult{}, fmt.Errorf("commit: release unique values %s: %w", r.ID, err)
		}
	}

	for _, r := range cs.Updates {
		body, digest, err := encodeAttributes(r.Attributes)
		if err != nil {
			return CommitResult{}, fmt.Errorf("commit: update %s: %w", r.ID, err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE objects
			SET attributes = ?, digest = ?, version = version + 1, seq = ?
			WHERE id = ?
		`, body, digest, seq, r.ID)
		if err != nil {
			return CommitResult{}, fmt.Errorf("commit: update %s: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return CommitResult{}, &ConstraintError{ObjectID: r.ID, Entity: r.Entity, Kind: KindMissing}
		}
		var version int64
		if err := tx.QueryRowContext(ctx, `SELECT version FROM objects WHERE id = ?`, r.ID).Scan(&version); err != nil {
			return CommitResult{}, fmt.Errorf("commit: read version %s: %w", r.ID, err)
		}
		result.Versions[r.ID] = version

		if err := claimUnique(ctx, tx, r); err != nil {
			return CommitResult{}, err
		}
		if err := logChange(ctx, tx, seq, r.ID, r.Entity, "update"); err != nil {
			return CommitResult{}, err
		}
	}

	for _, r := range cs.Inserts {
		body, digest, err := encodeAttributes(r.Attributes)
		if err != nil {
			return CommitResult{}, fmt.Errorf("commit: insert %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO objects (id, entity, attributes, digest, version, seq)
			VALUES (?, ?, ?, ?, 1, ?)
		`, r.ID, r.Entity, body, digest, seq)
		if err != nil {
			if isUniqueViolation(err) {
				return CommitResult{}, &ConstraintError{ObjectID: r.ID, Entity: r.Entity, Kind: KindDuplicate, Err: err}
			}
			return CommitResult{}, fmt.Errorf("commit: insert %s: %w", r.ID, err)
		}
		result.Versions[r.ID] = 1

		if err := claimUnique(ctx, tx, r); err != nil {
			return CommitResult{}, err
		}
		if err := logChange(ctx, tx, seq, r.ID, r.Entity, "insert"); err != nil {
			return CommitResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("change set committed",
		"seq", seq,
		"inserted", len(cs.Inserts),
		"updated", len(cs.Updates),
		"deleted", len(cs.Deletes))
	return result, nil
}

// claimUnique inserts the record's unique values in attribute order.
func claimUnique(ctx context.Context, tx *sql.Tx, r Record) error {
	names := make([]string, 0, len(r.Unique))
	for name := range r.Unique {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO unique_values (entity, attribute, value, object_id)
			VALUES (?, ?, ?, ?)
		`, r.Entity, name, r.Unique[name], r.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return &ConstraintError{ObjectID: r.ID, Entity: r.Entity, Kind: KindUnique, Attribute: name, Err: err}
			}
			return fmt.Errorf("commit: unique value %s.%s: %w", r.ID, name, err)
		}
	}
	return nil
}

func logChange(ctx context.Context, tx *sql.Tx, seq int64, id, entity, change string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO commit_objects (seq, object_id, entity, change)
		VALUES (?, ?, ?, ?)
	`, seq, id, entity, change)
	if err != nil {
		return fmt.Errorf("commit: log %s %s: %w", change, id, err)
	}
	return nil
}

func encodeAttributes(m attr.Map) (body, digest string, err error) {
	if m == nil {
		m = attr.Map{}
	}
	data, err := attr.MarshalCanonical(m)
	if err != nil {
		return "", "", err
	}
	digest, err = attr.Digest(m)
	if err != nil {
		return "", "", err
	}
	return string(data), digest, nil
}
