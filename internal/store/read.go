package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/objgraph/internal/attr"
)

// Object is the committed state of a managed object.
type Object struct {
	ID         string
	Entity     string
	Attributes attr.Map
	Digest     string
	Version    int64
	Seq        int64
}

// Commit summarizes one entry of the commit log.
type Commit struct {
	Seq      int64
	Inserted int
	Updated  int
	Deleted  int
}

// Change is one object's entry in a commit.
type Change struct {
	ObjectID string
	Entity   string
	Change   string
}

// Get retrieves a single object by ID.
// Returns ErrNotFound if no such object exists.
func (s *Store) Get(ctx context.Context, id string) (Object, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity, attributes, digest, version, seq
		FROM objects
		WHERE id = ?
	`, id)

	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	return obj, err
}

// Exists reports whether an object with the given ID and entity is stored.
func (s *Store) Exists(ctx context.Context, entity, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM objects WHERE id = ? AND entity = ?
	`, id, entity).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("object exists: %w", err)
	}
	return n > 0, nil
}

// List returns all objects of an entity, or every object when entity is
// empty. Results are ordered by id COLLATE BINARY.
func (s *Store) List(ctx context.Context, entity string) ([]Object, error) {
	query := `
		SELECT id, entity, attributes, digest, version, seq
		FROM objects
	`
	var args []any
	if entity != "" {
		query += ` WHERE entity = ?`
		args = append(args, entity)
	}
	query += ` ORDER BY id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}
	defer rows.Close()

	objects := []Object{}
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objects: %w", err)
	}
	return objects, nil
}

// Commits returns the most recent commits, newest first. A limit of zero or
// less returns the whole log.
func (s *Store) Commits(ctx context.Context, limit int) ([]Commit, error) {
	query := `SELECT seq, inserted, updated, deleted FROM commits ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()

	commits := []Commit{}
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.Seq, &c.Inserted, &c.Updated, &c.Deleted); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}

// Changes returns the per-object entries of one commit ordered by object ID.
func (s *Store) Changes(ctx context.Context, seq int64) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, entity, change
		FROM commit_objects
		WHERE seq = ?
		ORDER BY object_id COLLATE BINARY ASC
	`, seq)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.ObjectID, &c.Entity, &c.Change); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(row scanner) (Object, error) {
	var (
		obj  Object
		body string
	)
	if err := row.Scan(&obj.ID, &obj.Entity, &body, &obj.Digest, &obj.Version, &obj.Seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Object{}, err
		}
		return Object{}, fmt.Errorf("scan object: %w", err)
	}
	attrs, err := attr.ParseJSON([]byte(body))
	if err != nil {
		return Object{}, fmt.Errorf("object %s: %w", obj.ID, err)
	}
	obj.Attributes = attrs
	return obj, nil
}
