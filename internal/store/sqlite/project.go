package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"work/internal/store"
)

func (s *Store) CreateProject(ctx context.Context, name, path string) (*store.Project, error) {
	if name == "" {
		return nil, &store.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if path == "" {
		return nil, &store.ValidationError{Field: "path", Message: "must not be empty"}
	}

	now := time.Now().UTC()
	p := &store.Project{
		ID:        store.NewID(store.ProjectIDPrefix),
		Name:      name,
		Path:      path,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Path, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("sqlite: create project %s: %w", name, err)
	}
	return p, nil
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*store.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, created_at, updated_at FROM projects WHERE name = ?
	`, name)
	return scanProject(row, "name", name)
}

func (s *Store) GetProjectByID(ctx context.Context, id string) (*store.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, created_at, updated_at FROM projects WHERE id = ?
	`, id)
	return scanProject(row, "id", id)
}

func (s *Store) ListProjects(ctx context.Context) ([]*store.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, created_at, updated_at FROM projects ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list projects: %w", err)
	}
	defer rows.Close()

	var out []*store.Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project, rejecting the deletion if any
// environment or task still references it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM environments WHERE project_id = ?`, id).Scan(&count); err != nil {
		return fmt.Errorf("sqlite: count environments for %s: %w", id, err)
	}
	if count > 0 {
		return &store.ConflictingStateError{Entity: "project", ID: id, Expected: "no environments", Actual: fmt.Sprintf("%d environments", count)}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete project %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected for delete project %s: %w", id, err)
	}
	if n == 0 {
		return &store.NotFoundError{Entity: "project", ID: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row *sql.Row, field, value string) (*store.Project, error) {
	p, err := scanProjectRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.NotFoundError{Entity: "project", ID: value}
		}
		return nil, fmt.Errorf("sqlite: get project by %s %s: %w", field, value, err)
	}
	return p, nil
}

func scanProjectRow(row rowScanner) (*store.Project, error) {
	var p store.Project
	var created, updated string
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}
