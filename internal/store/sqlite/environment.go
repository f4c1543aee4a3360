package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"work/internal/store"
)

func (s *Store) GetEnvironmentByID(ctx context.Context, id string) (*store.Environment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, provider, metadata, status, last_error, created_at, updated_at
		FROM environments WHERE id = ?
	`, id)
	e, err := scanEnvironmentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.NotFoundError{Entity: "environment", ID: id}
		}
		return nil, fmt.Errorf("sqlite: get environment %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) ListEnvironments(ctx context.Context, projectID string) ([]*store.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, provider, metadata, status, last_error, created_at, updated_at
		FROM environments WHERE project_id = ? ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list environments for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []*store.Environment
	for rows.Next() {
		e, err := scanEnvironmentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan environment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEnvironmentRow(row rowScanner) (*store.Environment, error) {
	var e store.Environment
	var created, updated string
	var status string
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Provider, &e.Metadata, &status, &e.LastError, &created, &updated); err != nil {
		return nil, err
	}
	e.Status = store.EnvironmentStatus(status)
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}
