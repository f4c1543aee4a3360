package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"work/internal/store"
)

func (s *Store) GetTaskByID(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, environment_id, provider, description, status,
		       cancel_requested, pid, last_error, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.NotFoundError{Entity: "task", ID: id}
		}
		return nil, fmt.Errorf("sqlite: get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, environment_id, provider, description, status,
		       cancel_requested, pid, last_error, created_at, updated_at
		FROM tasks WHERE project_id = ? ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListRunningTasks returns every task in TaskRunning, regardless of
// project, for the startup orphan-recovery pass.
func (s *Store) ListRunningTasks(ctx context.Context) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, environment_id, provider, description, status,
		       cancel_requested, pid, last_error, created_at, updated_at
		FROM tasks WHERE status = ?
	`, string(store.TaskRunning))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list running tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTaskRow(row rowScanner) (*store.Task, error) {
	var t store.Task
	var created, updated string
	var status string
	var cancelRequested int
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.EnvironmentID, &t.Provider, &t.Description, &status,
		&cancelRequested, &t.Pid, &t.LastError, &created, &updated,
	); err != nil {
		return nil, err
	}
	t.Status = store.TaskStatus(status)
	t.CancelRequested = cancelRequested != 0
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}
