package sqlite

import (
	"context"
	"fmt"
	"time"

	"work/internal/store"
)

// SetEnvironmentStatus transitions an environment from expected to status
// with a guarded UPDATE. If the row is no longer in expected, the caller
// (always a job handler) should treat this as a ConflictingStateError and
// fold it into success: another worker has already made the transition.
func (s *Store) SetEnvironmentStatus(ctx context.Context, id string, expected, status store.EnvironmentStatus, metadata []byte, lastError string) error {
	now := formatTime(time.Now())

	var res interface{ RowsAffected() (int64, error) }
	var err error
	if metadata != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE environments SET status = ?, metadata = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(status), metadata, lastError, now, id, string(expected))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE environments SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(status), lastError, now, id, string(expected))
	}
	if err != nil {
		return fmt.Errorf("sqlite: set environment %s status: %w", id, err)
	}
	return checkGuardedUpdate(res, "environment", id, string(expected), func() (string, error) {
		return s.currentEnvironmentStatus(ctx, id)
	})
}

func (s *Store) currentEnvironmentStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM environments WHERE id = ?`, id).Scan(&status)
	return status, err
}

func (s *Store) SetTaskStatus(ctx context.Context, id string, expected, status store.TaskStatus, lastError string) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(status), lastError, now, id, string(expected))
	if err != nil {
		return fmt.Errorf("sqlite: set task %s status: %w", id, err)
	}
	return checkGuardedUpdate(res, "task", id, string(expected), func() (string, error) {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		return status, err
	})
}

func (s *Store) SetTaskPid(ctx context.Context, id string, pid int) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET pid = ?, updated_at = ? WHERE id = ?`, pid, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: set task %s pid: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected for task %s pid: %w", id, err)
	}
	if n == 0 {
		return &store.NotFoundError{Entity: "task", ID: id}
	}
	return nil
}

func (s *Store) SetTaskCancelRequested(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: set task %s cancel_requested: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected for task %s cancel_requested: %w", id, err)
	}
	if n == 0 {
		return &store.NotFoundError{Entity: "task", ID: id}
	}
	return nil
}

func checkGuardedUpdate(res interface{ RowsAffected() (int64, error) }, entity, id, expected string, readActual func() (string, error)) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected for %s %s: %w", entity, id, err)
	}
	if n > 0 {
		return nil
	}
	actual, err := readActual()
	if err != nil {
		return &store.NotFoundError{Entity: entity, ID: id}
	}
	return &store.ConflictingStateError{Entity: entity, ID: id, Expected: expected, Actual: actual}
}
