package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"work/internal/store"
)

// StageTaskCreate inserts an environment (preparing_task status) and a task
// (env_preparing) bound to it, then enqueues the prepare_task job (dedupe
// key "prepare_task:<task id>") that brings the environment up, all inside
// one BEGIN IMMEDIATE transaction. A crash between
// "entities exist" and "job enqueued" can never happen (spec.md §8, property 7).
func (s *Store) StageTaskCreate(ctx context.Context, projectID, taskProvider, envProvider, description string) (*store.Task, *store.Environment, *store.Job, error) {
	if projectID == "" {
		return nil, nil, nil, &store.ValidationError{Field: "project_id", Message: "must not be empty"}
	}
	if taskProvider == "" {
		return nil, nil, nil, &store.ValidationError{Field: "provider", Message: "must not be empty"}
	}

	var task *store.Task
	var env *store.Environment
	var job *store.Job

	err := s.withImmediateTx(ctx, func(exec DBTransactionLike) error {
		if _, err := getProjectTx(ctx, exec, projectID); err != nil {
			return err
		}

		now := time.Now().UTC()
		env = &store.Environment{
			ID:        store.NewID(store.EnvironmentIDPrefix),
			ProjectID: projectID,
			Provider:  envProvider,
			Status:    store.EnvPreparingTask,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := exec.ExecContext(ctx, `
			INSERT INTO environments (id, project_id, provider, status, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', ?, ?)
		`, env.ID, env.ProjectID, env.Provider, string(env.Status), formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("insert environment: %w", err)
		}

		task = &store.Task{
			ID:            store.NewID(store.TaskIDPrefix),
			ProjectID:     projectID,
			EnvironmentID: env.ID,
			Provider:      taskProvider,
			Description:   description,
			Status:        store.TaskEnvPreparing,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if _, err := exec.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, environment_id, provider, description, status, cancel_requested, pid, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, '', ?, ?)
		`, task.ID, task.ProjectID, task.EnvironmentID, task.Provider, task.Description, string(task.Status), formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		payload, err := json.Marshal(store.PrepareTaskPayload{TaskID: task.ID, EnvironmentID: env.ID})
		if err != nil {
			return fmt.Errorf("marshal prepare_task payload: %w", err)
		}
		key := "prepare_task:" + task.ID
		id, err := s.enqueueOn(ctx, exec, store.JobPrepareTask, payload, &key, nil)
		if err != nil {
			return fmt.Errorf("enqueue prepare_task: %w", err)
		}
		job, err = s.getJobOn(ctx, exec, id)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return task, env, job, nil
}

// StageEnvPrepare inserts a pool-bound environment and enqueues its
// preparation job.
func (s *Store) StageEnvPrepare(ctx context.Context, projectID, provider string) (*store.Environment, *store.Job, error) {
	if projectID == "" {
		return nil, nil, &store.ValidationError{Field: "project_id", Message: "must not be empty"}
	}
	if provider == "" {
		return nil, nil, &store.ValidationError{Field: "provider", Message: "must not be empty"}
	}

	var env *store.Environment
	var job *store.Job
	err := s.withImmediateTx(ctx, func(exec DBTransactionLike) error {
		if _, err := getProjectTx(ctx, exec, projectID); err != nil {
			return err
		}

		now := time.Now().UTC()
		env = &store.Environment{
			ID:        store.NewID(store.EnvironmentIDPrefix),
			ProjectID: projectID,
			Provider:  provider,
			Status:    store.EnvPreparingPool,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := exec.ExecContext(ctx, `
			INSERT INTO environments (id, project_id, provider, status, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', ?, ?)
		`, env.ID, env.ProjectID, env.Provider, string(env.Status), formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("insert environment: %w", err)
		}

		payload, err := json.Marshal(store.PrepareEnvPoolPayload{EnvironmentID: env.ID})
		if err != nil {
			return fmt.Errorf("marshal prepare_env_pool payload: %w", err)
		}
		key := "prepare_env_pool:" + env.ID
		id, err := s.enqueueOn(ctx, exec, store.JobPrepareEnvPool, payload, &key, nil)
		if err != nil {
			return fmt.Errorf("enqueue prepare_env_pool: %w", err)
		}
		job, err = s.getJobOn(ctx, exec, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return env, job, nil
}

// StageEnvClaim transitions a specific pool environment into claiming and
// enqueues the claim job. Guarded on status = pool, so claiming a
// non-pool environment fails as a conflict rather than corrupting state.
func (s *Store) StageEnvClaim(ctx context.Context, envID string) (*store.Job, error) {
	var job *store.Job
	err := s.withImmediateTx(ctx, func(exec DBTransactionLike) error {
		if err := guardedEnvTransition(ctx, exec, envID, store.EnvPool, store.EnvClaiming); err != nil {
			return err
		}
		payload, err := json.Marshal(store.ClaimEnvPayload{EnvironmentID: envID})
		if err != nil {
			return fmt.Errorf("marshal claim_env payload: %w", err)
		}
		id, err := s.enqueueOn(ctx, exec, store.JobClaimEnv, payload, nil, nil)
		if err != nil {
			return fmt.Errorf("enqueue claim_env: %w", err)
		}
		job, err = s.getJobOn(ctx, exec, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// StageEnvClaimNext picks the oldest pool environment for projectID and
// provider still in status pool, transitions it to claiming, and enqueues
// the claim job — the "hand me any ready environment" entrypoint used when
// callers don't care which specific one they get.
func (s *Store) StageEnvClaimNext(ctx context.Context, projectID, provider string) (*store.Environment, *store.Job, error) {
	var env *store.Environment
	var job *store.Job
	err := s.withImmediateTx(ctx, func(exec DBTransactionLike) error {
		row := exec.QueryRowContext(ctx, `
			SELECT id, project_id, provider, metadata, status, last_error, created_at, updated_at
			FROM environments
			WHERE project_id = ? AND provider = ? AND status = ?
			ORDER BY created_at ASC
			LIMIT 1
		`, projectID, provider, string(store.EnvPool))
		var err error
		env, err = scanEnvironmentRow(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &store.NotFoundError{Entity: "environment", ID: fmt.Sprintf("pool for project=%s provider=%s", projectID, provider)}
			}
			return fmt.Errorf("select next pool environment: %w", err)
		}

		if err := guardedEnvTransition(ctx, exec, env.ID, store.EnvPool, store.EnvClaiming); err != nil {
			return err
		}
		env.Status = store.EnvClaiming

		payload, err := json.Marshal(store.ClaimEnvPayload{EnvironmentID: env.ID})
		if err != nil {
			return fmt.Errorf("marshal claim_env payload: %w", err)
		}
		id, err := s.enqueueOn(ctx, exec, store.JobClaimEnv, payload, nil, nil)
		if err != nil {
			return fmt.Errorf("enqueue claim_env: %w", err)
		}
		job, err = s.getJobOn(ctx, exec, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return env, job, nil
}

// StageEnvUpdate enqueues an idempotent update_env job for envID without
// changing its status: update runs against whatever state the environment
// is in when the job is processed (spec.md §6, Provider.Update).
func (s *Store) StageEnvUpdate(ctx context.Context, envID string) (*store.Job, error) {
	var job *store.Job
	err := s.withImmediateTx(ctx, func(exec DBTransactionLike) error {
		if _, err := getEnvTx(ctx, exec, envID); err != nil {
			return err
		}
		payload, err := json.Marshal(store.UpdateEnvPayload{EnvironmentID: envID})
		if err != nil {
			return fmt.Errorf("marshal update_env payload: %w", err)
		}
		id, err := s.enqueueOn(ctx, exec, store.JobUpdateEnv, payload, nil, nil)
		if err != nil {
			return fmt.Errorf("enqueue update_env: %w", err)
		}
		job, err = s.getJobOn(ctx, exec, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// envRemovable lists the non-terminal environment statuses StageEnvRemove
// may transition out of. removed and failed are terminal (spec.md §3
// invariant 3): re-removing either would be a reverse transition, so those
// are rejected as a conflict rather than silently re-enqueuing teardown.
var envRemovable = map[store.EnvironmentStatus]bool{
	store.EnvPreparingPool: true,
	store.EnvPool:          true,
	store.EnvClaiming:      true,
	store.EnvPreparingTask: true,
	store.EnvReadyTask:     true,
	store.EnvInUse:         true,
	store.EnvRemoving:      true,
}

// StageEnvRemove transitions envID to removing and enqueues its removal.
// A repeat request while the environment is already removing collapses
// onto the same pending remove_env job through its dedupe key, not a
// duplicate teardown; removed or failed environments are rejected with
// ConflictingStateError.
func (s *Store) StageEnvRemove(ctx context.Context, envID string) (*store.Job, error) {
	var job *store.Job
	err := s.withImmediateTx(ctx, func(exec DBTransactionLike) error {
		env, err := getEnvTx(ctx, exec, envID)
		if err != nil {
			return err
		}
		if !envRemovable[env.Status] {
			return &store.ConflictingStateError{Entity: "environment", ID: envID, Expected: "a non-terminal status", Actual: string(env.Status)}
		}
		if err := guardedEnvTransition(ctx, exec, envID, env.Status, store.EnvRemoving); err != nil {
			return err
		}

		key := "remove_env:" + envID
		payload, err := json.Marshal(store.RemoveEnvPayload{EnvironmentID: envID})
		if err != nil {
			return fmt.Errorf("marshal remove_env payload: %w", err)
		}
		id, err := s.enqueueOn(ctx, exec, store.JobRemoveEnv, payload, &key, nil)
		if err != nil {
			return fmt.Errorf("enqueue remove_env: %w", err)
		}
		job, err = s.getJobOn(ctx, exec, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// StageTaskCancel marks the task's cancel_requested flag and enqueues a
// cancel_task job, deduped per task so repeated cancel requests collapse
// onto the same pending job instead of piling up.
func (s *Store) StageTaskCancel(ctx context.Context, taskID string) (*store.Job, error) {
	var job *store.Job
	err := s.withImmediateTx(ctx, func(exec DBTransactionLike) error {
		if _, err := getTaskTx(ctx, exec, taskID); err != nil {
			return err
		}
		now := formatTime(time.Now())
		if _, err := exec.ExecContext(ctx, `
			UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?
		`, now, taskID); err != nil {
			return fmt.Errorf("set cancel_requested: %w", err)
		}

		key := "cancel_task:" + taskID
		payload, err := json.Marshal(store.CancelTaskPayload{TaskID: taskID})
		if err != nil {
			return fmt.Errorf("marshal cancel_task payload: %w", err)
		}
		id, err := s.enqueueOn(ctx, exec, store.JobCancelTask, payload, &key, nil)
		if err != nil {
			return fmt.Errorf("enqueue cancel_task: %w", err)
		}
		job, err = s.getJobOn(ctx, exec, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// --- helpers shared by the staging primitives ---

func getProjectTx(ctx context.Context, exec DBTransactionLike, id string) (*store.Project, error) {
	row := exec.QueryRowContext(ctx, `SELECT id, name, path, created_at, updated_at FROM projects WHERE id = ?`, id)
	p, err := scanProjectRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.NotFoundError{Entity: "project", ID: id}
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

func getEnvTx(ctx context.Context, exec DBTransactionLike, id string) (*store.Environment, error) {
	row := exec.QueryRowContext(ctx, `
		SELECT id, project_id, provider, metadata, status, last_error, created_at, updated_at
		FROM environments WHERE id = ?
	`, id)
	e, err := scanEnvironmentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.NotFoundError{Entity: "environment", ID: id}
		}
		return nil, fmt.Errorf("get environment %s: %w", id, err)
	}
	return e, nil
}

func getTaskTx(ctx context.Context, exec DBTransactionLike, id string) (*store.Task, error) {
	row := exec.QueryRowContext(ctx, `
		SELECT id, project_id, environment_id, provider, description, status, cancel_requested, pid, last_error, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.NotFoundError{Entity: "task", ID: id}
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func guardedEnvTransition(ctx context.Context, exec DBTransactionLike, id string, expected, next store.EnvironmentStatus) error {
	now := formatTime(time.Now())
	res, err := exec.ExecContext(ctx, `
		UPDATE environments SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(next), now, id, string(expected))
	if err != nil {
		return fmt.Errorf("transition environment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected transitioning environment %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	var actual string
	if scanErr := exec.QueryRowContext(ctx, `SELECT status FROM environments WHERE id = ?`, id).Scan(&actual); scanErr != nil {
		return &store.NotFoundError{Entity: "environment", ID: id}
	}
	return &store.ConflictingStateError{Entity: "environment", ID: id, Expected: string(expected), Actual: actual}
}

// enqueueOn and getJobOn mirror Store.Enqueue/GetJob but run against an
// already-open executor instead of s.db, for use inside withImmediateTx.
func (s *Store) enqueueOn(ctx context.Context, exec DBTransactionLike, jobType store.JobType, payload []byte, dedupeKey *string, notBefore *time.Time) (int64, error) {
	if dedupeKey != nil {
		var existingID int64
		err := exec.QueryRowContext(ctx, `
			SELECT id FROM jobs WHERE dedupe_key = ? AND status IN (?, ?)
		`, *dedupeKey, string(store.JobPending), string(store.JobRunning)).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("check dedupe key: %w", err)
		}
	}

	now := time.Now().UTC()
	nb := now
	if notBefore != nil {
		nb = *notBefore
	}
	res, err := exec.ExecContext(ctx, `
		INSERT INTO jobs (type, payload, status, attempt, not_before, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)
	`, string(jobType), payload, string(store.JobPending), formatTime(nb), dedupeKey, formatTime(now), formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) getJobOn(ctx context.Context, exec DBTransactionLike, id int64) (*store.Job, error) {
	row := exec.QueryRowContext(ctx, `
		SELECT id, type, payload, status, attempt, not_before, lease_expires_at, lease_owner, dedupe_key, last_error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJobRow(row)
}
