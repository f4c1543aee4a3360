package store

import (
	"context"
	"database/sql"
	"time"
)

// DBTransaction is the subset of *sql.DB and *sql.Tx that repository
// methods need, so a method can be handed either a bare pool or an
// already-open transaction and stay agnostic about which.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is a DBTransaction that can be committed or rolled back.
type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// ProjectStore handles project CRUD. All operations are provider-free and
// return synchronously (spec.md §4.D).
type ProjectStore interface {
	CreateProject(ctx context.Context, name, path string) (*Project, error)
	GetProjectByName(ctx context.Context, name string) (*Project, error)
	GetProjectByID(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	// DeleteProject removes a project. Returns ConflictingStateError if
	// any environment or task still references it (spec.md §3).
	DeleteProject(ctx context.Context, id string) error
}

// EnvironmentStore handles read access to environments. Mutation happens
// only through StagingStore and job handlers (spec.md §3 lifecycle
// summary), never through a bare setter, so guarded transitions can't be
// bypassed.
type EnvironmentStore interface {
	GetEnvironmentByID(ctx context.Context, id string) (*Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]*Environment, error)
}

// TaskStore handles read access to tasks.
type TaskStore interface {
	GetTaskByID(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*Task, error)
	// ListRunningTasks returns every task currently in TaskRunning, across
	// all projects. Used once at startup to reconcile tasks.pid against
	// the live process table after a daemon restart (spec.md §9 S3).
	ListRunningTasks(ctx context.Context) ([]*Task, error)
}

// StagingStore is the set of staging primitives from spec.md §4.A. Each
// runs in exactly one transaction that mutates entities and enqueues the
// job(s) implied by the request, so a crash between the two can never
// happen (spec.md §8, property 7).
type StagingStore interface {
	StageTaskCreate(ctx context.Context, projectID, taskProvider, envProvider, description string) (*Task, *Environment, *Job, error)
	StageEnvPrepare(ctx context.Context, projectID, provider string) (*Environment, *Job, error)
	StageEnvClaim(ctx context.Context, envID string) (*Job, error)
	StageEnvClaimNext(ctx context.Context, projectID, provider string) (*Environment, *Job, error)
	StageEnvUpdate(ctx context.Context, envID string) (*Job, error)
	StageEnvRemove(ctx context.Context, envID string) (*Job, error)
	StageTaskCancel(ctx context.Context, taskID string) (*Job, error)
}

// EntityMutator is the set of guarded, handler-only entity transitions.
// Handlers call these instead of writing SQL directly, so every
// transition stays covered by the same WHERE-guard discipline as the
// staging primitives (spec.md §4.F).
type EntityMutator interface {
	// SetEnvironmentStatus transitions env from expectedStatus to status,
	// optionally replacing metadata and/or lastError. Returns
	// ConflictingStateError if env is no longer in expectedStatus (another
	// worker already transitioned it — the caller should treat that as
	// success, spec.md §4.F).
	SetEnvironmentStatus(ctx context.Context, id string, expected, status EnvironmentStatus, metadata []byte, lastError string) error
	SetTaskStatus(ctx context.Context, id string, expected, status TaskStatus, lastError string) error
	SetTaskPid(ctx context.Context, id string, pid int) error
	SetTaskCancelRequested(ctx context.Context, id string) error
}

// Queue is the durable job queue interface from spec.md §4.B.
type Queue interface {
	// Enqueue inserts a pending job. If dedupeKey collides with an
	// existing non-terminal job, the existing job's id is returned
	// instead of inserting a duplicate (spec.md §4.B, property 4).
	Enqueue(ctx context.Context, tx DBTransaction, jobType JobType, payload []byte, dedupeKey *string, notBefore *time.Time) (int64, error)

	// Claim leases up to limit pending, eligible jobs for lease duration
	// lease, tagged with owner for heartbeat/ownership checks.
	Claim(ctx context.Context, limit int, lease time.Duration, owner string) ([]*Job, error)

	// Heartbeat extends a running job's lease iff it is still running and
	// owned by owner. Returns false (no error) if the lease was already
	// lost to the reaper or another owner.
	Heartbeat(ctx context.Context, jobID int64, lease time.Duration, owner string) (bool, error)

	Complete(ctx context.Context, jobID int64) error

	// Fail requeues with backoff, or marks the job permanently failed if
	// attempt has exhausted maxAttempts or fatal is true.
	Fail(ctx context.Context, jobID int64, errMsg string, fatal bool, maxAttempts int) error

	GetJob(ctx context.Context, jobID int64) (*Job, error)

	// Recover requeues jobs left "running" with an expired or missing
	// lease, without incrementing attempt further (spec.md §4.B Recovery).
	Recover(ctx context.Context, now time.Time) (int64, error)

	// Count returns the number of jobs currently in status.
	Count(ctx context.Context, status JobStatus) (int64, error)
}
