// Package store defines the durable data model for work: projects,
// environments, tasks, and the job queue that drives them. It declares
// the types and interfaces every concrete store (internal/store/sqlite)
// implements, plus the error kinds handlers and the Staging API branch on.
package store

import "time"

// Project is the top-level unit a task or environment belongs to: a name
// and a filesystem path that providers resolve workspaces under.
type Project struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnvironmentStatus is a status value along one of the two environment
// state machines described in spec.md §3. Task-bound and pool-bound
// environments share the terminal states (removed, failed) but never
// cross into each other's live states — enforced by the staging
// primitives' guarded UPDATEs, not by this type.
type EnvironmentStatus string

const (
	EnvPreparingPool EnvironmentStatus = "preparing_pool"
	EnvPool          EnvironmentStatus = "pool"
	EnvClaiming      EnvironmentStatus = "claiming"
	EnvPreparingTask EnvironmentStatus = "preparing_task"
	EnvReadyTask     EnvironmentStatus = "ready_task"
	EnvInUse         EnvironmentStatus = "in_use"
	EnvRemoving      EnvironmentStatus = "removing"
	EnvRemoved       EnvironmentStatus = "removed"
	EnvFailed        EnvironmentStatus = "failed"
)

// Environment is a provider-managed workspace. Metadata is opaque to the
// core: it is produced by Provider.Prepare and threaded verbatim through
// every later provider call. Only providers know its schema.
type Environment struct {
	ID        string
	ProjectID string
	Provider  string
	Metadata  []byte
	Status    EnvironmentStatus
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskStatus is a status value along the task state machine in spec.md §3.
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskEnvPreparing  TaskStatus = "env_preparing"
	TaskEnvReady      TaskStatus = "env_ready"
	TaskRunning       TaskStatus = "running"
	TaskComplete      TaskStatus = "complete"
	TaskFailed        TaskStatus = "failed"
	TaskCanceled      TaskStatus = "canceled"
)

// Task is a single unit of AI-assisted work bound to exactly one
// environment for its whole lifetime.
type Task struct {
	ID              string
	ProjectID       string
	EnvironmentID   string
	Provider        string
	Description     string
	Status          TaskStatus
	CancelRequested bool
	// Pid is the OS process id of the spawned task command, recorded just
	// before exec so a restarted daemon can decide whether a "running"
	// task's child is still alive (spec.md §9, scenario S3).
	Pid       int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobType identifies which handler processes a job (spec.md §3).
type JobType string

const (
	JobPrepareEnvPool JobType = "prepare_env_pool"
	JobPrepareTask    JobType = "prepare_task"
	JobRunTask        JobType = "run_task"
	JobClaimEnv       JobType = "claim_env"
	JobUpdateEnv      JobType = "update_env"
	JobRemoveEnv      JobType = "remove_env"
	JobCancelTask     JobType = "cancel_task"
)

// JobStatus is a status value along the job lifecycle in spec.md §4.B.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Job is one unit of queued, at-least-once, idempotent provider work.
type Job struct {
	ID             int64
	Type           JobType
	Payload        []byte // JSON, shape depends on Type
	Status         JobStatus
	Attempt        int
	NotBefore      *time.Time
	LeaseExpiresAt *time.Time
	LeaseOwner     string
	DedupeKey      *string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payload shapes for each JobType, marshaled into Job.Payload.

type PrepareEnvPoolPayload struct {
	EnvironmentID string `json:"environment_id"`
}

type PrepareTaskPayload struct {
	TaskID        string `json:"task_id"`
	EnvironmentID string `json:"environment_id"`
}

type RunTaskPayload struct {
	TaskID string `json:"task_id"`
}

type ClaimEnvPayload struct {
	EnvironmentID string `json:"environment_id"`
}

type UpdateEnvPayload struct {
	EnvironmentID string `json:"environment_id"`
}

type RemoveEnvPayload struct {
	EnvironmentID string `json:"environment_id"`
}

type CancelTaskPayload struct {
	TaskID string `json:"task_id"`
}
