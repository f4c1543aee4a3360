// Package api contains shared JSON request/response structs for the
// daemon's Unix-socket HTTP surface. It is imported by both the daemon and
// the CLI so their wire shapes never drift apart.
package api

import "time"

// CreateProjectRequest is the request body for POST /projects.
type CreateProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ProjectResponse represents a project in API responses.
type ProjectResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateTaskRequest is the request body for POST /tasks.
type CreateTaskRequest struct {
	Project      string `json:"project"`
	Description  string `json:"description"`
	EnvProvider  string `json:"env_provider"`
	TaskProvider string `json:"task_provider"`
}

// TaskResponse represents a task in API responses.
type TaskResponse struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	EnvironmentID   string    `json:"environment_id"`
	Provider        string    `json:"provider"`
	Description     string    `json:"description"`
	Status          string    `json:"status"`
	CancelRequested bool      `json:"cancel_requested"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreateEnvironmentRequest is the request body for POST /environments.
type CreateEnvironmentRequest struct {
	Project  string `json:"project"`
	Provider string `json:"provider"`
}

// EnvironmentResponse represents an environment in API responses.
type EnvironmentResponse struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Provider  string    `json:"provider"`
	Status    string    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClaimEnvironmentRequest is the request body for POST /environments/claim.
type ClaimEnvironmentRequest struct {
	Project  string `json:"project"`
	Provider string `json:"provider"`
}

// JobResponse represents the job a staging call enqueued, echoed back so
// callers can correlate it if they care.
type JobResponse struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Event mirrors eventbus.Event for the SSE stream.
type Event struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}
