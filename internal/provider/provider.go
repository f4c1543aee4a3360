// Package provider defines the Provider Port: the abstract interface every
// concrete workspace backend implements. The core never knows whether a
// given environment is a git worktree, a container, or a directory on
// disk — it only calls Prepare/Claim/Update/Remove/Run and threads the
// resulting metadata blob back through on every later call.
package provider

import (
	"context"
	"io"
)

// Metadata is the opaque blob a provider hands back from Prepare and
// receives verbatim on every later call for the same environment. Only the
// provider that produced it understands its shape; the core stores and
// forwards it as bytes.
type Metadata []byte

// Provider is the Provider Port from spec.md §6. Every method must be
// idempotent: workers retry after a crash or a lost lease, so a provider
// that isn't safe to call twice with the same arguments will corrupt state
// under retry.
type Provider interface {
	// Prepare provisions a new environment for projectName rooted at
	// projectPath, tagged with envID, and returns the metadata the core
	// will persist and replay on every later call.
	Prepare(ctx context.Context, projectName, projectPath, envID string) (Metadata, error)

	// Claim adapts a pool environment for exclusive use by a task. It must
	// tolerate being called on metadata it already claimed (idempotent
	// retry after a crash between claim and the caller recording it).
	Claim(ctx context.Context, metadata Metadata) (Metadata, error)

	// Update refreshes an environment in place (e.g. re-syncing a
	// worktree). Never called concurrently with Run for the same
	// environment.
	Update(ctx context.Context, metadata Metadata) (Metadata, error)

	// Remove tears an environment down. Must succeed (or no-op) even if
	// called on a partially-prepared or already-removed environment.
	Remove(ctx context.Context, metadata Metadata) error

	// Run executes command with args inside the environment described by
	// metadata and returns a handle to the running process.
	Run(ctx context.Context, metadata Metadata, command string, args []string) (Process, error)
}

// Process is a handle to a command a Provider started with Run.
type Process interface {
	// PID returns the OS-visible process id where one exists, for
	// recording on the task row (spec.md §9, scenario S3). Backends with
	// no OS pid (e.g. a Kubernetes Job) return 0.
	PID() int

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Stop requests early termination.
	Stop(ctx context.Context) error

	// Logs returns a reader over the process's combined stdout/stderr.
	Logs() io.ReadCloser
}

// Registry resolves a provider name (as stored on Environment.Provider) to
// its Provider implementation. The daemon builds one at startup from its
// provider-registry config (spec.md §11) and hands it to the worker pool.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}
