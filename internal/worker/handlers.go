package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"work/internal/eventbus"
	"work/internal/provider"
	"work/internal/providerconfig"
	"work/internal/store"
)

// cancelStopGrace bounds how long cancel_task waits for a signaled process
// to exit before giving up on it; Process.Stop is expected to have already
// force-killed by the time this elapses (spec.md §4.F).
const cancelStopGrace = 10 * time.Second

// Handlers holds the dependencies every job handler needs: read access to
// entities, guarded mutation, the provider registry, and the event bus
// mutations publish to. Handler methods are idempotent: each one reads the
// entity's current state first and short-circuits if the work it would do
// has already happened, so re-delivery of the same job after a crash is a
// no-op (spec.md §8, round-trip property).
type Handlers struct {
	Projects    store.ProjectStore
	Environments store.EnvironmentStore
	Tasks       store.TaskStore
	Mutator     store.EntityMutator
	Queue       store.Queue
	Providers   *provider.Registry
	Bus         *eventbus.Bus
	// TaskCommands maps a task's Provider value to the command/args
	// template run_task resolves {task_description} against and spawns
	// (spec.md §4.F). Populated from the daemon's provider config file.
	TaskCommands map[string]providerconfig.TaskCommand
	// LogDir is where per-task and per-environment log files live,
	// named by entity id (spec.md §6, Filesystem layout).
	LogDir string

	// running holds the live provider.Process for every task currently
	// executing run_task, keyed by task id. run_task and cancel_task are
	// separate job dispatches, possibly handled by different pool workers,
	// so cancel_task needs this to reach the subprocess it must signal.
	// Zero value is a ready-to-use empty map.
	running sync.Map
}

// Map returns the JobType -> Handler table to hand to worker.New.
func (h *Handlers) Map() map[store.JobType]Handler {
	return map[store.JobType]Handler{
		store.JobPrepareEnvPool: h.PrepareEnvPool,
		store.JobPrepareTask:    h.PrepareTask,
		store.JobRunTask:        h.RunTask,
		store.JobClaimEnv:       h.ClaimEnv,
		store.JobUpdateEnv:      h.UpdateEnv,
		store.JobRemoveEnv:      h.RemoveEnv,
		store.JobCancelTask:     h.CancelTask,
	}
}

func (h *Handlers) publish(kind eventbus.EntityKind, id string) {
	if h.Bus == nil {
		return
	}
	h.Bus.Publish(eventbus.Event{Kind: kind, ID: id})
}

// resolveProvider looks up the provider for an environment, wrapping a
// missing registration as a permanent error: no amount of retrying fixes a
// provider name that isn't configured.
func (h *Handlers) resolveProvider(name string) (provider.Provider, error) {
	p, ok := h.Providers.Get(name)
	if !ok {
		return nil, &store.PermanentProviderError{Op: "resolve_provider", Err: fmt.Errorf("no provider registered for %q", name)}
	}
	return p, nil
}

// classifyProviderErr folds a raw provider error into the retry/fail
// decision the queue understands: provider.TransientStartError stays
// transient, provider.PermanentActionError becomes permanent, and anything
// else defaults to transient since an unrecognized error is assumed
// recoverable until proven otherwise.
func classifyProviderErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var perm *provider.PermanentActionError
	if errors.As(err, &perm) {
		return &store.PermanentProviderError{Op: op, Err: err}
	}
	return &store.TransientProviderError{Op: op, Err: err}
}

// foldConflict treats a ConflictingStateError from a guarded mutation as
// success: another worker already made the same transition, which is the
// expected outcome of at-least-once delivery, not a failure.
func foldConflict(err error) error {
	var conflict *store.ConflictingStateError
	if errors.As(err, &conflict) {
		return nil
	}
	return err
}

func (h *Handlers) PrepareEnvPool(ctx context.Context, job *store.Job) error {
	var payload store.PrepareEnvPoolPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &store.PermanentProviderError{Op: "prepare_env_pool", Err: err}
	}

	env, err := h.Environments.GetEnvironmentByID(ctx, payload.EnvironmentID)
	if err != nil {
		return &store.PermanentProviderError{Op: "prepare_env_pool", Err: err}
	}
	if env.Status != store.EnvPreparingPool {
		return nil // already prepared by a previous delivery
	}

	project, err := h.Projects.GetProjectByID(ctx, env.ProjectID)
	if err != nil {
		return &store.PermanentProviderError{Op: "prepare_env_pool", Err: err}
	}
	prov, err := h.resolveProvider(env.Provider)
	if err != nil {
		return err
	}

	metadata, err := prov.Prepare(ctx, project.Name, project.Path, env.ID)
	if err != nil {
		classified := classifyProviderErr("prepare_env_pool", err)
		var perm *store.PermanentProviderError
		if errors.As(classified, &perm) {
			_ = h.Mutator.SetEnvironmentStatus(ctx, env.ID, store.EnvPreparingPool, store.EnvFailed, nil, err.Error())
			h.publish(eventbus.EntityEnvironment, env.ID)
		}
		return classified
	}

	if err := foldConflict(h.Mutator.SetEnvironmentStatus(ctx, env.ID, store.EnvPreparingPool, store.EnvPool, metadata, "")); err != nil {
		return &store.TransientProviderError{Op: "prepare_env_pool", Err: err}
	}
	h.publish(eventbus.EntityEnvironment, env.ID)
	return nil
}

func (h *Handlers) PrepareTask(ctx context.Context, job *store.Job) error {
	var payload store.PrepareTaskPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &store.PermanentProviderError{Op: "prepare_task", Err: err}
	}

	env, err := h.Environments.GetEnvironmentByID(ctx, payload.EnvironmentID)
	if err != nil {
		return &store.PermanentProviderError{Op: "prepare_task", Err: err}
	}
	if env.Status != store.EnvPreparingTask {
		return nil
	}

	task, err := h.Tasks.GetTaskByID(ctx, payload.TaskID)
	if err != nil {
		return &store.PermanentProviderError{Op: "prepare_task", Err: err}
	}

	project, err := h.Projects.GetProjectByID(ctx, env.ProjectID)
	if err != nil {
		return &store.PermanentProviderError{Op: "prepare_task", Err: err}
	}
	prov, err := h.resolveProvider(env.Provider)
	if err != nil {
		return err
	}

	metadata, err := prov.Prepare(ctx, project.Name, project.Path, env.ID)
	if err != nil {
		classified := classifyProviderErr("prepare_task", err)
		var perm *store.PermanentProviderError
		if errors.As(classified, &perm) {
			_ = h.Mutator.SetEnvironmentStatus(ctx, env.ID, store.EnvPreparingTask, store.EnvFailed, nil, err.Error())
			_ = h.Mutator.SetTaskStatus(ctx, task.ID, task.Status, store.TaskFailed, err.Error())
			h.publish(eventbus.EntityEnvironment, env.ID)
			h.publish(eventbus.EntityTask, task.ID)
		}
		return classified
	}

	if err := foldConflict(h.Mutator.SetEnvironmentStatus(ctx, env.ID, store.EnvPreparingTask, store.EnvReadyTask, metadata, "")); err != nil {
		return &store.TransientProviderError{Op: "prepare_task", Err: err}
	}
	if err := foldConflict(h.Mutator.SetTaskStatus(ctx, task.ID, store.TaskEnvPreparing, store.TaskEnvReady, "")); err != nil {
		return &store.TransientProviderError{Op: "prepare_task", Err: err}
	}
	h.publish(eventbus.EntityEnvironment, env.ID)
	h.publish(eventbus.EntityTask, task.ID)

	// Chain straight into run_task: env is ready, nothing else needs to
	// happen to the task before it runs (spec.md §3 task state machine).
	runPayload, err := json.Marshal(store.RunTaskPayload{TaskID: task.ID})
	if err != nil {
		return &store.PermanentProviderError{Op: "prepare_task", Err: err}
	}
	runDedupeKey := "run_task:" + task.ID
	if _, err := h.Queue.Enqueue(ctx, nil, store.JobRunTask, runPayload, &runDedupeKey, nil); err != nil {
		return &store.TransientProviderError{Op: "prepare_task", Err: err}
	}
	return nil
}

func (h *Handlers) RunTask(ctx context.Context, job *store.Job) error {
	var payload store.RunTaskPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &store.PermanentProviderError{Op: "run_task", Err: err}
	}

	task, err := h.Tasks.GetTaskByID(ctx, payload.TaskID)
	if err != nil {
		return &store.PermanentProviderError{Op: "run_task", Err: err}
	}
	if task.Status == store.TaskRunning || task.Status == store.TaskComplete || task.Status == store.TaskFailed || task.Status == store.TaskCanceled {
		// Either already running (re-delivery), or a terminal state
		// another path already drove it to. Either way, nothing to do.
		return nil
	}
	if task.CancelRequested {
		return h.finishCanceled(ctx, task)
	}

	env, err := h.Environments.GetEnvironmentByID(ctx, task.EnvironmentID)
	if err != nil {
		return &store.PermanentProviderError{Op: "run_task", Err: err}
	}
	prov, err := h.resolveProvider(env.Provider)
	if err != nil {
		return err
	}
	cmd, ok := h.TaskCommands[task.Provider]
	if !ok {
		return &store.PermanentProviderError{Op: "run_task", Err: fmt.Errorf("no task provider configured for %q", task.Provider)}
	}

	if err := foldConflict(h.Mutator.SetTaskStatus(ctx, task.ID, store.TaskEnvReady, store.TaskRunning, "")); err != nil {
		return &store.TransientProviderError{Op: "run_task", Err: err}
	}
	if err := foldConflict(h.Mutator.SetEnvironmentStatus(ctx, env.ID, store.EnvReadyTask, store.EnvInUse, nil, "")); err != nil {
		return &store.TransientProviderError{Op: "run_task", Err: err}
	}
	h.publish(eventbus.EntityTask, task.ID)
	h.publish(eventbus.EntityEnvironment, env.ID)

	proc, err := prov.Run(ctx, provider.Metadata(env.Metadata), cmd.Command, cmd.ResolveArgs(task.Description))
	if err != nil {
		classified := classifyProviderErr("run_task", err)
		var perm *store.PermanentProviderError
		if errors.As(classified, &perm) {
			_ = h.Mutator.SetTaskStatus(ctx, task.ID, store.TaskRunning, store.TaskFailed, err.Error())
			h.publish(eventbus.EntityTask, task.ID)
		}
		return classified
	}

	if pid := proc.PID(); pid > 0 {
		_ = h.Mutator.SetTaskPid(ctx, task.ID, pid)
	}

	h.running.Store(task.ID, proc)
	defer h.running.Delete(task.ID)

	if err := h.streamLogsToFile(task.ID, proc); err != nil {
		// Log streaming failure doesn't fail the task; the command itself
		// is what matters.
	}

	exitCode, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		_ = h.Mutator.SetTaskStatus(ctx, task.ID, store.TaskRunning, store.TaskFailed, waitErr.Error())
		h.publish(eventbus.EntityTask, task.ID)
		return &store.TransientProviderError{Op: "run_task", Err: waitErr}
	}

	if exitCode == 0 {
		if err := foldConflict(h.Mutator.SetTaskStatus(ctx, task.ID, store.TaskRunning, store.TaskComplete, "")); err != nil {
			return &store.TransientProviderError{Op: "run_task", Err: err}
		}
	} else {
		lastError := fmt.Sprintf("exit code %d", exitCode)
		if err := foldConflict(h.Mutator.SetTaskStatus(ctx, task.ID, store.TaskRunning, store.TaskFailed, lastError)); err != nil {
			return &store.TransientProviderError{Op: "run_task", Err: err}
		}
	}
	h.publish(eventbus.EntityTask, task.ID)
	return nil
}

func (h *Handlers) finishCanceled(ctx context.Context, task *store.Task) error {
	if err := foldConflict(h.Mutator.SetTaskStatus(ctx, task.ID, task.Status, store.TaskCanceled, "")); err != nil {
		return &store.TransientProviderError{Op: "run_task", Err: err}
	}
	h.publish(eventbus.EntityTask, task.ID)
	if err := h.enqueueRemoveEnv(ctx, task.EnvironmentID); err != nil {
		return &store.TransientProviderError{Op: "run_task", Err: err}
	}
	return nil
}

// enqueueRemoveEnv stages teardown of an environment whose task has just
// been canceled, deduped per environment so repeated cancellations of tasks
// sharing an environment collapse onto one removal (spec.md §4.F).
func (h *Handlers) enqueueRemoveEnv(ctx context.Context, envID string) error {
	payload, err := json.Marshal(store.RemoveEnvPayload{EnvironmentID: envID})
	if err != nil {
		return fmt.Errorf("marshal remove_env payload: %w", err)
	}
	key := "remove_env:" + envID
	_, err = h.Queue.Enqueue(ctx, nil, store.JobRemoveEnv, payload, &key, nil)
	return err
}

func (h *Handlers) streamLogsToFile(taskID string, proc provider.Process) error {
	if h.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(h.LogDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(h.LogDir, taskID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	rc := proc.Logs()
	if rc == nil {
		return nil
	}
	defer rc.Close()

	buf := make([]byte, 4096)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return nil
		}
	}
}

func (h *Handlers) ClaimEnv(ctx context.Context, job *store.Job) error {
	var payload store.ClaimEnvPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &store.PermanentProviderError{Op: "claim_env", Err: err}
	}

	env, err := h.Environments.GetEnvironmentByID(ctx, payload.EnvironmentID)
	if err != nil {
		return &store.PermanentProviderError{Op: "claim_env", Err: err}
	}
	if env.Status != store.EnvClaiming {
		return nil
	}

	prov, err := h.resolveProvider(env.Provider)
	if err != nil {
		return err
	}

	metadata, err := prov.Claim(ctx, provider.Metadata(env.Metadata))
	if err != nil {
		classified := classifyProviderErr("claim_env", err)
		var perm *store.PermanentProviderError
		if errors.As(classified, &perm) {
			_ = h.Mutator.SetEnvironmentStatus(ctx, env.ID, store.EnvClaiming, store.EnvFailed, nil, err.Error())
			h.publish(eventbus.EntityEnvironment, env.ID)
		}
		return classified
	}

	if err := foldConflict(h.Mutator.SetEnvironmentStatus(ctx, env.ID, store.EnvClaiming, store.EnvInUse, metadata, "")); err != nil {
		return &store.TransientProviderError{Op: "claim_env", Err: err}
	}
	h.publish(eventbus.EntityEnvironment, env.ID)
	return nil
}

func (h *Handlers) UpdateEnv(ctx context.Context, job *store.Job) error {
	var payload store.UpdateEnvPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &store.PermanentProviderError{Op: "update_env", Err: err}
	}

	env, err := h.Environments.GetEnvironmentByID(ctx, payload.EnvironmentID)
	if err != nil {
		return &store.PermanentProviderError{Op: "update_env", Err: err}
	}

	prov, err := h.resolveProvider(env.Provider)
	if err != nil {
		return err
	}

	metadata, err := prov.Update(ctx, provider.Metadata(env.Metadata))
	if err != nil {
		return classifyProviderErr("update_env", err)
	}

	if err := foldConflict(h.Mutator.SetEnvironmentStatus(ctx, env.ID, env.Status, env.Status, metadata, "")); err != nil {
		return &store.TransientProviderError{Op: "update_env", Err: err}
	}
	h.publish(eventbus.EntityEnvironment, env.ID)
	return nil
}

func (h *Handlers) RemoveEnv(ctx context.Context, job *store.Job) error {
	var payload store.RemoveEnvPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &store.PermanentProviderError{Op: "remove_env", Err: err}
	}

	env, err := h.Environments.GetEnvironmentByID(ctx, payload.EnvironmentID)
	if err != nil {
		var notFound *store.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return &store.PermanentProviderError{Op: "remove_env", Err: err}
	}
	if env.Status == store.EnvRemoved {
		return nil // remove_env on an already-removed environment is a no-op (spec.md §8)
	}

	prov, err := h.resolveProvider(env.Provider)
	if err != nil {
		return err
	}

	if err := prov.Remove(ctx, provider.Metadata(env.Metadata)); err != nil {
		return classifyProviderErr("remove_env", err)
	}

	if err := foldConflict(h.Mutator.SetEnvironmentStatus(ctx, env.ID, env.Status, store.EnvRemoved, nil, "")); err != nil {
		return &store.TransientProviderError{Op: "remove_env", Err: err}
	}
	h.publish(eventbus.EntityEnvironment, env.ID)
	return nil
}

func (h *Handlers) CancelTask(ctx context.Context, job *store.Job) error {
	var payload store.CancelTaskPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &store.PermanentProviderError{Op: "cancel_task", Err: err}
	}

	task, err := h.Tasks.GetTaskByID(ctx, payload.TaskID)
	if err != nil {
		return &store.PermanentProviderError{Op: "cancel_task", Err: err}
	}

	switch task.Status {
	case store.TaskComplete, store.TaskFailed, store.TaskCanceled:
		return nil // cancel_task on a terminal task is a no-op (spec.md §8)
	case store.TaskPending, store.TaskEnvPreparing, store.TaskEnvReady:
		if err := foldConflict(h.Mutator.SetTaskStatus(ctx, task.ID, task.Status, store.TaskCanceled, "")); err != nil {
			return &store.TransientProviderError{Op: "cancel_task", Err: err}
		}
		h.publish(eventbus.EntityTask, task.ID)
		if err := h.enqueueRemoveEnv(ctx, task.EnvironmentID); err != nil {
			return &store.TransientProviderError{Op: "cancel_task", Err: err}
		}
		return nil
	case store.TaskRunning:
		// Only signal here; proc.Wait is already owned by the run_task
		// dispatch that started this process, and exec.Cmd.Wait must not be
		// called from two goroutines at once. Stop is expected to block up
		// to its context deadline before forcing termination, so run_task's
		// own Wait observes the exit shortly after this returns.
		if v, ok := h.running.Load(task.ID); ok {
			if proc, ok := v.(provider.Process); ok {
				stopCtx, cancel := context.WithTimeout(ctx, cancelStopGrace)
				_ = proc.Stop(stopCtx)
				cancel()
			}
		}
		if err := foldConflict(h.Mutator.SetTaskStatus(ctx, task.ID, store.TaskRunning, store.TaskCanceled, "")); err != nil {
			return &store.TransientProviderError{Op: "cancel_task", Err: err}
		}
		h.publish(eventbus.EntityTask, task.ID)
		if err := h.enqueueRemoveEnv(ctx, task.EnvironmentID); err != nil {
			return &store.TransientProviderError{Op: "cancel_task", Err: err}
		}
		return nil
	}
	return nil
}
