package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"work/internal/eventbus"
	"work/internal/provider"
	"work/internal/providerconfig"
	"work/internal/store"
)

// fakeEntities is a minimal in-memory stand-in for the sqlite store's
// Project/Environment/Task reads and guarded mutations, just enough for
// exercising handler logic without a real database.
type fakeEntities struct {
	mu     sync.Mutex
	projects map[string]*store.Project
	envs     map[string]*store.Environment
	tasks    map[string]*store.Task
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{
		projects: make(map[string]*store.Project),
		envs:     make(map[string]*store.Environment),
		tasks:    make(map[string]*store.Task),
	}
}

func (f *fakeEntities) GetProjectByID(ctx context.Context, id string) (*store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "project", ID: id}
	}
	return p, nil
}
func (f *fakeEntities) GetProjectByName(ctx context.Context, name string) (*store.Project, error) {
	return nil, &store.NotFoundError{Entity: "project", ID: name}
}
func (f *fakeEntities) CreateProject(ctx context.Context, name, path string) (*store.Project, error) {
	return nil, nil
}
func (f *fakeEntities) ListProjects(ctx context.Context) ([]*store.Project, error) { return nil, nil }
func (f *fakeEntities) DeleteProject(ctx context.Context, id string) error         { return nil }

func (f *fakeEntities) GetEnvironmentByID(ctx context.Context, id string) (*store.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.envs[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "environment", ID: id}
	}
	cp := *e
	return &cp, nil
}
func (f *fakeEntities) ListEnvironments(ctx context.Context, projectID string) ([]*store.Environment, error) {
	return nil, nil
}

func (f *fakeEntities) GetTaskByID(ctx context.Context, id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "task", ID: id}
	}
	cp := *t
	return &cp, nil
}
func (f *fakeEntities) ListTasks(ctx context.Context, projectID string) ([]*store.Task, error) {
	return nil, nil
}
func (f *fakeEntities) ListRunningTasks(ctx context.Context) ([]*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Task
	for _, t := range f.tasks {
		if t.Status == store.TaskRunning {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeEntities) SetEnvironmentStatus(ctx context.Context, id string, expected, status store.EnvironmentStatus, metadata []byte, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.envs[id]
	if !ok {
		return &store.NotFoundError{Entity: "environment", ID: id}
	}
	if e.Status != expected {
		return &store.ConflictingStateError{Entity: "environment", ID: id, Expected: string(expected), Actual: string(e.Status)}
	}
	e.Status = status
	if metadata != nil {
		e.Metadata = metadata
	}
	e.LastError = lastError
	return nil
}

func (f *fakeEntities) SetTaskStatus(ctx context.Context, id string, expected, status store.TaskStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return &store.NotFoundError{Entity: "task", ID: id}
	}
	if t.Status != expected {
		return &store.ConflictingStateError{Entity: "task", ID: id, Expected: string(expected), Actual: string(t.Status)}
	}
	t.Status = status
	t.LastError = lastError
	return nil
}

func (f *fakeEntities) SetTaskPid(ctx context.Context, id string, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return &store.NotFoundError{Entity: "task", ID: id}
	}
	t.Pid = pid
	return nil
}

func (f *fakeEntities) SetTaskCancelRequested(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return &store.NotFoundError{Entity: "task", ID: id}
	}
	t.CancelRequested = true
	return nil
}

// fakeProvider implements provider.Provider with scriptable behavior per
// call, to drive the handler's error-classification branches.
type fakeProvider struct {
	PrepareFunc func(ctx context.Context, projectName, projectPath, envID string) (provider.Metadata, error)
	ClaimFunc   func(ctx context.Context, metadata provider.Metadata) (provider.Metadata, error)
	RunFunc     func(ctx context.Context, metadata provider.Metadata, command string, args []string) (provider.Process, error)
	RemoveFunc  func(ctx context.Context, metadata provider.Metadata) error
}

func (f *fakeProvider) Prepare(ctx context.Context, projectName, projectPath, envID string) (provider.Metadata, error) {
	if f.PrepareFunc != nil {
		return f.PrepareFunc(ctx, projectName, projectPath, envID)
	}
	return provider.Metadata(`{}`), nil
}
func (f *fakeProvider) Claim(ctx context.Context, metadata provider.Metadata) (provider.Metadata, error) {
	if f.ClaimFunc != nil {
		return f.ClaimFunc(ctx, metadata)
	}
	return metadata, nil
}
func (f *fakeProvider) Update(ctx context.Context, metadata provider.Metadata) (provider.Metadata, error) {
	return metadata, nil
}
func (f *fakeProvider) Remove(ctx context.Context, metadata provider.Metadata) error {
	if f.RemoveFunc != nil {
		return f.RemoveFunc(ctx, metadata)
	}
	return nil
}
func (f *fakeProvider) Run(ctx context.Context, metadata provider.Metadata, command string, args []string) (provider.Process, error) {
	if f.RunFunc != nil {
		return f.RunFunc(ctx, metadata, command, args)
	}
	return &fakeProcess{}, nil
}

type fakeProcess struct {
	ExitCode int
	WaitErr  error
	StopFunc func(ctx context.Context) error
}

func (p *fakeProcess) PID() int                               { return 0 }
func (p *fakeProcess) Wait(ctx context.Context) (int, error) { return p.ExitCode, p.WaitErr }
func (p *fakeProcess) Stop(ctx context.Context) error {
	if p.StopFunc != nil {
		return p.StopFunc(ctx)
	}
	return nil
}
func (p *fakeProcess) Logs() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }

func newTestHandlers(t *testing.T) (*Handlers, *fakeEntities, *fakeProvider, *mockQueue) {
	t.Helper()
	entities := newFakeEntities()
	prov := &fakeProvider{}
	registry := provider.NewRegistry()
	registry.Register("git-worktree", prov)
	queue := &mockQueue{}

	h := &Handlers{
		Projects:     entities,
		Environments: entities,
		Tasks:        entities,
		Mutator:      entities,
		Queue:        queue,
		Providers:    registry,
		Bus:          eventbus.New(),
		TaskCommands: map[string]providerconfig.TaskCommand{
			"claude-code": {Command: "claude-code", Args: []string{"{task_description}"}},
		},
	}
	return h, entities, prov, queue
}

func TestPrepareEnvPoolSuccess(t *testing.T) {
	h, entities, _, _ := newTestHandlers(t)
	entities.projects["p1"] = &store.Project{ID: "p1", Path: "/tmp/p1"}
	entities.envs["e1"] = &store.Environment{ID: "e1", ProjectID: "p1", Provider: "git-worktree", Status: store.EnvPreparingPool}

	payload, _ := json.Marshal(store.PrepareEnvPoolPayload{EnvironmentID: "e1"})
	err := h.PrepareEnvPool(context.Background(), &store.Job{Payload: payload})
	if err != nil {
		t.Fatalf("prepare env pool: %v", err)
	}
	if entities.envs["e1"].Status != store.EnvPool {
		t.Errorf("expected env to move to pool, got %s", entities.envs["e1"].Status)
	}
}

func TestPrepareEnvPoolAlreadyPreparedIsNoop(t *testing.T) {
	h, entities, prov, _ := newTestHandlers(t)
	entities.projects["p1"] = &store.Project{ID: "p1", Path: "/tmp/p1"}
	entities.envs["e1"] = &store.Environment{ID: "e1", ProjectID: "p1", Provider: "git-worktree", Status: store.EnvPool}

	called := false
	prov.PrepareFunc = func(ctx context.Context, projectName, projectPath, envID string) (provider.Metadata, error) {
		called = true
		return nil, nil
	}

	payload, _ := json.Marshal(store.PrepareEnvPoolPayload{EnvironmentID: "e1"})
	if err := h.PrepareEnvPool(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("prepare env pool: %v", err)
	}
	if called {
		t.Error("expected re-delivery on an already-prepared environment to skip the provider call")
	}
}

func TestPrepareEnvPoolPermanentProviderErrorMarksFailed(t *testing.T) {
	h, entities, prov, _ := newTestHandlers(t)
	entities.projects["p1"] = &store.Project{ID: "p1", Path: "/tmp/p1"}
	entities.envs["e1"] = &store.Environment{ID: "e1", ProjectID: "p1", Provider: "git-worktree", Status: store.EnvPreparingPool}
	prov.PrepareFunc = func(ctx context.Context, projectName, projectPath, envID string) (provider.Metadata, error) {
		return nil, &provider.PermanentActionError{Action: "prepare", Err: errors.New("no such project path")}
	}

	payload, _ := json.Marshal(store.PrepareEnvPoolPayload{EnvironmentID: "e1"})
	err := h.PrepareEnvPool(context.Background(), &store.Job{Payload: payload})

	var perm *store.PermanentProviderError
	if !errors.As(err, &perm) {
		t.Fatalf("expected a PermanentProviderError, got %T: %v", err, err)
	}
	if entities.envs["e1"].Status != store.EnvFailed {
		t.Errorf("expected env to be marked failed, got %s", entities.envs["e1"].Status)
	}
}

func TestPrepareTaskChainsIntoDedupedRunTask(t *testing.T) {
	h, entities, _, queue := newTestHandlers(t)
	entities.projects["p1"] = &store.Project{ID: "p1", Path: "/tmp/p1"}
	entities.envs["e1"] = &store.Environment{ID: "e1", ProjectID: "p1", Provider: "git-worktree", Status: store.EnvPreparingTask}
	entities.tasks["t1"] = &store.Task{ID: "t1", EnvironmentID: "e1", Provider: "claude-code", Status: store.TaskEnvPreparing}

	payload, _ := json.Marshal(store.PrepareTaskPayload{EnvironmentID: "e1", TaskID: "t1"})
	if err := h.PrepareTask(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("prepare task: %v", err)
	}
	if entities.tasks["t1"].Status != store.TaskEnvReady {
		t.Errorf("expected task env_ready, got %s", entities.tasks["t1"].Status)
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	wantKey := "run_task:t1"
	found := false
	for _, c := range queue.EnqueueCalls {
		if c.JobType == store.JobRunTask && c.DedupeKey != nil && *c.DedupeKey == wantKey {
			found = true
		}
	}
	if !found {
		t.Errorf("expected run_task enqueued with dedupe key %q, got calls: %+v", wantKey, queue.EnqueueCalls)
	}
}

func TestRunTaskHonorsCancelRequestedBeforeStarting(t *testing.T) {
	h, entities, prov, _ := newTestHandlers(t)
	entities.envs["e1"] = &store.Environment{ID: "e1", Provider: "git-worktree", Status: store.EnvReadyTask}
	entities.tasks["t1"] = &store.Task{ID: "t1", EnvironmentID: "e1", Provider: "claude-code", Status: store.TaskEnvReady, CancelRequested: true}

	called := false
	prov.RunFunc = func(ctx context.Context, metadata provider.Metadata, command string, args []string) (provider.Process, error) {
		called = true
		return &fakeProcess{}, nil
	}

	payload, _ := json.Marshal(store.RunTaskPayload{TaskID: "t1"})
	if err := h.RunTask(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("run task: %v", err)
	}
	if called {
		t.Error("expected a cancel-requested task to short-circuit before starting the provider")
	}
	if entities.tasks["t1"].Status != store.TaskCanceled {
		t.Errorf("expected task to end up canceled, got %s", entities.tasks["t1"].Status)
	}
}

func TestRunTaskSuccessMarksComplete(t *testing.T) {
	h, entities, _, _ := newTestHandlers(t)
	entities.envs["e1"] = &store.Environment{ID: "e1", Provider: "git-worktree", Status: store.EnvReadyTask}
	entities.tasks["t1"] = &store.Task{ID: "t1", EnvironmentID: "e1", Provider: "claude-code", Status: store.TaskEnvReady}

	payload, _ := json.Marshal(store.RunTaskPayload{TaskID: "t1"})
	if err := h.RunTask(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("run task: %v", err)
	}
	if entities.tasks["t1"].Status != store.TaskComplete {
		t.Errorf("expected task complete, got %s", entities.tasks["t1"].Status)
	}
	if entities.envs["e1"].Status != store.EnvInUse {
		t.Errorf("expected env in_use, got %s", entities.envs["e1"].Status)
	}
}

func TestRunTaskNonZeroExitMarksFailed(t *testing.T) {
	h, entities, prov, _ := newTestHandlers(t)
	entities.envs["e1"] = &store.Environment{ID: "e1", Provider: "git-worktree", Status: store.EnvReadyTask}
	entities.tasks["t1"] = &store.Task{ID: "t1", EnvironmentID: "e1", Provider: "claude-code", Status: store.TaskEnvReady}
	prov.RunFunc = func(ctx context.Context, metadata provider.Metadata, command string, args []string) (provider.Process, error) {
		return &fakeProcess{ExitCode: 1}, nil
	}

	payload, _ := json.Marshal(store.RunTaskPayload{TaskID: "t1"})
	if err := h.RunTask(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("run task: %v", err)
	}
	if entities.tasks["t1"].Status != store.TaskFailed {
		t.Errorf("expected task failed on nonzero exit, got %s", entities.tasks["t1"].Status)
	}
}

func TestRunTaskResolvesTaskDescriptionPlaceholder(t *testing.T) {
	h, entities, prov, _ := newTestHandlers(t)
	entities.envs["e1"] = &store.Environment{ID: "e1", Provider: "git-worktree", Status: store.EnvReadyTask}
	entities.tasks["t1"] = &store.Task{ID: "t1", EnvironmentID: "e1", Provider: "claude-code", Status: store.TaskEnvReady, Description: "fix the bug"}

	var gotCommand string
	var gotArgs []string
	prov.RunFunc = func(ctx context.Context, metadata provider.Metadata, command string, args []string) (provider.Process, error) {
		gotCommand = command
		gotArgs = args
		return &fakeProcess{}, nil
	}

	payload, _ := json.Marshal(store.RunTaskPayload{TaskID: "t1"})
	if err := h.RunTask(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("run task: %v", err)
	}
	if gotCommand != "claude-code" {
		t.Errorf("expected configured command %q, got %q", "claude-code", gotCommand)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "fix the bug" {
		t.Errorf("expected {task_description} resolved to the task's description, got %v", gotArgs)
	}
}

func TestRunTaskMissingTaskProviderConfigIsPermanent(t *testing.T) {
	h, entities, _, _ := newTestHandlers(t)
	entities.envs["e1"] = &store.Environment{ID: "e1", Provider: "git-worktree", Status: store.EnvReadyTask}
	entities.tasks["t1"] = &store.Task{ID: "t1", EnvironmentID: "e1", Provider: "unconfigured-provider", Status: store.TaskEnvReady}

	payload, _ := json.Marshal(store.RunTaskPayload{TaskID: "t1"})
	err := h.RunTask(context.Background(), &store.Job{Payload: payload})

	var perm *store.PermanentProviderError
	if !errors.As(err, &perm) {
		t.Fatalf("expected a PermanentProviderError for an unconfigured task provider, got %T: %v", err, err)
	}
	if entities.tasks["t1"].Status != store.TaskEnvReady {
		t.Errorf("expected task to stay untouched when no command is configured, got %s", entities.tasks["t1"].Status)
	}
}

func TestRemoveEnvOnAlreadyRemovedIsNoop(t *testing.T) {
	h, entities, prov, _ := newTestHandlers(t)
	entities.envs["e1"] = &store.Environment{ID: "e1", Provider: "git-worktree", Status: store.EnvRemoved}
	called := false
	prov.RemoveFunc = func(ctx context.Context, metadata provider.Metadata) error {
		called = true
		return nil
	}

	payload, _ := json.Marshal(store.RemoveEnvPayload{EnvironmentID: "e1"})
	if err := h.RemoveEnv(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("remove env: %v", err)
	}
	if called {
		t.Error("did not expect any provider call for an already-removed environment")
	}
}

func TestRemoveEnvOnMissingEnvironmentIsNoop(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)
	payload, _ := json.Marshal(store.RemoveEnvPayload{EnvironmentID: "does-not-exist"})
	if err := h.RemoveEnv(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("expected remove of a missing environment to be a no-op, got %v", err)
	}
}

func TestCancelTaskOnTerminalTaskIsNoop(t *testing.T) {
	h, entities, _, _ := newTestHandlers(t)
	entities.tasks["t1"] = &store.Task{ID: "t1", Status: store.TaskComplete}
	payload, _ := json.Marshal(store.CancelTaskPayload{TaskID: "t1"})
	if err := h.CancelTask(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if entities.tasks["t1"].Status != store.TaskComplete {
		t.Errorf("expected terminal task to stay untouched, got %s", entities.tasks["t1"].Status)
	}
}

func TestCancelTaskOnPendingTaskCancelsImmediately(t *testing.T) {
	h, entities, _, queue := newTestHandlers(t)
	entities.tasks["t1"] = &store.Task{ID: "t1", EnvironmentID: "e1", Status: store.TaskPending}
	payload, _ := json.Marshal(store.CancelTaskPayload{TaskID: "t1"})
	if err := h.CancelTask(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if entities.tasks["t1"].Status != store.TaskCanceled {
		t.Errorf("expected task to be canceled directly, got %s", entities.tasks["t1"].Status)
	}
	assertEnqueuedRemoveEnv(t, queue, "e1")
}

func TestCancelTaskOnRunningTaskStopsProcessAndRemovesEnv(t *testing.T) {
	h, entities, _, queue := newTestHandlers(t)
	entities.tasks["t1"] = &store.Task{ID: "t1", EnvironmentID: "e1", Status: store.TaskRunning}

	stopped := false
	proc := &fakeProcess{
		StopFunc: func(ctx context.Context) error {
			stopped = true
			return nil
		},
	}
	h.running.Store("t1", provider.Process(proc))

	payload, _ := json.Marshal(store.CancelTaskPayload{TaskID: "t1"})
	if err := h.CancelTask(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if !stopped {
		t.Error("expected cancel_task to signal the live process")
	}
	if entities.tasks["t1"].Status != store.TaskCanceled {
		t.Errorf("expected task to be canceled, got %s", entities.tasks["t1"].Status)
	}
	assertEnqueuedRemoveEnv(t, queue, "e1")
}

func TestCancelTaskOnRunningTaskWithNoRegisteredProcessStillCancels(t *testing.T) {
	h, entities, _, queue := newTestHandlers(t)
	entities.tasks["t1"] = &store.Task{ID: "t1", EnvironmentID: "e1", Status: store.TaskRunning}

	payload, _ := json.Marshal(store.CancelTaskPayload{TaskID: "t1"})
	if err := h.CancelTask(context.Background(), &store.Job{Payload: payload}); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if entities.tasks["t1"].Status != store.TaskCanceled {
		t.Errorf("expected task to be canceled even without a live process handle, got %s", entities.tasks["t1"].Status)
	}
	assertEnqueuedRemoveEnv(t, queue, "e1")
}

func assertEnqueuedRemoveEnv(t *testing.T, queue *mockQueue, envID string) {
	t.Helper()
	queue.mu.Lock()
	defer queue.mu.Unlock()
	wantKey := "remove_env:" + envID
	for _, c := range queue.EnqueueCalls {
		if c.JobType == store.JobRemoveEnv && c.DedupeKey != nil && *c.DedupeKey == wantKey {
			return
		}
	}
	t.Errorf("expected a remove_env job enqueued with dedupe key %q, got calls: %+v", wantKey, queue.EnqueueCalls)
}
