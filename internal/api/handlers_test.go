package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"work/internal/eventbus"
	"work/internal/store"
)

type fakeProjects struct {
	byName map[string]*store.Project
}

func (f *fakeProjects) CreateProject(ctx context.Context, name, path string) (*store.Project, error) {
	return nil, nil
}
func (f *fakeProjects) GetProjectByName(ctx context.Context, name string) (*store.Project, error) {
	p, ok := f.byName[name]
	if !ok {
		return nil, &store.NotFoundError{Entity: "project", ID: name}
	}
	return p, nil
}
func (f *fakeProjects) GetProjectByID(ctx context.Context, id string) (*store.Project, error) { return nil, nil }
func (f *fakeProjects) ListProjects(ctx context.Context) ([]*store.Project, error)            { return nil, nil }
func (f *fakeProjects) DeleteProject(ctx context.Context, id string) error                    { return nil }

type fakeEnvs struct{}

func (f *fakeEnvs) GetEnvironmentByID(ctx context.Context, id string) (*store.Environment, error) {
	return &store.Environment{ID: id, Status: store.EnvPool}, nil
}
func (f *fakeEnvs) ListEnvironments(ctx context.Context, projectID string) ([]*store.Environment, error) {
	return nil, nil
}

type fakeTasks struct{}

func (f *fakeTasks) GetTaskByID(ctx context.Context, id string) (*store.Task, error) {
	return &store.Task{ID: id}, nil
}
func (f *fakeTasks) ListTasks(ctx context.Context, projectID string) ([]*store.Task, error) { return nil, nil }
func (f *fakeTasks) ListRunningTasks(ctx context.Context) ([]*store.Task, error)             { return nil, nil }

type fakeStaging struct{}

func (f *fakeStaging) StageTaskCreate(ctx context.Context, projectID, taskProvider, envProvider, description string) (*store.Task, *store.Environment, *store.Job, error) {
	return &store.Task{ID: "t1"}, &store.Environment{ID: "e1"}, &store.Job{ID: 1}, nil
}
func (f *fakeStaging) StageEnvPrepare(ctx context.Context, projectID, provider string) (*store.Environment, *store.Job, error) {
	return &store.Environment{ID: "e1"}, &store.Job{ID: 1}, nil
}
func (f *fakeStaging) StageEnvClaim(ctx context.Context, envID string) (*store.Job, error) {
	return &store.Job{ID: 1}, nil
}
func (f *fakeStaging) StageEnvClaimNext(ctx context.Context, projectID, provider string) (*store.Environment, *store.Job, error) {
	return &store.Environment{ID: "e1"}, &store.Job{ID: 1}, nil
}
func (f *fakeStaging) StageEnvUpdate(ctx context.Context, envID string) (*store.Job, error) {
	return &store.Job{ID: 1}, nil
}
func (f *fakeStaging) StageEnvRemove(ctx context.Context, envID string) (*store.Job, error) {
	return &store.Job{ID: 1}, nil
}
func (f *fakeStaging) StageTaskCancel(ctx context.Context, taskID string) (*store.Job, error) {
	return &store.Job{ID: 1}, nil
}

func newTestHandlers() (*Handlers, <-chan eventbus.Event, func()) {
	bus := eventbus.New()
	ch, unsubscribe := bus.Subscribe()
	h := NewHandlers(
		&fakeProjects{byName: map[string]*store.Project{"demo": {ID: "p1", Name: "demo"}}},
		&fakeEnvs{}, &fakeTasks{}, &fakeStaging{}, bus, "",
	)
	return h, ch, unsubscribe
}

func expectEvent(t *testing.T, ch <-chan eventbus.Event, kind eventbus.EntityKind, id string) {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Kind != kind || ev.ID != id {
			t.Errorf("expected event {%s %s}, got %+v", kind, id, ev)
		}
	case <-time.After(time.Second):
		t.Errorf("expected a %s event for %s, got none", kind, id)
	}
}

func TestCreateEnvironmentPublishes(t *testing.T) {
	h, ch, unsubscribe := newTestHandlers()
	defer unsubscribe()

	req := httptest.NewRequest(http.MethodPost, "/environments", strings.NewReader(`{"project":"demo","provider":"git-worktree"}`))
	rec := httptest.NewRecorder()
	h.CreateEnvironment(rec, req)

	expectEvent(t, ch, eventbus.EntityEnvironment, "e1")
}

func TestDeleteEnvironmentPublishes(t *testing.T) {
	h, ch, unsubscribe := newTestHandlers()
	defer unsubscribe()

	req := httptest.NewRequest(http.MethodDelete, "/environments/e1", nil)
	req.SetPathValue("id", "e1")
	rec := httptest.NewRecorder()
	h.DeleteEnvironment(rec, req)

	expectEvent(t, ch, eventbus.EntityEnvironment, "e1")
}

func TestCancelTaskPublishes(t *testing.T) {
	h, ch, unsubscribe := newTestHandlers()
	defer unsubscribe()

	req := httptest.NewRequest(http.MethodDelete, "/tasks/t1", nil)
	req.SetPathValue("id", "t1")
	rec := httptest.NewRecorder()
	h.CancelTask(rec, req)

	expectEvent(t, ch, eventbus.EntityTask, "t1")
}

func TestCreateTaskPublishes(t *testing.T) {
	// The bus is lossy with a buffer of one per subscriber (spec.md §4.G):
	// CreateTask publishes task then environment back to back with nothing
	// draining the channel in between, so only the environment event (the
	// most recent) survives for this subscriber. That is expected, not a
	// bug — a client reconnecting after a miss is expected to re-read the
	// store.
	h, ch, unsubscribe := newTestHandlers()
	defer unsubscribe()

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"project":"demo","task_provider":"claude-code","env_provider":"git-worktree","description":"fix it"}`))
	rec := httptest.NewRecorder()
	h.CreateTask(rec, req)

	expectEvent(t, ch, eventbus.EntityEnvironment, "e1")
}
