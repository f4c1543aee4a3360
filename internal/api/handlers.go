// Package api implements the daemon's HTTP surface: project CRUD
// (synchronous), environment/task staging (always 202, work happens in
// workers), log streaming, and the server-sent event stream. It is
// adapted from the teacher's controller/handlers package, with tenant
// scoping removed (spec.md §1 Non-goal: authentication) and staging
// substituted for the teacher's direct job enqueue.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"work/internal/eventbus"
	"work/internal/store"
	"work/pkg/api"
)

// Handlers holds the HTTP handlers and their store/event-bus dependencies.
type Handlers struct {
	Projects store.ProjectStore
	Envs     store.EnvironmentStore
	Tasks    store.TaskStore
	Staging  store.StagingStore
	Bus      *eventbus.Bus
	// LogDir is the data-directory subdirectory holding per-task and
	// per-environment log files named <id>.log (spec.md §6).
	LogDir string
}

func NewHandlers(projects store.ProjectStore, envs store.EnvironmentStore, tasks store.TaskStore, staging store.StagingStore, bus *eventbus.Bus, logDir string) *Handlers {
	return &Handlers{Projects: projects, Envs: envs, Tasks: tasks, Staging: staging, Bus: bus, LogDir: logDir}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// publish notifies h.Bus's subscribers of an entity mutation immediately
// after the staging call that made it commits, so a GET /events subscriber
// observes creation and cancellation the same way it observes the worker's
// later transitions (spec.md §4.G).
func (h *Handlers) publish(kind eventbus.EntityKind, id string) {
	if h.Bus == nil {
		return
	}
	h.Bus.Publish(eventbus.Event{Kind: kind, ID: id})
}

func (h *Handlers) httpError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	h.respondJSON(w, status, api.ErrorResponse{Error: err.Error(), Code: code})
}

// classifyError maps the store error kinds from spec.md §7 onto HTTP
// status codes. Kinds 4-6 (provider/internal errors) never reach here:
// requests never perform provider work, only staging.
func classifyError(err error) (int, string) {
	switch err.(type) {
	case *store.ValidationError:
		return http.StatusBadRequest, "400"
	case *store.ConflictingStateError:
		return http.StatusConflict, "409"
	case *store.NotFoundError:
		return http.StatusNotFound, "404"
	default:
		return http.StatusInternalServerError, "500"
	}
}

func projectToAPI(p *store.Project) api.ProjectResponse {
	return api.ProjectResponse{ID: p.ID, Name: p.Name, Path: p.Path, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt}
}

func envToAPI(e *store.Environment) api.EnvironmentResponse {
	return api.EnvironmentResponse{
		ID: e.ID, ProjectID: e.ProjectID, Provider: e.Provider,
		Status: string(e.Status), LastError: e.LastError,
		CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
	}
}

func taskToAPI(t *store.Task) api.TaskResponse {
	return api.TaskResponse{
		ID: t.ID, ProjectID: t.ProjectID, EnvironmentID: t.EnvironmentID,
		Provider: t.Provider, Description: t.Description, Status: string(t.Status),
		CancelRequested: t.CancelRequested, LastError: t.LastError,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func jobToAPI(j *store.Job) api.JobResponse {
	return api.JobResponse{ID: j.ID, Type: string(j.Type), Status: string(j.Status)}
}

// --- projects: provider-free, synchronous (spec.md §6) ---

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req api.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, &store.ValidationError{Message: "invalid request body"})
		return
	}
	p, err := h.Projects.CreateProject(r.Context(), req.Name, req.Path)
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, projectToAPI(p))
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.Projects.GetProjectByName(r.Context(), r.PathValue("name"))
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, projectToAPI(p))
}

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Projects.ListProjects(r.Context())
	if err != nil {
		h.httpError(w, err)
		return
	}
	out := make([]api.ProjectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectToAPI(p))
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.Projects.GetProjectByName(r.Context(), r.PathValue("name"))
	if err != nil {
		h.httpError(w, err)
		return
	}
	if err := h.Projects.DeleteProject(r.Context(), p.ID); err != nil {
		h.httpError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, nil)
}

// --- environments: provider-touching, always 202 (spec.md §6) ---

func (h *Handlers) CreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req api.CreateEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, &store.ValidationError{Message: "invalid request body"})
		return
	}
	project, err := h.Projects.GetProjectByName(r.Context(), req.Project)
	if err != nil {
		h.httpError(w, err)
		return
	}
	env, job, err := h.Staging.StageEnvPrepare(r.Context(), project.ID, req.Provider)
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.publish(eventbus.EntityEnvironment, env.ID)
	h.respondJSON(w, http.StatusAccepted, struct {
		api.EnvironmentResponse
		Job api.JobResponse `json:"job"`
	}{envToAPI(env), jobToAPI(job)})
}

func (h *Handlers) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := h.Envs.GetEnvironmentByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, envToAPI(env))
}

func (h *Handlers) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	project, err := h.Projects.GetProjectByName(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		h.httpError(w, err)
		return
	}
	envs, err := h.Envs.ListEnvironments(r.Context(), project.ID)
	if err != nil {
		h.httpError(w, err)
		return
	}
	out := make([]api.EnvironmentResponse, 0, len(envs))
	for _, e := range envs {
		out = append(out, envToAPI(e))
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) ClaimEnvironment(w http.ResponseWriter, r *http.Request) {
	if id := r.PathValue("id"); id != "" {
		job, err := h.Staging.StageEnvClaim(r.Context(), id)
		if err != nil {
			h.httpError(w, err)
			return
		}
		h.publish(eventbus.EntityEnvironment, id)
		h.respondJSON(w, http.StatusAccepted, jobToAPI(job))
		return
	}

	var req api.ClaimEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, &store.ValidationError{Message: "invalid request body"})
		return
	}
	project, err := h.Projects.GetProjectByName(r.Context(), req.Project)
	if err != nil {
		h.httpError(w, err)
		return
	}
	env, job, err := h.Staging.StageEnvClaimNext(r.Context(), project.ID, req.Provider)
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.publish(eventbus.EntityEnvironment, env.ID)
	h.respondJSON(w, http.StatusAccepted, struct {
		api.EnvironmentResponse
		Job api.JobResponse `json:"job"`
	}{envToAPI(env), jobToAPI(job)})
}

func (h *Handlers) UpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.Staging.StageEnvUpdate(r.Context(), id)
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.publish(eventbus.EntityEnvironment, id)
	h.respondJSON(w, http.StatusAccepted, jobToAPI(job))
}

func (h *Handlers) DeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.Staging.StageEnvRemove(r.Context(), id)
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.publish(eventbus.EntityEnvironment, id)
	h.respondJSON(w, http.StatusAccepted, jobToAPI(job))
}

// --- tasks ---

func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, &store.ValidationError{Message: "invalid request body"})
		return
	}
	project, err := h.Projects.GetProjectByName(r.Context(), req.Project)
	if err != nil {
		h.httpError(w, err)
		return
	}
	task, env, job, err := h.Staging.StageTaskCreate(r.Context(), project.ID, req.TaskProvider, req.EnvProvider, req.Description)
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.publish(eventbus.EntityTask, task.ID)
	h.publish(eventbus.EntityEnvironment, env.ID)
	h.respondJSON(w, http.StatusAccepted, struct {
		api.TaskResponse
		Environment api.EnvironmentResponse `json:"environment"`
		Job         api.JobResponse         `json:"job"`
	}{taskToAPI(task), envToAPI(env), jobToAPI(job)})
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Tasks.GetTaskByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, taskToAPI(task))
}

func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	project, err := h.Projects.GetProjectByName(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		h.httpError(w, err)
		return
	}
	tasks, err := h.Tasks.ListTasks(r.Context(), project.ID)
	if err != nil {
		h.httpError(w, err)
		return
	}
	out := make([]api.TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToAPI(t))
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.Staging.StageTaskCancel(r.Context(), id)
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.publish(eventbus.EntityTask, id)
	h.respondJSON(w, http.StatusAccepted, jobToAPI(job))
}

// --- logs & events ---

func (h *Handlers) TaskLogs(w http.ResponseWriter, r *http.Request) {
	h.streamLogFile(w, r, r.PathValue("id"))
}

func (h *Handlers) EnvironmentLogs(w http.ResponseWriter, r *http.Request) {
	h.streamLogFile(w, r, r.PathValue("id"))
}

// Events streams (entity_kind, entity_id) notifications as they're
// published, for as long as the client stays connected (spec.md §6,
// GET /events). Being on the lossy event bus, a disconnect-and-reconnect
// client may miss events published while it was away — it is expected to
// re-read the store to recover (spec.md §4.G).
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.httpError(w, &store.ValidationError{Message: "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, unsubscribe := h.Bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			payload, _ := json.Marshal(api.Event{Kind: string(ev.Kind), ID: ev.ID})
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// streamLogFile serves a log file's existing contents and, if
// follow=true, keeps polling for appended bytes until the client
// disconnects — there is exactly one writer per file (the run_task
// handler) so polling for growth is sufficient without a filesystem
// watcher (spec.md §4, Shared resources).
func (h *Handlers) streamLogFile(w http.ResponseWriter, r *http.Request, id string) {
	path := filepath.Join(h.LogDir, id+".log")
	f, err := os.Open(path)
	if err != nil {
		h.httpError(w, &store.NotFoundError{Entity: "log", ID: id})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if _, err := io.Copy(w, f); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}

	if r.URL.Query().Get("follow") != "true" {
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.Copy(w, f); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}
