package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// Server is the daemon's HTTP server over a Unix-domain socket. The
// trust boundary is filesystem permissions on the socket itself, not
// anything the server enforces (spec.md §1 Non-goal: authentication).
type Server struct {
	httpServer *http.Server
	socketPath string
	logger     *slog.Logger
}

// New wires the routing table. A single process-wide rate.Limiter throttles
// the whole socket — the teacher's per-tenant limiter map (ratelimit.go)
// collapses to one limiter since there are no tenants to key on (spec.md
// §1 Non-goal: multi-host/multi-tenant coordination).
func New(socketPath string, h *Handlers, limiter *rate.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /projects", h.CreateProject)
	mux.HandleFunc("GET /projects", h.ListProjects)
	mux.HandleFunc("GET /projects/{name}", h.GetProject)
	mux.HandleFunc("DELETE /projects/{name}", h.DeleteProject)

	mux.HandleFunc("POST /environments", h.CreateEnvironment)
	mux.HandleFunc("GET /environments", h.ListEnvironments)
	mux.HandleFunc("GET /environments/{id}", h.GetEnvironment)
	mux.HandleFunc("DELETE /environments/{id}", h.DeleteEnvironment)
	mux.HandleFunc("POST /environments/{id}/claim", h.ClaimEnvironment)
	mux.HandleFunc("POST /environments/claim", h.ClaimEnvironment)
	mux.HandleFunc("POST /environments/{id}/update", h.UpdateEnvironment)
	mux.HandleFunc("GET /environments/{id}/logs", h.EnvironmentLogs)

	mux.HandleFunc("POST /tasks", h.CreateTask)
	mux.HandleFunc("GET /tasks", h.ListTasks)
	mux.HandleFunc("GET /tasks/{id}", h.GetTask)
	mux.HandleFunc("DELETE /tasks/{id}", h.CancelTask)
	mux.HandleFunc("GET /tasks/{id}/logs", h.TaskLogs)

	mux.HandleFunc("GET /events", h.Events)

	var handler http.Handler = mux
	if limiter != nil {
		handler = rateLimitMiddleware(limiter, handler)
	}

	return &Server{
		httpServer: &http.Server{
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // long-poll log follow and /events hold the connection open
		},
		socketPath: socketPath,
		logger:     logger,
	}
}

func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run listens on the Unix socket and blocks until ctx is canceled, at
// which point it shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return err
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
