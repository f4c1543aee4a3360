// Package worker runs the worker pool: a bounded-concurrency pull-loop
// that leases jobs from the queue, dispatches them to the handler
// registered for their type, and heartbeats the lease for as long as the
// handler is running. It is modeled directly on the teacher's Agent
// pull-loop (internal/worker/agent.go in the original jobplane) adapted
// from a remote-controller HTTP client to a store.Queue called in-process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"work/internal/store"
)

// Handler processes one claimed job. A TransientProviderError/
// PermanentProviderError return (see internal/store/errors.go) drives the
// queue's retry-or-fail decision; any other error is treated as transient.
// A panic is caught by the pool and treated as a permanent failure with
// the panic message recorded (spec.md §7.6).
type Handler func(ctx context.Context, job *store.Job) error

// Config configures a Pool.
type Config struct {
	// Concurrency bounds how many jobs run at once.
	Concurrency int
	// PollInterval is the base delay between empty-queue polls.
	PollInterval time.Duration
	// MaxPollBackoff caps the exponential backoff applied on repeated
	// empty polls.
	MaxPollBackoff time.Duration
	// Lease is how long a claimed job is leased for before the reaper
	// considers it stranded.
	Lease time.Duration
	// MaxAttempts bounds retries before a job is permanently failed.
	MaxAttempts int
	// Owner identifies this pool's claims (lease_owner column).
	Owner string

	Logger *slog.Logger
}

// Pool is a bounded-concurrency job processor.
type Pool struct {
	queue    store.Queue
	handlers map[store.JobType]Handler
	cfg      Config
	logger   *slog.Logger
	done     chan struct{}
}

func New(queue store.Queue, handlers map[store.JobType]Handler, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxPollBackoff <= 0 {
		cfg.MaxPollBackoff = 10 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		queue:    queue,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run starts the pull-loop and blocks until ctx is canceled. On
// cancellation it stops claiming new work and waits for in-flight handlers
// to finish (graceful drain).
func (p *Pool) Run(ctx context.Context) {
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	trigger := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	trigger()

	backoff := p.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			close(p.done)
			return

		case <-time.After(backoff):
			trigger()

		case <-pollNow:
			available := p.cfg.Concurrency - len(sem)
			if available <= 0 {
				continue
			}

			jobs, err := p.queue.Claim(ctx, available, p.cfg.Lease, p.cfg.Owner)
			if err != nil {
				p.logger.Warn("claim failed", "error", err)
				continue
			}
			if len(jobs) == 0 {
				backoff *= 2
				if backoff > p.cfg.MaxPollBackoff {
					backoff = p.cfg.MaxPollBackoff
				}
				continue
			}
			backoff = p.cfg.PollInterval

			for _, job := range jobs {
				sem <- struct{}{}
				wg.Add(1)
				go func(j *store.Job) {
					defer wg.Done()
					defer func() { <-sem; trigger() }()
					p.process(ctx, j)
				}(job)
			}
			if len(jobs) < available {
				trigger()
			}
		}
	}
}

// Done returns a channel closed once Run has finished draining in-flight
// handlers after context cancellation.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

func (p *Pool) process(ctx context.Context, job *store.Job) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		p.logger.Error("no handler registered", "job_type", job.Type)
		_ = p.queue.Fail(context.Background(), job.ID, "no handler registered for job type "+string(job.Type), true, p.cfg.MaxAttempts)
		return
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go p.heartbeat(heartbeatCtx, job.ID)

	err := p.runHandler(ctx, handler, job)

	if err == nil {
		if cerr := p.queue.Complete(context.Background(), job.ID); cerr != nil {
			p.logger.Error("complete failed", "job_id", job.ID, "error", cerr)
		}
		return
	}

	fatal := isPermanent(err)
	p.logger.Warn("job failed", "job_id", job.ID, "job_type", job.Type, "fatal", fatal, "error", err)
	if ferr := p.queue.Fail(context.Background(), job.ID, err.Error(), fatal, p.cfg.MaxAttempts); ferr != nil {
		p.logger.Error("fail bookkeeping failed", "job_id", job.ID, "error", ferr)
	}
}

// runHandler recovers a handler panic into a permanent error (spec.md
// §7.6): the entity is left in whatever state it was, and startup recovery
// plus the reaper are what cover a worker process dying outright, but an
// in-process panic should not take the whole pool down.
func (p *Pool) runHandler(ctx context.Context, handler Handler, job *store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &store.PermanentProviderError{Op: string(job.Type), Err: panicError{r}}
		}
	}()
	return handler(ctx, job)
}

type panicError struct{ v interface{} }

func (p panicError) Error() string {
	if e, ok := p.v.(error); ok {
		return "panic: " + e.Error()
	}
	return fmt.Sprintf("panic: %v", p.v)
}

func isPermanent(err error) bool {
	var perm *store.PermanentProviderError
	return errors.As(err, &perm)
}

func (p *Pool) heartbeat(ctx context.Context, jobID int64) {
	interval := p.cfg.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.queue.Heartbeat(context.Background(), jobID, p.cfg.Lease, p.cfg.Owner)
			if err != nil {
				p.logger.Warn("heartbeat error", "job_id", jobID, "error", err)
				continue
			}
			if !ok {
				p.logger.Warn("heartbeat lost lease", "job_id", jobID)
				return
			}
		}
	}
}
