package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"work/internal/eventbus"
	"work/internal/store"
)

// Reaper periodically requeues jobs whose lease expired without a
// heartbeat — the case where a worker died mid-handler and nobody is
// going to renew its claim (spec.md §4.B Recovery, testable property 6).
// It also runs a one-shot startup pass reconciling "running" tasks against
// the live process table, for the case where the whole daemon (not just a
// worker goroutine) died and restarted (spec.md §9, scenario S3).
type Reaper struct {
	queue    store.Queue
	tasks    store.TaskStore
	mutator  store.EntityMutator
	bus      *eventbus.Bus
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
}

func NewReaper(queue store.Queue, logger *slog.Logger, schedule string) *Reaper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if schedule == "" {
		schedule = "@every 5s"
	}
	return &Reaper{queue: queue, logger: logger, schedule: schedule}
}

// WithTaskRecovery attaches the dependencies needed for the startup
// orphaned-task pass. Without it, Start only performs lease recovery.
func (r *Reaper) WithTaskRecovery(tasks store.TaskStore, mutator store.EntityMutator, bus *eventbus.Bus) *Reaper {
	r.tasks = tasks
	r.mutator = mutator
	r.bus = bus
	return r
}

// Start runs an immediate recovery pass (covering jobs stranded by a
// previous daemon instance that died before this one started) and then
// schedules the periodic pass.
func (r *Reaper) Start(ctx context.Context) error {
	if _, err := r.queue.Recover(ctx, time.Now().UTC()); err != nil {
		r.logger.Warn("startup recovery failed", "error", err)
	}
	r.recoverOrphanedTasks(ctx)

	c := cron.New()
	_, err := c.AddFunc(r.schedule, func() {
		n, err := r.queue.Recover(context.Background(), time.Now().UTC())
		if err != nil {
			r.logger.Warn("reaper pass failed", "error", err)
			return
		}
		if n > 0 {
			r.logger.Info("reaper recovered stranded jobs", "count", n)
		}
	})
	if err != nil {
		return err
	}
	r.cron = c
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// recoverOrphanedTasks marks any task left "running" by a previous daemon
// process as failed if its recorded pid is no longer alive. This is Policy
// A from spec.md §9 S3: a lost child is never re-attached, only recorded as
// lost, since there's no way to recover its stdout/stderr stream or know
// whether it's the same child that was spawned.
func (r *Reaper) recoverOrphanedTasks(ctx context.Context) {
	if r.tasks == nil || r.mutator == nil {
		return
	}
	running, err := r.tasks.ListRunningTasks(ctx)
	if err != nil {
		r.logger.Warn("orphaned task scan failed", "error", err)
		return
	}
	for _, task := range running {
		if task.Pid > 0 && processAlive(task.Pid) {
			continue
		}
		err := r.mutator.SetTaskStatus(ctx, task.ID, store.TaskRunning, store.TaskFailed, "process lost")
		var conflict *store.ConflictingStateError
		if err != nil && !errors.As(err, &conflict) {
			r.logger.Warn("failed to mark orphaned task failed", "task_id", task.ID, "error", err)
			continue
		}
		r.logger.Info("recovered orphaned task", "task_id", task.ID, "pid", task.Pid)
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Kind: eventbus.EntityTask, ID: task.ID})
		}
	}
}

// processAlive reports whether pid refers to a live process, by sending
// the null signal (no actual signal delivered, just existence/permission
// checked) per kill(2).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
