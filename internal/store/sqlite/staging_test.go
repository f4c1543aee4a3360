package sqlite

import (
	"context"
	"errors"
	"testing"

	"work/internal/store"
)

func mustProject(t *testing.T, s *Store) *store.Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), "demo", "/tmp/demo")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestStageTaskCreateInsertsEverythingAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s)

	task, env, job, err := s.StageTaskCreate(ctx, p.ID, "claude-code", "git-worktree", "fix the flaky test")
	if err != nil {
		t.Fatalf("stage task create: %v", err)
	}

	if task.EnvironmentID != env.ID {
		t.Errorf("expected task to reference the staged environment, got %s vs %s", task.EnvironmentID, env.ID)
	}
	if task.Status != store.TaskEnvPreparing {
		t.Errorf("expected task status env_preparing, got %s", task.Status)
	}
	if env.Status != store.EnvPreparingTask {
		t.Errorf("expected environment status preparing_task, got %s", env.Status)
	}
	if job.Type != store.JobPrepareTask {
		t.Errorf("expected prepare_task job, got %s", job.Type)
	}
	wantDedupe := "prepare_task:" + task.ID
	if job.DedupeKey == nil || *job.DedupeKey != wantDedupe {
		t.Errorf("expected prepare_task job dedupe key %q, got %v", wantDedupe, job.DedupeKey)
	}

	stored, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Description != "fix the flaky test" {
		t.Errorf("task did not persist: %+v", stored)
	}
}

// TestStageTaskCreateRedeliveryDoesNotDuplicatePrepareTaskJob mirrors
// spec.md §8 S5: re-running stage_task_create's enqueue with the same task
// id (as happens if a caller retries after a timeout that actually
// succeeded) must collapse onto the same prepare_task job, not queue a
// second one.
func TestStageTaskCreateRedeliveryDoesNotDuplicatePrepareTaskJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s)

	task, env, job1, err := s.StageTaskCreate(ctx, p.ID, "claude-code", "git-worktree", "fix the flaky test")
	if err != nil {
		t.Fatalf("stage task create: %v", err)
	}

	key := "prepare_task:" + task.ID
	payload, err := s.GetJob(ctx, job1.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	id2, err := s.Enqueue(ctx, nil, store.JobPrepareTask, payload.Payload, &key, nil)
	if err != nil {
		t.Fatalf("re-enqueue prepare_task: %v", err)
	}
	if id2 != job1.ID {
		t.Errorf("expected redelivery to collapse onto job %d, got %d", job1.ID, id2)
	}
	_ = env
}

func TestStageTaskCreateUnknownProject(t *testing.T) {
	s := newTestStore(t)
	_, _, _, err := s.StageTaskCreate(context.Background(), "proj_doesnotexist", "claude-code", "git-worktree", "desc")
	var nf *store.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %T: %v", err, err)
	}
}

func TestStageEnvPrepareSetsPrepareEnvPoolDedupeKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s)

	env, job, err := s.StageEnvPrepare(ctx, p.ID, "git-worktree")
	if err != nil {
		t.Fatalf("stage env prepare: %v", err)
	}
	wantDedupe := "prepare_env_pool:" + env.ID
	if job.DedupeKey == nil || *job.DedupeKey != wantDedupe {
		t.Errorf("expected prepare_env_pool job dedupe key %q, got %v", wantDedupe, job.DedupeKey)
	}
}

func TestStageEnvClaimGuardsOnStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s)

	env, _, err := s.StageEnvPrepare(ctx, p.ID, "git-worktree")
	if err != nil {
		t.Fatalf("stage env prepare: %v", err)
	}

	// Environment is still preparing_pool, not pool, so claim must conflict.
	_, err = s.StageEnvClaim(ctx, env.ID)
	var conflict *store.ConflictingStateError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictingStateError, got %T: %v", err, err)
	}

	// Move it to pool by hand (as prepare_env_pool's handler would) and
	// retry: the guard should now let it through.
	if err := s.SetEnvironmentStatus(ctx, env.ID, store.EnvPreparingPool, store.EnvPool, nil, ""); err != nil {
		t.Fatalf("set environment status: %v", err)
	}

	job, err := s.StageEnvClaim(ctx, env.ID)
	if err != nil {
		t.Fatalf("stage env claim: %v", err)
	}
	if job.Type != store.JobClaimEnv {
		t.Errorf("expected claim_env job, got %s", job.Type)
	}

	got, err := s.GetEnvironmentByID(ctx, env.ID)
	if err != nil {
		t.Fatalf("get environment: %v", err)
	}
	if got.Status != store.EnvClaiming {
		t.Errorf("expected environment to move to claiming, got %s", got.Status)
	}
}

func TestStageEnvClaimNextPicksOldestPoolEnvironment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s)

	env1, _, err := s.StageEnvPrepare(ctx, p.ID, "git-worktree")
	if err != nil {
		t.Fatalf("prepare env1: %v", err)
	}
	if err := s.SetEnvironmentStatus(ctx, env1.ID, store.EnvPreparingPool, store.EnvPool, nil, ""); err != nil {
		t.Fatalf("promote env1: %v", err)
	}

	env2, _, err := s.StageEnvPrepare(ctx, p.ID, "git-worktree")
	if err != nil {
		t.Fatalf("prepare env2: %v", err)
	}
	if err := s.SetEnvironmentStatus(ctx, env2.ID, store.EnvPreparingPool, store.EnvPool, nil, ""); err != nil {
		t.Fatalf("promote env2: %v", err)
	}

	claimed, _, err := s.StageEnvClaimNext(ctx, p.ID, "git-worktree")
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if claimed.ID != env1.ID {
		t.Errorf("expected the oldest pool environment (%s) to be claimed, got %s", env1.ID, claimed.ID)
	}
}

func TestStageEnvClaimNextNoneAvailable(t *testing.T) {
	s := newTestStore(t)
	p := mustProject(t, s)
	_, _, err := s.StageEnvClaimNext(context.Background(), p.ID, "git-worktree")
	var nf *store.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError when no pool environment matches, got %T: %v", err, err)
	}
}

func TestStageTaskCancelIsIdempotentViaDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s)

	task, _, _, err := s.StageTaskCreate(ctx, p.ID, "claude-code", "git-worktree", "desc")
	if err != nil {
		t.Fatalf("stage task create: %v", err)
	}

	job1, err := s.StageTaskCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	job2, err := s.StageTaskCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if job1.ID != job2.ID {
		t.Errorf("expected repeated cancel requests to collapse onto one job, got %d and %d", job1.ID, job2.ID)
	}

	got, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !got.CancelRequested {
		t.Error("expected cancel_requested to be set")
	}
}

func TestStageEnvRemoveGuardsDoubleRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s)

	env, _, err := s.StageEnvPrepare(ctx, p.ID, "git-worktree")
	if err != nil {
		t.Fatalf("prepare env: %v", err)
	}
	if err := s.SetEnvironmentStatus(ctx, env.ID, store.EnvPreparingPool, store.EnvPool, nil, ""); err != nil {
		t.Fatalf("promote env: %v", err)
	}

	job1, err := s.StageEnvRemove(ctx, env.ID)
	if err != nil {
		t.Fatalf("first remove: %v", err)
	}

	// Now in status "removing"; removing again should dedupe onto the same
	// pending job rather than double-enqueue.
	job2, err := s.StageEnvRemove(ctx, env.ID)
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if job1.ID != job2.ID {
		t.Errorf("expected repeated remove requests to collapse onto one job, got %d and %d", job1.ID, job2.ID)
	}
}

// TestStageEnvRemoveRejectsAlreadyRemoved covers spec.md §3 invariant 3 and
// §8 testable property 5: removing an environment that already reached the
// removed terminal state must not flip it back to removing.
func TestStageEnvRemoveRejectsAlreadyRemoved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s)

	env, _, err := s.StageEnvPrepare(ctx, p.ID, "git-worktree")
	if err != nil {
		t.Fatalf("prepare env: %v", err)
	}
	if err := s.SetEnvironmentStatus(ctx, env.ID, store.EnvPreparingPool, store.EnvRemoved, nil, ""); err != nil {
		t.Fatalf("force env to removed: %v", err)
	}

	_, err = s.StageEnvRemove(ctx, env.ID)
	var conflict *store.ConflictingStateError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictingStateError removing an already-removed environment, got %T: %v", err, err)
	}

	got, err := s.GetEnvironmentByID(ctx, env.ID)
	if err != nil {
		t.Fatalf("get environment: %v", err)
	}
	if got.Status != store.EnvRemoved {
		t.Errorf("expected environment to stay removed, got %s", got.Status)
	}
}

// TestStageEnvRemoveRejectsFailed covers the same reverse-transition guard
// for the failed terminal state.
func TestStageEnvRemoveRejectsFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s)

	env, _, err := s.StageEnvPrepare(ctx, p.ID, "git-worktree")
	if err != nil {
		t.Fatalf("prepare env: %v", err)
	}
	if err := s.SetEnvironmentStatus(ctx, env.ID, store.EnvPreparingPool, store.EnvFailed, nil, "boom"); err != nil {
		t.Fatalf("force env to failed: %v", err)
	}

	_, err = s.StageEnvRemove(ctx, env.ID)
	var conflict *store.ConflictingStateError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictingStateError removing a failed environment, got %T: %v", err, err)
	}
}
