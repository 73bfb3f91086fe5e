package manager

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/taskcore/internal/clock"
	"github.com/swarmguard/taskcore/internal/depgraph"
	"github.com/swarmguard/taskcore/internal/model"
	"github.com/swarmguard/taskcore/internal/notify"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/resources"
	"github.com/swarmguard/taskcore/internal/statestore"
	"github.com/swarmguard/taskcore/internal/worker"
)

type stubExecutor struct {
	runFn func(rc registry.RunContext) (model.Result, error)
}

func (s *stubExecutor) Run(rc registry.RunContext) (model.Result, error) { return s.runFn(rc) }
func (s *stubExecutor) Cancel()                                         {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}

type testHarness struct {
	m        *Manager
	fc       *clock.Fake
	store    *statestore.Store
	recorder *notify.Recorder
}

func newHarness(t *testing.T, start time.Time) *testHarness {
	t.Helper()
	fc := clock.NewFake(start)
	dir := t.TempDir()
	store, err := statestore.Open(filepath.Join(dir, "state.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	budget := resources.New(resources.DefaultPools(), nil)
	graph := depgraph.New(budget)
	reg := registry.New()
	pool := worker.New(4, 16, nil)
	rec := &notify.Recorder{}

	m := New(Config{
		Graph:    graph,
		Budget:   budget,
		Registry: reg,
		Store:    store,
		Pool:     pool,
		Notifier: rec,
		Clock:    fc,
	})
	return &testHarness{m: m, fc: fc, store: store, recorder: rec}
}

func (h *testHarness) register(taskType string, factory registry.Factory) {
	h.m.reg.Register(taskType, factory, nil)
}

func baseDef(id string) model.TaskDefinition {
	return model.TaskDefinition{
		TaskID:   id,
		TaskType: "stub",
		Enabled:  true,
		Priority: 5,
		Schedule: model.Schedule{Kind: model.ScheduleManual},
		RetryPolicy: model.RetryPolicy{
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            0,
		},
		TimeoutMS: 60_000,
	}
}

// TestRetryWithBackoff reproduces spec.md §8 scenario 5: the executor
// returns TIMEOUT twice then succeeds; attempt 1 at t=0, attempt 2 at
// t≈1s, attempt 3 at t≈3s, ending COMPLETED with attempts=3.
func TestRetryWithBackoff(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	var mu sync.Mutex
	calls := 0
	h.register("stub", func(id string, params map[string]any, services any) (registry.Executor, error) {
		return &stubExecutor{runFn: func(rc registry.RunContext) (model.Result, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return model.Result{OK: false, Error: "timeout", ErrorKind: model.ErrTimeout}, nil
			}
			return model.Result{OK: true}, nil
		}}, nil
	})

	def := baseDef("flaky")
	if errs := h.m.AddTaskDefinition(context.Background(), def); len(errs) != 0 {
		t.Fatalf("admit: %v", errs)
	}

	h.m.SubmitNow(context.Background(), "flaky")
	waitFor(t, func() bool {
		_, pending := h.m.RetryJobInfo("flaky")
		return pending
	})

	h.fc.Advance(time.Second)
	h.m.Tick(h.fc.Now())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
	waitFor(t, func() bool {
		job, pending := h.m.RetryJobInfo("flaky")
		return pending && job.NextFireTS.After(h.fc.Now())
	})

	h.fc.Advance(2 * time.Second)
	h.m.Tick(h.fc.Now())
	waitFor(t, func() bool {
		rec, found, _ := h.store.Load(context.Background(), "flaky")
		return found && rec.Status == model.StatusCompleted
	})

	rec, _, _ := h.store.Load(context.Background(), "flaky")
	if rec.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", rec.Attempts)
	}
}

// TestOrphanReclamation reproduces spec.md §8 scenario 7: a task
// persisted as RUNNING before a restart is reclassified FAILED on Start,
// counted as an attempt, and never auto-resumed.
func TestOrphanReclamation(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	called := false
	h.register("stub", func(id string, params map[string]any, services any) (registry.Executor, error) {
		return &stubExecutor{runFn: func(rc registry.RunContext) (model.Result, error) {
			called = true
			return model.Result{OK: true}, nil
		}}, nil
	})

	def := baseDef("orphan")
	def.RetryPolicy.MaxAttempts = 1 // exhausted after the orphaned attempt
	ctx := context.Background()
	if errs := h.m.AddTaskDefinition(ctx, def); len(errs) != 0 {
		t.Fatalf("admit: %v", errs)
	}

	running := model.StatusRunning
	attempts := 1 // mark_running already incremented attempts before the process died
	_, _ = h.store.Update(ctx, "orphan", statestore.Delta{Status: &running, Attempts: &attempts}, false)

	if err := h.m.Start(ctx, time.Hour); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.m.Stop()

	rec, found, _ := h.store.Load(ctx, "orphan")
	if !found {
		t.Fatalf("expected record to exist")
	}
	if rec.Status != model.StatusFailed {
		t.Fatalf("expected orphaned task reclassified FAILED, got %s", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Fatalf("expected orphaned restart counted as 1 attempt, got %d", rec.Attempts)
	}
	if called {
		t.Fatalf("orphaned task must never be auto-resumed")
	}
}

// TestConcurrentSubmitNowIsSingleInstance reproduces spec.md §8 scenario
// 6: two admission attempts for the same task fired back-to-back (as
// trigger.Scheduler's Tick does when two jobs of one task are due at the
// same instant) must never
// both reach the worker pool, satisfying I6.
func TestConcurrentSubmitNowIsSingleInstance(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	release := make(chan struct{})
	h.register("stub", func(id string, params map[string]any, services any) (registry.Executor, error) {
		return &stubExecutor{runFn: func(rc registry.RunContext) (model.Result, error) {
			mu.Lock()
			running++
			if running > maxConcurrent {
				maxConcurrent = running
			}
			mu.Unlock()
			<-release
			mu.Lock()
			running--
			mu.Unlock()
			return model.Result{OK: true}, nil
		}}, nil
	})

	def := baseDef("single")
	ctx := context.Background()
	if errs := h.m.AddTaskDefinition(ctx, def); len(errs) != 0 {
		t.Fatalf("admit: %v", errs)
	}

	h.m.SubmitNow(ctx, "single")
	h.m.SubmitNow(ctx, "single")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 1
	})
	close(release)

	waitFor(t, func() bool {
		st, ok := h.m.Status("single")
		return ok && st.Status == model.StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 1 {
		t.Fatalf("expected at most 1 concurrent instance, saw %d", maxConcurrent)
	}
}

// TestSchedulerMisfireNotified verifies an overlapping scheduler fire
// (the task's interval elapses again before the prior run finishes)
// reaches the notifier as a scheduler_misfire event, per spec.md §6.
func TestSchedulerMisfireNotified(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	release := make(chan struct{})
	h.register("stub", func(id string, params map[string]any, services any) (registry.Executor, error) {
		return &stubExecutor{runFn: func(rc registry.RunContext) (model.Result, error) {
			<-release
			return model.Result{OK: true}, nil
		}}, nil
	})

	def := baseDef("ticking")
	def.Schedule = model.Schedule{Kind: model.ScheduleInterval, Minutes: 1}
	ctx := context.Background()
	if errs := h.m.AddTaskDefinition(ctx, def); len(errs) != 0 {
		t.Fatalf("admit: %v", errs)
	}

	h.fc.Advance(time.Minute)
	h.m.Tick(h.fc.Now())
	waitFor(t, func() bool {
		st, ok := h.m.Status("ticking")
		return ok && st.Status == model.StatusRunning
	})

	h.fc.Advance(time.Minute)
	h.m.Tick(h.fc.Now())

	ev, err := h.recorder.Last(notify.EventSchedulerMisfire)
	if err != nil {
		t.Fatalf("expected a scheduler_misfire notification: %v", err)
	}
	if ev.TaskID != "ticking" || ev.JobID == "" {
		t.Fatalf("unexpected misfire event: %+v", ev)
	}

	close(release)
	waitFor(t, func() bool {
		st, ok := h.m.Status("ticking")
		return ok && st.Status == model.StatusCompleted
	})
}

// TestDiamondCompletesAllTasks exercises the full admit/reserve/run/
// observe/release lifecycle across a small dependency graph.
func TestDiamondCompletesAllTasks(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	h.register("stub", func(id string, params map[string]any, services any) (registry.Executor, error) {
		return &stubExecutor{runFn: func(rc registry.RunContext) (model.Result, error) {
			return model.Result{OK: true}, nil
		}}, nil
	})

	ctx := context.Background()
	a, b, c, d := baseDef("A"), baseDef("B"), baseDef("C"), baseDef("D")
	b.Dependencies = []model.DependencyEdge{{FromTaskID: "A", Kind: model.EdgeRequired}}
	c.Dependencies = []model.DependencyEdge{{FromTaskID: "A", Kind: model.EdgeRequired}}
	d.Dependencies = []model.DependencyEdge{{FromTaskID: "B", Kind: model.EdgeRequired}, {FromTaskID: "C", Kind: model.EdgeRequired}}

	for _, def := range []model.TaskDefinition{a, b, c, d} {
		if errs := h.m.AddTaskDefinition(ctx, def); len(errs) != 0 {
			t.Fatalf("admit %s: %v", def.TaskID, errs)
		}
	}

	h.m.SubmitNow(ctx, "A")
	waitFor(t, func() bool {
		st := h.m.ListStatuses()
		return st["A"] == model.StatusCompleted && st["B"] == model.StatusCompleted &&
			st["C"] == model.StatusCompleted && st["D"] == model.StatusCompleted
	})

	if _, err := h.recorder.Last(notify.EventTaskComplete); err != nil {
		t.Fatalf("expected task_complete notifications: %v", err)
	}
}
