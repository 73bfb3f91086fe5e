// Package manager implements C8, the TaskManager orchestrator: it wires
// the DependencyEngine, ResourceBudget, TriggerScheduler, ExecutorRegistry,
// StateStore, WorkerPool, and Notifier together and drives the per-instance
// lifecycle (admit, reserve, mark running, execute, observe, release).
//
// Grounded on the teacher's services/orchestrator/main.go (wiring every
// subsystem into one long-lived process) and dag_engine.go's
// executeDAG/worker/coordinator split, generalized from one-shot workflow
// runs to a long-lived scheduler-driven loop that keeps re-scanning the
// ready set as tasks complete.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskcore/internal/clock"
	"github.com/swarmguard/taskcore/internal/depgraph"
	"github.com/swarmguard/taskcore/internal/model"
	"github.com/swarmguard/taskcore/internal/notify"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/resources"
	"github.com/swarmguard/taskcore/internal/statestore"
	"github.com/swarmguard/taskcore/internal/trigger"
	"github.com/swarmguard/taskcore/internal/worker"
)

// Config bundles every collaborator the manager needs. Services is an
// opaque bag (HTTP client, NATS conn, …) handed to executor factories.
type Config struct {
	Graph           *depgraph.Engine
	Budget          *resources.Budget
	Registry        *registry.Registry
	Store           *statestore.Store
	Pool            *worker.Pool
	Notifier        notify.Notifier
	Clock           clock.Clock
	Services        any
	MisfireGrace    time.Duration
	ShutdownTimeout time.Duration
	Meter           metric.Meter
}

// Manager is the single coordination point for task admission, execution,
// and lifecycle transitions.
type Manager struct {
	graph    *depgraph.Engine
	budget   *resources.Budget
	reg      *registry.Registry
	store    *statestore.Store
	pool     *worker.Pool
	notifier notify.Notifier
	clk      clock.Clock
	services any
	sched    *trigger.Scheduler

	shutdownTimeout time.Duration

	mu      sync.Mutex
	defs    map[string]model.TaskDefinition
	cancels map[string]context.CancelFunc

	schedulerCtx    context.Context
	schedulerCancel context.CancelFunc

	cancellations metric.Int64Counter
}

// New constructs a Manager and its internal TriggerScheduler, wired so
// scheduler fires call back into the manager's admission path.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	m := &Manager{
		graph:           cfg.Graph,
		budget:          cfg.Budget,
		reg:             cfg.Registry,
		store:           cfg.Store,
		pool:            cfg.Pool,
		notifier:        cfg.Notifier,
		clk:             cfg.Clock,
		services:        cfg.Services,
		shutdownTimeout: cfg.ShutdownTimeout,
		defs:            make(map[string]model.TaskDefinition),
		cancels:         make(map[string]context.CancelFunc),
	}
	opts := []trigger.Option{trigger.WithClock(cfg.Clock), trigger.WithMisfireFunc(m.onSchedulerMisfire)}
	if cfg.MisfireGrace > 0 {
		opts = append(opts, trigger.WithMisfireGrace(cfg.MisfireGrace))
	}
	m.sched = trigger.New(m.onFire, m.isRunning, cfg.Meter, opts...)
	if cfg.Meter != nil {
		m.cancellations, _ = cfg.Meter.Int64Counter("taskcore_task_cancellations_total")
	}
	return m
}

// AddTaskDefinition validates and admits def: it registers the task with
// the DependencyEngine, the scheduler, and creates its StateStore record.
func (m *Manager) AddTaskDefinition(ctx context.Context, def model.TaskDefinition) []error {
	if errs := m.reg.Validate(def); len(errs) > 0 {
		return errs
	}
	if err := m.graph.AddTask(def); err != nil {
		return []error{err}
	}
	if err := m.sched.AddTask(def); err != nil {
		_ = m.graph.RemoveTask(def.TaskID)
		return []error{err}
	}
	if rec, found, err := m.store.Load(ctx, def.TaskID); err != nil {
		return []error{err}
	} else if !found {
		if err := m.store.Create(ctx, def.TaskID, def.TaskType); err != nil {
			return []error{err}
		}
	} else {
		_ = rec // pre-existing record from a previous process lifetime is kept as-is
	}

	m.mu.Lock()
	m.defs[def.TaskID] = def
	m.mu.Unlock()
	return nil
}

// RemoveTask unregisters a task from the graph and scheduler.
func (m *Manager) RemoveTask(id string) error {
	m.mu.Lock()
	delete(m.defs, id)
	m.mu.Unlock()
	m.sched.RemoveTask(id)
	return m.graph.RemoveTask(id)
}

func (m *Manager) getDef(id string) (model.TaskDefinition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	return d, ok
}

func (m *Manager) isRunning(id string) bool {
	n, ok := m.graph.Node(id)
	return ok && n.Status.IsRunningLike()
}

// Start performs startup reconciliation (reclassify orphaned RUNNING
// records as FAILED, without auto-resuming them) and starts the scheduler
// poll loop.
func (m *Manager) Start(ctx context.Context, pollInterval time.Duration) error {
	runningIDs, err := m.store.RunningIDs(ctx)
	if err != nil {
		return fmt.Errorf("start: load running ids: %w", err)
	}
	for id := range runningIDs {
		m.reclassifyOrphan(ctx, id)
	}
	if cycles := m.graph.CheckCycles(); len(cycles) > 0 {
		return fmt.Errorf("start: dependency graph contains a cycle: %v", cycles[0])
	}

	m.schedulerCtx, m.schedulerCancel = context.WithCancel(context.Background())
	go m.sched.Run(m.schedulerCtx, pollInterval)
	m.scanReady(ctx)
	return nil
}

func (m *Manager) reclassifyOrphan(ctx context.Context, id string) {
	slog.Warn("reclassifying orphaned running task as failed on startup", "task_id", id)
	failed := model.StatusFailed
	rec, found, _ := m.store.Load(ctx, id)
	attempts := rec.Attempts
	if !found || attempts == 0 {
		attempts = 1
	}
	result := &model.Result{OK: false, Error: "orphaned: process restarted while task was running", ErrorKind: model.ErrExecutor}
	_, _ = m.store.Update(ctx, id, statestore.Delta{Status: &failed, Attempts: &attempts, LastResult: result, Note: "orphaned"}, true)
	m.graph.MarkFailed(id, result)

	def, ok := m.getDef(id)
	if !ok {
		return
	}
	if ok, delay := m.shouldRetry(def, result.ErrorKind, attempts); ok {
		m.scheduleRetry(ctx, id, delay)
	}
}

// Stop halts the scheduler, cancels every running task, and waits up to
// shutdownTimeout for workers to drain.
func (m *Manager) Stop() error {
	if m.schedulerCancel != nil {
		m.sched.Stop()
		m.schedulerCancel()
	}

	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, c := range m.cancels {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()
	return m.pool.Drain(ctx)
}

// SubmitNow bypasses the scheduler and immediately attempts admission.
func (m *Manager) SubmitNow(ctx context.Context, id string) {
	m.tryAdmitAndRun(ctx, id)
}

// Cancel marks id cancelled and fires its cancellation token, if running.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	if m.cancellations != nil {
		m.cancellations.Add(context.Background(), 1)
	}
	return true
}

// onFire is the scheduler's FireFunc: it attempts admission for id.
func (m *Manager) onFire(id string) {
	m.tryAdmitAndRun(context.Background(), id)
}

// onSchedulerMisfire is the scheduler's MisfireFunc: it bridges a dropped
// fire into the scheduler_misfire notification spec.md §6 requires.
func (m *Manager) onSchedulerMisfire(jobID, taskID string, scheduledTS time.Time) {
	m.notifier.Notify(context.Background(), notify.Event{
		Kind:        notify.EventSchedulerMisfire,
		TaskID:      taskID,
		At:          m.clk.Now(),
		JobID:       jobID,
		ScheduledTS: scheduledTS,
	})
}

func (m *Manager) setCancel(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
}

func (m *Manager) clearCancel(id string) {
	m.mu.Lock()
	delete(m.cancels, id)
	m.mu.Unlock()
}

// tryAdmitAndRun implements the Admit + Reserve steps of the per-instance
// lifecycle (spec.md §4.5 steps 1-2); on success it submits the remaining
// steps (mark running, execute, observe, release) to the worker pool.
func (m *Manager) tryAdmitAndRun(ctx context.Context, id string) {
	def, ok := m.getDef(id)
	if !ok {
		slog.Warn("fire for unknown task dropped", "task_id", id)
		return
	}

	rec, found, err := m.store.Load(ctx, id)
	if err != nil {
		slog.Error("admit: state load failed", "task_id", id, "error", err)
		return
	}
	if found && rec.Attempts >= def.RetryPolicy.MaxAttempts && rec.Status.IsTerminal() {
		slog.Info("admit dropped: attempts exhausted", "task_id", id)
		return
	}
	if !m.graph.TryReserve(id) {
		slog.Debug("admit dropped: not ready or insufficient resources", "task_id", id)
		return
	}

	accepted := m.pool.TrySubmit(func() { m.runInstance(def) })
	if !accepted {
		m.graph.Unreserve(id)
		slog.Warn("admit dropped: worker pool saturated", "task_id", id)
	}
}

// runInstance executes steps 3-6 of the per-instance lifecycle on a pool
// worker: mark running, execute, observe completion, then release
// resources unconditionally (I5).
func (m *Manager) runInstance(def model.TaskDefinition) {
	ctx := context.Background()
	id := def.TaskID

	defer m.budget.Release(id)

	rec, _, _ := m.store.Load(ctx, id)
	attempt := rec.Attempts + 1

	running := model.StatusRunning
	progress := 0.0
	_, _ = m.store.Update(ctx, id, statestore.Delta{Status: &running, Progress: &progress, Attempts: &attempt, Note: "running"}, true)
	m.notifier.Notify(ctx, notify.Event{Kind: notify.EventTaskStart, TaskID: id, At: m.clk.Now(), Attempt: attempt})

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(def.TimeoutMS)*time.Millisecond)
	m.setCancel(id, cancel)
	defer func() {
		cancel()
		m.clearCancel(id)
	}()

	start := m.clk.Now()
	executor, err := m.reg.New(def, m.services)
	var result model.Result
	if err != nil {
		result = model.Result{OK: false, Error: err.Error(), ErrorKind: model.ErrConfig}
	} else {
		rc := registry.RunContext{
			Context: runCtx,
			TaskID:  id,
			RunID:   uuid.NewString(),
			Attempt: attempt,
			ReportProgress: func(fraction float64, message string) {
				f := fraction
				_, _ = m.store.Update(ctx, id, statestore.Delta{Progress: &f, Note: message}, false)
				m.notifier.Notify(ctx, notify.Event{Kind: notify.EventTaskProgress, TaskID: id, At: m.clk.Now(), Progress: fraction, Message: message})
			},
			EmitMetadata: func(key string, value any) {
				slog.Debug("task metadata", "task_id", id, key, value)
			},
		}
		result, err = executor.Run(rc)
	}
	duration := m.clk.Now().Sub(start)

	switch {
	case runCtx.Err() == context.Canceled && (err != nil || !result.OK):
		m.observeCancelled(ctx, def, attempt)
	case result.OK && err == nil:
		m.observeSuccess(ctx, def, result, duration)
	default:
		m.observeFailure(ctx, def, result, err, runCtx.Err(), attempt)
	}

	m.scanReady(ctx)
}

func (m *Manager) observeCancelled(ctx context.Context, def model.TaskDefinition, attempt int) {
	id := def.TaskID
	cancelled := model.StatusCancelled
	result := &model.Result{OK: false, Error: "cancelled", ErrorKind: model.ErrCancelled}
	_, _ = m.store.Update(ctx, id, statestore.Delta{Status: &cancelled, Attempts: &attempt, LastResult: result, Note: "cancelled"}, true)
	m.graph.MarkFailed(id, result)
	m.notifier.Notify(ctx, notify.Event{Kind: notify.EventTaskCancelled, TaskID: id, At: m.clk.Now(), Attempt: attempt})
}

func (m *Manager) observeSuccess(ctx context.Context, def model.TaskDefinition, result model.Result, duration time.Duration) {
	id := def.TaskID
	completed := model.StatusCompleted
	progress := 1.0
	r := result
	_, _ = m.store.Update(ctx, id, statestore.Delta{Status: &completed, Progress: &progress, LastResult: &r, Note: "completed"}, true)
	m.graph.MarkCompleted(id, &r)
	m.notifier.Notify(ctx, notify.Event{Kind: notify.EventTaskComplete, TaskID: id, At: m.clk.Now(), DurationMS: duration.Milliseconds()})
}

func (m *Manager) observeFailure(ctx context.Context, def model.TaskDefinition, result model.Result, runErr, ctxErr error, attempt int) {
	id := def.TaskID

	kind := result.ErrorKind
	errMsg := result.Error
	if ctxErr == context.DeadlineExceeded {
		kind = model.ErrTimeout
		errMsg = "deadline exceeded"
	} else if kind == "" && runErr != nil {
		kind = model.KindOf(runErr)
		errMsg = runErr.Error()
	}
	r := &model.Result{OK: false, Error: errMsg, ErrorKind: kind}

	if retry, delay := m.shouldRetry(def, kind, attempt); retry {
		pending := model.StatusPending
		_, _ = m.store.Update(ctx, id, statestore.Delta{Status: &pending, LastResult: r, Note: "retry scheduled"}, true)
		m.graph.Reset(id)
		m.scheduleRetry(ctx, id, delay)
		return
	}

	failed := model.StatusFailed
	_, _ = m.store.Update(ctx, id, statestore.Delta{Status: &failed, LastResult: r, Note: "failed"}, true)
	m.graph.MarkFailed(id, r)
	m.notifier.Notify(ctx, notify.Event{Kind: notify.EventTaskError, TaskID: id, At: m.clk.Now(), Attempt: attempt, Message: errMsg})
}

// shouldRetry implements spec.md §4.6: non-retryable kinds skip retry
// regardless of max_attempts; otherwise retry while attempt < max_attempts.
func (m *Manager) shouldRetry(def model.TaskDefinition, kind model.ErrorKind, attempt int) (bool, time.Duration) {
	if !kind.Retryable() {
		return false, 0
	}
	if attempt >= def.RetryPolicy.MaxAttempts {
		return false, 0
	}
	return true, backoffDelay(def.RetryPolicy, attempt+1)
}

// backoffDelay computes the delay before attempt n (n >= 2) per spec.md
// §4.6: min(max_delay, base_delay * multiplier^(n-2)), then applies
// uniform jitter in [d*(1-jitter), d*(1+jitter)] clamped to >= 0.
func backoffDelay(rp model.RetryPolicy, n int) time.Duration {
	if n < 2 {
		n = 2
	}
	exp := n - 2
	d := float64(rp.BaseDelay)
	for i := 0; i < exp; i++ {
		d *= rp.BackoffMultiplier
	}
	if cap := float64(rp.MaxDelay); rp.MaxDelay > 0 && d > cap {
		d = cap
	}
	if rp.Jitter > 0 {
		lo := d * (1 - rp.Jitter)
		hi := d * (1 + rp.Jitter)
		if lo < 0 {
			lo = 0
		}
		d = lo + rand.Float64()*(hi-lo)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (m *Manager) scheduleRetry(ctx context.Context, id string, delay time.Duration) {
	at := m.clk.Now().Add(delay)
	m.sched.ScheduleOnce(id, at)
}

// scanReady submits every currently ready task to the pool; called after
// every completion/failure per spec.md §4.5's orchestration loop.
func (m *Manager) scanReady(ctx context.Context) {
	for _, id := range m.graph.ReadySet() {
		m.tryAdmitAndRun(ctx, id)
	}
}

// Status returns the graph's current view of id.
func (m *Manager) Status(id string) (model.TaskNode, bool) {
	return m.graph.Node(id)
}

// ListStatuses returns every admitted task's current status.
func (m *Manager) ListStatuses() map[string]model.Status {
	return m.graph.Snapshot()
}

// SchedulerStats exposes the scheduler's job/misfire counters.
func (m *Manager) SchedulerStats() trigger.Stats {
	return m.sched.Stats()
}

// ResourceStatus exposes the budget's per-pool allocation snapshot.
func (m *Manager) ResourceStatus() map[string]resources.Snapshot {
	return m.budget.Status()
}

// ExecutionOrder exposes the graph's Kahn's-algorithm layering.
func (m *Manager) ExecutionOrder() ([]depgraph.Layer, error) {
	return m.graph.ExecutionLayers()
}

// CheckCycles exposes the graph's cycle detector.
func (m *Manager) CheckCycles() []depgraph.Cycle {
	return m.graph.CheckCycles()
}

// AddDependency exposes the graph's edge admission, rejecting cycles.
func (m *Manager) AddDependency(from, to string, kind model.EdgeKind, pred model.Predicate) error {
	return m.graph.AddEdge(from, to, kind, pred)
}

// Tick drives the scheduler's due-job evaluation directly, bypassing the
// background poll loop; used by tests that inject a fake clock.
func (m *Manager) Tick(now time.Time) {
	m.sched.Tick(now)
}

// RetryJobInfo reports whether a one-shot retry job is currently pending
// for id, for tests synchronizing against asynchronous retry scheduling.
func (m *Manager) RetryJobInfo(id string) (trigger.Job, bool) {
	return m.sched.GetJobInfo(id + "#retry")
}
