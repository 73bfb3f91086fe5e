// Package trigger implements C5, the TriggerScheduler: it turns cron,
// interval, date, and manual schedule specs into wall-clock fire events
// and posts them to the orchestrator, without ever running task logic
// itself.
//
// Grounded on the teacher's services/orchestrator/scheduler.go (which
// wraps github.com/robfig/cron/v3 for cron expressions and persists
// schedule metadata); robfig/cron's standard parser is reused here purely
// for "what time does this cron expression next fire" so the scheduling
// loop itself stays driven by the injectable clock.Clock for determinism
// in tests, since the upstream library only knows real wall-clock time.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskcore/internal/clock"
	"github.com/swarmguard/taskcore/internal/model"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// FireFunc is invoked with the task id when a job fires. It returns
// nothing, so the scheduler does not learn whether the instance actually
// started; overlap is checked before the call through RunningNow.
type FireFunc func(taskID string)

// RunningNow reports whether taskID currently occupies its single
// execution slot, used to enforce max_instances=1 per job.
type RunningNow func(taskID string) bool

// MisfireFunc is invoked whenever Tick drops a due job instead of firing
// it (grace period elapsed, or the task's single instance slot is already
// occupied), so callers can surface the scheduler_misfire notification.
type MisfireFunc func(jobID, taskID string, scheduledTS time.Time)

// Job is the scheduler-internal record for one trigger instance. A task
// with multiple cron expressions registers one Job per expression, named
// "<task_id>#<i>".
type Job struct {
	JobID      string
	TaskID     string
	Kind       model.ScheduleKind
	cronSched  cron.Schedule
	interval   time.Duration
	date       time.Time
	fired      bool // DATE jobs fire exactly once
	NextFireTS time.Time
	Paused     bool
	Misfires   int
	LastFireTS time.Time
}

// Scheduler holds every registered job and the misfire-grace policy.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*Job
	// taskJobs indexes job ids by task id for trigger_now/pause/resume by task.
	taskJobs map[string][]string

	clock         clock.Clock
	misfireGrace  time.Duration
	onFire        FireFunc
	runningNow    RunningNow
	onMisfire     MisfireFunc

	misfireCounter metric.Int64Counter
	fireCounter    metric.Int64Counter

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithMisfireGrace sets the grace period (spec.md §4.3 "G seconds"):
// a delayed fire is delivered only if now-scheduled <= G.
func WithMisfireGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.misfireGrace = d }
}

// WithClock overrides the clock (default clock.Real{}) — tests inject
// clock.Fake for deterministic fire-time assertions.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMisfireFunc registers a callback invoked for every misfire Tick
// records, bridging into the notification fan-out (spec.md §6's
// scheduler_misfire event) without the scheduler itself depending on the
// notify package.
func WithMisfireFunc(fn MisfireFunc) Option {
	return func(s *Scheduler) { s.onMisfire = fn }
}

// New constructs a Scheduler. onFire is called (never blocking the
// scheduler's internal lock) whenever a job is due and not coalesced;
// runningNow answers the single-instance check.
func New(onFire FireFunc, runningNow RunningNow, meter metric.Meter, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:         make(map[string]*Job),
		taskJobs:     make(map[string][]string),
		clock:        clock.Real{},
		misfireGrace: 60 * time.Second,
		onFire:       onFire,
		runningNow:   runningNow,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if meter != nil {
		s.misfireCounter, _ = meter.Int64Counter("taskcore_scheduler_misfires_total")
		s.fireCounter, _ = meter.Int64Counter("taskcore_scheduler_fires_total")
	}
	return s
}

// AddTask registers every job implied by def.Schedule. Cron schedules
// register one job per expression (task_id#i); Interval and Date
// register a single job; Manual registers none.
func (s *Scheduler) AddTask(def model.TaskDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	switch def.Schedule.Kind {
	case model.ScheduleCron:
		for i, expr := range def.Schedule.CronExpressions {
			sched, err := cronParser.Parse(expr)
			if err != nil {
				return fmt.Errorf("parse cron expression %q: %w", expr, err)
			}
			jobID := fmt.Sprintf("%s#%d", def.TaskID, i)
			job := &Job{
				JobID:      jobID,
				TaskID:     def.TaskID,
				Kind:       model.ScheduleCron,
				cronSched:  sched,
				NextFireTS: sched.Next(now),
			}
			s.registerLocked(job)
		}
	case model.ScheduleInterval:
		d := intervalDuration(def.Schedule)
		start := now.Add(d)
		if def.Schedule.StartDate != nil {
			start = *def.Schedule.StartDate
		}
		job := &Job{
			JobID:      def.TaskID,
			TaskID:     def.TaskID,
			Kind:       model.ScheduleInterval,
			interval:   d,
			NextFireTS: start,
		}
		s.registerLocked(job)
	case model.ScheduleDate:
		job := &Job{
			JobID:      def.TaskID,
			TaskID:     def.TaskID,
			Kind:       model.ScheduleDate,
			date:       def.Schedule.At,
			NextFireTS: def.Schedule.At,
			fired:      def.Schedule.At.Before(now), // no-op if already in the past at start
		}
		s.registerLocked(job)
	case model.ScheduleManual:
		// No jobs: tasks with a manual schedule are only triggered via
		// submit_now.
	}
	return nil
}

func intervalDuration(sch model.Schedule) time.Duration {
	return time.Duration(sch.Weeks)*7*24*time.Hour +
		time.Duration(sch.Days)*24*time.Hour +
		time.Duration(sch.Hours)*time.Hour +
		time.Duration(sch.Minutes)*time.Minute +
		time.Duration(sch.Seconds)*time.Second
}

func (s *Scheduler) registerLocked(job *Job) {
	s.jobs[job.JobID] = job
	s.taskJobs[job.TaskID] = append(s.taskJobs[job.TaskID], job.JobID)
}

// RemoveTask unregisters every job belonging to taskID.
func (s *Scheduler) RemoveTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, jobID := range s.taskJobs[taskID] {
		delete(s.jobs, jobID)
	}
	delete(s.taskJobs, taskID)
}

// PauseTask suppresses firing for every job of taskID.
func (s *Scheduler) PauseTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, jobID := range s.taskJobs[taskID] {
		if j, ok := s.jobs[jobID]; ok {
			j.Paused = true
		}
	}
}

// ResumeTask restores firing for every job of taskID. Cron and interval
// jobs whose next fire time passed while paused move to their next fire
// time after now, so fires suppressed by the pause are not counted as
// misfires.
func (s *Scheduler) ResumeTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, jobID := range s.taskJobs[taskID] {
		if j, ok := s.jobs[jobID]; ok {
			j.Paused = false
			if j.Kind != model.ScheduleDate && !j.NextFireTS.After(now) {
				s.advanceLocked(j, now)
			}
		}
	}
}

// TriggerNow sets every non-paused job of taskID to fire immediately on
// the next Tick.
func (s *Scheduler) TriggerNow(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, jobID := range s.taskJobs[taskID] {
		if j, ok := s.jobs[jobID]; ok && !j.Paused {
			j.NextFireTS = now
			j.fired = false
		}
	}
}

// ScheduleOnce registers (or replaces) a one-shot DATE job for taskID at
// the given time, independent of any schedule the task was admitted with.
// Used for retry resubmission (spec.md §4.6): the delay before the next
// attempt is expressed as a one-off fire rather than mutating the task's
// original schedule.
func (s *Scheduler) ScheduleOnce(taskID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID := taskID + "#retry"
	if _, exists := s.jobs[jobID]; !exists {
		s.taskJobs[taskID] = append(s.taskJobs[taskID], jobID)
	}
	s.jobs[jobID] = &Job{
		JobID:      jobID,
		TaskID:     taskID,
		Kind:       model.ScheduleDate,
		date:       at,
		NextFireTS: at,
	}
}

// GetJobInfo returns a copy of the named job, if it exists.
func (s *Scheduler) GetJobInfo(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Stats summarizes scheduler state for the control surface.
type Stats struct {
	TotalJobs     int
	PausedJobs    int
	TotalMisfires int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{TotalJobs: len(s.jobs)}
	for _, j := range s.jobs {
		if j.Paused {
			st.PausedJobs++
		}
		st.TotalMisfires += j.Misfires
	}
	return st
}

// misfireEvent is one dropped fire, recorded under s.mu and dispatched to
// onMisfire after the lock is released.
type misfireEvent struct {
	jobID       string
	taskID      string
	scheduledTS time.Time
}

// Tick evaluates every job against now and fires (or coalesces/drops) the
// ones that are due. It is the deterministic core invoked both by the
// background Run loop and directly by tests.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	var toFire []*Job
	var misfires []misfireEvent
	jobIDs := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		jobIDs = append(jobIDs, id)
	}
	sort.Strings(jobIDs) // deterministic fire order across jobs at the same instant
	for _, id := range jobIDs {
		j := s.jobs[id]
		if j.Paused || j.NextFireTS.After(now) {
			continue
		}
		if j.Kind == model.ScheduleDate && j.fired {
			continue
		}

		scheduledTS := j.NextFireTS
		age := now.Sub(scheduledTS)
		if age > s.misfireGrace {
			slog.Warn("scheduler misfire: grace period elapsed", "job_id", j.JobID, "scheduled", scheduledTS)
			j.Misfires++
			if s.misfireCounter != nil {
				s.misfireCounter.Add(context.Background(), 1)
			}
			misfires = append(misfires, misfireEvent{jobID: j.JobID, taskID: j.TaskID, scheduledTS: scheduledTS})
			s.advanceLocked(j, now)
			continue
		}

		if s.runningNow != nil && s.runningNow(j.TaskID) {
			slog.Warn("scheduler misfire: instance already running", "job_id", j.JobID, "task_id", j.TaskID)
			j.Misfires++
			if s.misfireCounter != nil {
				s.misfireCounter.Add(context.Background(), 1)
			}
			misfires = append(misfires, misfireEvent{jobID: j.JobID, taskID: j.TaskID, scheduledTS: scheduledTS})
			s.advanceLocked(j, now)
			continue
		}

		j.LastFireTS = now
		toFire = append(toFire, j)
		s.advanceLocked(j, now)
	}
	s.mu.Unlock()

	for _, m := range misfires {
		if s.onMisfire != nil {
			s.onMisfire(m.jobID, m.taskID, m.scheduledTS)
		}
	}
	for _, j := range toFire {
		if s.fireCounter != nil {
			s.fireCounter.Add(context.Background(), 1)
		}
		if s.onFire != nil {
			s.onFire(j.TaskID)
		}
	}
}

func (s *Scheduler) advanceLocked(j *Job, now time.Time) {
	switch j.Kind {
	case model.ScheduleCron:
		j.NextFireTS = j.cronSched.Next(now)
	case model.ScheduleInterval:
		next := j.NextFireTS.Add(j.interval)
		for !next.After(now) {
			next = next.Add(j.interval)
		}
		j.NextFireTS = next
	case model.ScheduleDate:
		j.fired = true
	}
}

// Run polls Tick on pollInterval until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context, pollInterval time.Duration) {
	defer close(s.doneCh)
	timer := s.clock.NewTimer(pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C():
			s.Tick(s.clock.Now())
			timer = s.clock.NewTimer(pollInterval)
		}
	}
}

// Stop halts the Run loop and waits for it to exit.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}
