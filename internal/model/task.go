// Package model holds the data types shared across the dependency engine,
// scheduler, worker pool, and state store: task definitions, the runtime
// task node, and the wire-level error kinds used throughout the core.
package model

import "time"

// Status is the lifecycle state of a task instance.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
	StatusReviewRequired  Status = "REVIEW_REQUIRED"
	StatusReviewing       Status = "REVIEWING"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
)

// IsTerminal reports whether no further transition out of status occurs
// without external intervention (submit_now / resubmit_after_delay).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// IsRunningLike reports whether status occupies the single-instance slot
// per invariant I6 (RUNNING or REVIEWING).
func (s Status) IsRunningLike() bool {
	return s == StatusRunning || s == StatusReviewing
}

// ReadyEquivalent maps the reserved human-in-the-loop statuses onto the
// readiness semantics spec.md §9 assigns them: APPROVED behaves like
// COMPLETED and REJECTED like FAILED for dependency satisfaction.
func (s Status) ReadyEquivalent() Status {
	switch s {
	case StatusApproved:
		return StatusCompleted
	case StatusRejected:
		return StatusFailed
	default:
		return s
	}
}

// EdgeKind is the type of a dependency edge between two tasks.
type EdgeKind string

const (
	EdgeRequired    EdgeKind = "REQUIRED"
	EdgeOptional    EdgeKind = "OPTIONAL"
	EdgeConditional EdgeKind = "CONDITIONAL"
)

// Predicate evaluates a dependency's completed-task-results against an
// arbitrary condition. Supplied only for CONDITIONAL edges, optionally for
// REQUIRED ones.
type Predicate func(results map[string]*Result) bool

// DependencyEdge is a directed edge FromTaskID -> the task that owns it.
type DependencyEdge struct {
	FromTaskID string
	Kind       EdgeKind
	Predicate  Predicate
	TimeoutMS  int64
}

// ScheduleKind discriminates the tagged schedule union.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "CRON"
	ScheduleInterval ScheduleKind = "INTERVAL"
	ScheduleDate     ScheduleKind = "DATE"
	ScheduleManual   ScheduleKind = "MANUAL"
)

// Schedule is a tagged union over the four trigger kinds spec.md §3/§4.3
// define. Exactly one of the kind-specific fields is meaningful, selected
// by Kind.
type Schedule struct {
	Kind ScheduleKind

	// CRON
	CronExpressions []string

	// INTERVAL
	Weeks, Days, Hours, Minutes, Seconds int
	StartDate                            *time.Time

	// DATE
	At time.Time
}

// RetryPolicy governs attempt counting and backoff for a task.
type RetryPolicy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BackoffMultiplier float64
	Jitter           float64 // in [0,1]
}

// DefaultRetryPolicy mirrors the teacher's orchestrator default
// (3 attempts, 100ms base, 5s cap, x2 backoff) adapted to spec.md's
// field names and bounds (jitter added, multiplier floor of 1).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0,
	}
}

// TaskDefinition is the immutable admission record for a task.
type TaskDefinition struct {
	TaskID               string
	TaskType             string
	Enabled              bool
	Priority             int // 1..10
	Schedule             Schedule
	Dependencies         []DependencyEdge
	ResourceRequirements map[string]float64
	RetryPolicy          RetryPolicy
	TimeoutMS            int64
	ExecutorParams       map[string]any
}

// Result is the outcome of one task attempt, handed to dependency
// predicates and persisted into TaskState metadata.
type Result struct {
	OK        bool
	Output    map[string]any
	Error     string
	ErrorKind ErrorKind
}

// TaskNode is the runtime wrapper the DependencyEngine owns: a
// TaskDefinition plus execution bookkeeping and the automatically
// maintained reverse-edge list.
type TaskNode struct {
	Def               TaskDefinition
	Dependents        []string // task ids that depend on this node
	Status            Status
	LastResult        *Result
	LastExecutionTS   time.Time
	ExecutionTimeMS   int64
	AdmittedAt        time.Time
}
