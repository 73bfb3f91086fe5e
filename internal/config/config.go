// Package config loads the process-wide Global settings (defaults, resource
// pool totals, retention policy) and per-task TaskDefinition documents
// from JSON, expanding ${NAME} environment-variable references the way
// spec.md §6 describes.
//
// Grounded on the teacher's plain encoding/json usage throughout
// services/orchestrator (Task, Workflow, WorkflowExecution are all
// JSON-tagged structs with no config framework); this module follows the
// same convention rather than introducing a YAML/viper dependency the
// pack never reaches for.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/swarmguard/taskcore/internal/model"
	"github.com/swarmguard/taskcore/internal/statestore"
)

// Global holds process-wide defaults not carried per task.
type Global struct {
	MaxWorkers          int                        `json:"max_workers"`
	QueueCapacity       int                        `json:"queue_capacity"`
	ResourcePools       map[string]float64         `json:"resource_pools"`
	DefaultRetryPolicy  model.RetryPolicy          `json:"default_retry_policy"`
	RetentionDays       int                        `json:"retention_days"`
	RetentionStrategy   map[string]string          `json:"retention_strategy"`
	MisfireGraceSeconds int                        `json:"misfire_grace_seconds"`
	SchedulerPollMS     int                        `json:"scheduler_poll_ms"`
	ShutdownTimeoutSec  int                        `json:"shutdown_timeout_seconds"`
	StateDBPath         string                     `json:"state_db_path"`
	NATSURL             string                     `json:"nats_url"`
	OTLPEndpoint        string                     `json:"otlp_endpoint"`
	IntegrityHistory    bool                       `json:"integrity_history"`
}

// DefaultGlobal mirrors spec.md's stated defaults.
func DefaultGlobal() Global {
	return Global{
		MaxWorkers:          8,
		QueueCapacity:       256,
		ResourcePools:       map[string]float64{"cpu": 100, "memory": 8192, "disk": 102400, "network": 1000},
		DefaultRetryPolicy:  model.DefaultRetryPolicy(),
		RetentionDays:       30,
		RetentionStrategy:   map[string]string{"running": "skip", "completed": "archive", "failed": "archive", "other": "delete"},
		MisfireGraceSeconds: 60,
		SchedulerPollMS:     1000,
		ShutdownTimeoutSec:  30,
		StateDBPath:         "taskcore.db",
	}
}

// RetentionPolicy adapts Global's flat fields into statestore's shape.
func (g Global) RetentionPolicy() statestore.RetentionPolicy {
	return statestore.RetentionPolicy{RetentionDays: g.RetentionDays, Strategy: g.RetentionStrategy}
}

func (g Global) ShutdownTimeout() time.Duration {
	return time.Duration(g.ShutdownTimeoutSec) * time.Second
}

func (g Global) SchedulerPollInterval() time.Duration {
	return time.Duration(g.SchedulerPollMS) * time.Millisecond
}

// taskDoc mirrors model.TaskDefinition's JSON shape, including the legacy
// decomposed cron fields accepted only as a decode-time compatibility
// shim per SPEC_FULL.md's Open Question decision.
type taskDoc struct {
	TaskID               string              `json:"task_id"`
	TaskType             string              `json:"task_type"`
	Enabled              bool                `json:"enabled"`
	Priority             int                 `json:"priority"`
	Schedule             scheduleDoc         `json:"schedule"`
	Dependencies         []dependencyDoc     `json:"dependencies"`
	ResourceRequirements map[string]float64  `json:"resource_requirements"`
	RetryPolicy          *retryDoc           `json:"retry_policy"`
	TimeoutMS            int64               `json:"timeout_ms"`
	ExecutorParams       map[string]any      `json:"executor_params"`
}

type scheduleDoc struct {
	Kind            string     `json:"kind"`
	CronExpressions []string   `json:"cron_expressions"`
	// Legacy decomposed cron shape, accepted read-only: if cron_expressions
	// is absent but these are present, one expression is synthesized.
	Minute *string `json:"minute"`
	Hour   *string `json:"hour"`
	Dom    *string `json:"day_of_month"`
	Month  *string `json:"month"`
	Dow    *string `json:"day_of_week"`

	Weeks     int        `json:"weeks"`
	Days      int        `json:"days"`
	Hours     int        `json:"hours"`
	Minutes   int        `json:"minutes"`
	Seconds   int        `json:"seconds"`
	StartDate *time.Time `json:"start_date"`

	At *time.Time `json:"at"`
}

type dependencyDoc struct {
	FromTaskID string `json:"from_task_id"`
	Kind       string `json:"kind"`
	TimeoutMS  int64  `json:"timeout_ms"`
}

type retryDoc struct {
	MaxAttempts       int     `json:"max_attempts"`
	BaseDelayMS       int64   `json:"base_delay_ms"`
	MaxDelayMS        int64   `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	Jitter            float64 `json:"jitter"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces every ${NAME} occurrence in s with os.Getenv(NAME),
// leaving unresolved references untouched.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return ref
	})
}

// LoadGlobal reads and env-expands the process config document at path.
func LoadGlobal(path string) (Global, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Global{}, fmt.Errorf("read config %s: %w", path, err)
	}
	g := DefaultGlobal()
	if err := json.Unmarshal([]byte(expandEnv(string(raw))), &g); err != nil {
		return Global{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return g, nil
}

// LoadTaskDefinitions reads a JSON array of task documents at path,
// env-expanding string values and applying global.DefaultRetryPolicy where
// a task omits retry_policy entirely.
func LoadTaskDefinitions(path string, global Global) ([]model.TaskDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task defs %s: %w", path, err)
	}
	var docs []taskDoc
	if err := json.Unmarshal([]byte(expandEnv(string(raw))), &docs); err != nil {
		return nil, fmt.Errorf("parse task defs %s: %w", path, err)
	}

	defs := make([]model.TaskDefinition, 0, len(docs))
	for _, d := range docs {
		def, err := d.toDefinition(global)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", d.TaskID, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (d taskDoc) toDefinition(global Global) (model.TaskDefinition, error) {
	sched, err := d.Schedule.toSchedule()
	if err != nil {
		return model.TaskDefinition{}, err
	}

	deps := make([]model.DependencyEdge, 0, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		kind := model.EdgeKind(dep.Kind)
		if kind == "" {
			kind = model.EdgeRequired
		}
		deps = append(deps, model.DependencyEdge{FromTaskID: dep.FromTaskID, Kind: kind, TimeoutMS: dep.TimeoutMS})
	}

	retry := global.DefaultRetryPolicy
	if d.RetryPolicy != nil {
		retry = model.RetryPolicy{
			MaxAttempts:       d.RetryPolicy.MaxAttempts,
			BaseDelay:         time.Duration(d.RetryPolicy.BaseDelayMS) * time.Millisecond,
			MaxDelay:          time.Duration(d.RetryPolicy.MaxDelayMS) * time.Millisecond,
			BackoffMultiplier: d.RetryPolicy.BackoffMultiplier,
			Jitter:            d.RetryPolicy.Jitter,
		}
	}

	return model.TaskDefinition{
		TaskID:               d.TaskID,
		TaskType:             d.TaskType,
		Enabled:              d.Enabled,
		Priority:             d.Priority,
		Schedule:             sched,
		Dependencies:         deps,
		ResourceRequirements: d.ResourceRequirements,
		RetryPolicy:          retry,
		TimeoutMS:            d.TimeoutMS,
		ExecutorParams:       d.ExecutorParams,
	}, nil
}

func (s scheduleDoc) toSchedule() (model.Schedule, error) {
	kind := model.ScheduleKind(s.Kind)
	switch kind {
	case model.ScheduleCron:
		exprs := s.CronExpressions
		if len(exprs) == 0 && s.Minute != nil {
			exprs = []string{legacyCronExpr(s)}
		}
		if len(exprs) == 0 {
			return model.Schedule{}, fmt.Errorf("cron schedule requires cron_expressions or the legacy minute/hour/... fields")
		}
		return model.Schedule{Kind: kind, CronExpressions: exprs}, nil
	case model.ScheduleInterval:
		return model.Schedule{Kind: kind, Weeks: s.Weeks, Days: s.Days, Hours: s.Hours, Minutes: s.Minutes, Seconds: s.Seconds, StartDate: s.StartDate}, nil
	case model.ScheduleDate:
		if s.At == nil {
			return model.Schedule{}, fmt.Errorf("date schedule requires \"at\"")
		}
		return model.Schedule{Kind: kind, At: *s.At}, nil
	case model.ScheduleManual:
		return model.Schedule{Kind: kind}, nil
	default:
		return model.Schedule{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func legacyCronExpr(s scheduleDoc) string {
	field := func(p *string) string {
		if p == nil {
			return "*"
		}
		return *p
	}
	return fmt.Sprintf("%s %s %s %s %s", field(s.Minute), field(s.Hour), field(s.Dom), field(s.Month), field(s.Dow))
}
