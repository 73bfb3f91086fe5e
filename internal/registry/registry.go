// Package registry implements C6, the ExecutorRegistry: it maps a task's
// task_type to a factory that builds the Executor which actually performs
// the work, and validates task configuration before admission.
//
// Grounded on the teacher's services/orchestrator/plugins.go PluginRegistry
// (a TaskType -> PluginExecutor map with a Register/Execute pair), adapted
// from a fixed built-in plugin set to the spec's open registration model
// plus an explicit per-type Validate hook (the teacher validates inline per
// plugin; here it is pulled out as its own factory method so the worker
// pool can reject bad config before ever touching a worker slot).
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/taskcore/internal/model"
)

// RunContext is handed to Executor.Run. It carries the cancellation
// signal, the computed deadline, and the progress/metadata callbacks the
// executor may call concurrently with its own work.
type RunContext struct {
	context.Context
	TaskID         string
	RunID          string
	Attempt        int
	ReportProgress func(fraction float64, message string)
	EmitMetadata   func(key string, value any)
}

// Executor is the capability set spec.md §6 assigns to concrete task
// implementations; the core never inspects what an executor actually does.
type Executor interface {
	Run(rc RunContext) (model.Result, error)
	Cancel()
}

// Factory builds an Executor for one task instance. services is an opaque
// bag of collaborators (HTTP client, notifier, etc.) a concrete executor
// type may need; the core passes through whatever was wired at startup.
type Factory func(taskID string, params map[string]any, services any) (Executor, error)

// Validator checks a task's executor_params/schedule/retry shape for one
// task_type before admission. Returns the list of problems found; an empty
// or nil slice means the configuration is acceptable.
type Validator func(def model.TaskDefinition) []error

// Registry maps task_type -> (factory, validator) pairs.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	validators map[string]Validator
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		validators: make(map[string]Validator),
	}
}

// Register binds a task_type to its factory and (optional) validator. A nil
// validator means only the generic checks in Validate apply.
func (r *Registry) Register(taskType string, factory Factory, validator Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[taskType] = factory
	if validator != nil {
		r.validators[taskType] = validator
	}
}

// Has reports whether taskType has a registered factory.
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[taskType]
	return ok
}

// New builds an Executor for def via its registered factory.
func (r *Registry) New(def model.TaskDefinition, services any) (Executor, error) {
	r.mu.RLock()
	factory, ok := r.factories[def.TaskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no executor registered for task_type %q", def.TaskType)
	}
	return factory(def.TaskID, def.ExecutorParams, services)
}

// Validate runs the generic admission checks spec.md §4.4 requires plus any
// task_type-specific validator. A nil result (no problems found) means admit.
func (r *Registry) Validate(def model.TaskDefinition) []error {
	var errs []error

	if def.TaskID == "" {
		errs = append(errs, fmt.Errorf("task_id must not be empty"))
	}
	if def.TaskType == "" {
		errs = append(errs, fmt.Errorf("task_type must not be empty"))
	} else if !r.Has(def.TaskType) {
		errs = append(errs, fmt.Errorf("task_type %q is not registered", def.TaskType))
	}
	if def.Priority < 1 || def.Priority > 10 {
		errs = append(errs, fmt.Errorf("priority must be in [1,10], got %d", def.Priority))
	}
	if def.TimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("timeout_ms must be > 0, got %d", def.TimeoutMS))
	}
	errs = append(errs, validateSchedule(def)...)
	errs = append(errs, validateRetryPolicy(def.RetryPolicy)...)
	for name, qty := range def.ResourceRequirements {
		if qty < 0 {
			errs = append(errs, fmt.Errorf("resource_requirements[%s] must be non-negative, got %v", name, qty))
		}
	}

	r.mu.RLock()
	validator := r.validators[def.TaskType]
	r.mu.RUnlock()
	if validator != nil {
		errs = append(errs, validator(def)...)
	}

	return errs
}

func validateSchedule(def model.TaskDefinition) []error {
	var errs []error
	switch def.Schedule.Kind {
	case model.ScheduleCron:
		if len(def.Schedule.CronExpressions) == 0 {
			errs = append(errs, fmt.Errorf("cron schedule requires at least one expression"))
		}
	case model.ScheduleInterval:
		total := def.Schedule.Weeks + def.Schedule.Days + def.Schedule.Hours + def.Schedule.Minutes + def.Schedule.Seconds
		if total <= 0 {
			errs = append(errs, fmt.Errorf("interval schedule requires a positive duration"))
		}
	case model.ScheduleDate:
		if def.Schedule.At.IsZero() {
			errs = append(errs, fmt.Errorf("date schedule requires a non-zero timestamp"))
		}
	case model.ScheduleManual:
		// no shape constraints
	default:
		errs = append(errs, fmt.Errorf("unknown schedule kind %q", def.Schedule.Kind))
	}
	return errs
}

func validateRetryPolicy(rp model.RetryPolicy) []error {
	var errs []error
	if rp.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry_policy.max_attempts must be >= 1, got %d", rp.MaxAttempts))
	}
	if rp.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_policy.base_delay must be >= 0"))
	}
	if rp.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry_policy.backoff_multiplier must be >= 1, got %v", rp.BackoffMultiplier))
	}
	if rp.Jitter < 0 || rp.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry_policy.jitter must be in [0,1], got %v", rp.Jitter))
	}
	return errs
}
