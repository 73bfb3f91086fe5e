package registry

import (
	"testing"

	"github.com/swarmguard/taskcore/internal/model"
)

func validDef() model.TaskDefinition {
	return model.TaskDefinition{
		TaskID:      "t1",
		TaskType:    "noop",
		Priority:    5,
		Schedule:    model.Schedule{Kind: model.ScheduleManual},
		RetryPolicy: model.DefaultRetryPolicy(),
		TimeoutMS:   1000,
	}
}

func noopFactory(id string, params map[string]any, services any) (Executor, error) {
	return nil, nil
}

func TestValidateEmptyOnAdmit(t *testing.T) {
	r := New()
	r.Register("noop", noopFactory, nil)
	if errs := r.Validate(validDef()); len(errs) != 0 {
		t.Fatalf("expected admit, got errors: %v", errs)
	}
}

func TestValidateUnregisteredTaskType(t *testing.T) {
	r := New()
	def := validDef()
	def.TaskType = "does-not-exist"
	errs := r.Validate(def)
	if len(errs) == 0 {
		t.Fatalf("expected validation error for unregistered task_type")
	}
}

func TestValidateRejectsBadShape(t *testing.T) {
	r := New()
	r.Register("noop", noopFactory, nil)

	cases := []func(*model.TaskDefinition){
		func(d *model.TaskDefinition) { d.TaskID = "" },
		func(d *model.TaskDefinition) { d.Priority = 0 },
		func(d *model.TaskDefinition) { d.Priority = 11 },
		func(d *model.TaskDefinition) { d.TimeoutMS = 0 },
		func(d *model.TaskDefinition) { d.RetryPolicy.MaxAttempts = 0 },
		func(d *model.TaskDefinition) { d.RetryPolicy.BackoffMultiplier = 0.5 },
		func(d *model.TaskDefinition) { d.RetryPolicy.Jitter = 1.5 },
		func(d *model.TaskDefinition) { d.Schedule = model.Schedule{Kind: model.ScheduleCron} },
		func(d *model.TaskDefinition) {
			d.ResourceRequirements = map[string]float64{"cpu": -1}
		},
	}
	for i, mutate := range cases {
		def := validDef()
		mutate(&def)
		if errs := r.Validate(def); len(errs) == 0 {
			t.Fatalf("case %d: expected validation error, got none", i)
		}
	}
}

func TestCustomValidatorRuns(t *testing.T) {
	r := New()
	called := false
	r.Register("http", noopFactory, func(def model.TaskDefinition) []error {
		called = true
		return nil
	})
	def := validDef()
	def.TaskType = "http"
	_ = r.Validate(def)
	if !called {
		t.Fatalf("expected per-type validator to run")
	}
}

func TestNewUnregisteredTaskTypeErrors(t *testing.T) {
	r := New()
	_, err := r.New(validDef(), nil)
	if err == nil {
		t.Fatalf("expected error building executor for unregistered task_type")
	}
}
