package depgraph

import (
	"testing"

	"github.com/swarmguard/taskcore/internal/model"
	"github.com/swarmguard/taskcore/internal/resources"
)

func manualDef(id string, priority int, deps ...model.DependencyEdge) model.TaskDefinition {
	return model.TaskDefinition{
		TaskID:   id,
		TaskType: "noop",
		Enabled:  true,
		Priority: priority,
		Schedule: model.Schedule{Kind: model.ScheduleManual},
		Dependencies: deps,
		RetryPolicy: model.DefaultRetryPolicy(),
		TimeoutMS:   1000,
	}
}

func req(from string) model.DependencyEdge {
	return model.DependencyEdge{FromTaskID: from, Kind: model.EdgeRequired}
}

func opt(from string) model.DependencyEdge {
	return model.DependencyEdge{FromTaskID: from, Kind: model.EdgeOptional}
}

// TestLinearChain reproduces spec.md §8 scenario 1.
func TestLinearChain(t *testing.T) {
	e := New(resources.New(resources.DefaultPools(), nil))
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	must(e.AddTask(manualDef("A", 5)))
	must(e.AddTask(manualDef("B", 5, req("A"))))
	must(e.AddTask(manualDef("C", 5, req("B"))))

	layers, err := e.ExecutionLayers()
	if err != nil {
		t.Fatalf("execution_layers: %v", err)
	}
	want := [][]string{{"A"}, {"B"}, {"C"}}
	if len(layers) != len(want) {
		t.Fatalf("expected %d layers, got %d: %v", len(want), len(layers), layers)
	}
	for i, l := range layers {
		if len(l) != 1 || l[0] != want[i][0] {
			t.Fatalf("layer %d = %v, want %v", i, l, want[i])
		}
	}

	if e.IsReady("C") {
		t.Fatalf("C should not be ready before A,B complete")
	}

	e.MarkRunning("A")
	e.MarkCompleted("A", &model.Result{OK: true})
	rs := e.ReadySet()
	if len(rs) != 1 || rs[0] != "B" {
		t.Fatalf("ready set after A completes = %v, want [B]", rs)
	}

	e.MarkRunning("B")
	e.MarkCompleted("B", &model.Result{OK: true})
	rs = e.ReadySet()
	if len(rs) != 1 || rs[0] != "C" {
		t.Fatalf("ready set after B completes = %v, want [C]", rs)
	}
}

// TestDiamondWithOptional reproduces spec.md §8 scenario 2.
func TestDiamondWithOptional(t *testing.T) {
	e := New(resources.New(resources.DefaultPools(), nil))
	_ = e.AddTask(manualDef("A", 1))
	_ = e.AddTask(manualDef("B", 1, req("A")))
	_ = e.AddTask(manualDef("C", 1, req("A")))
	_ = e.AddTask(manualDef("D", 1, req("B"), opt("C")))

	e.MarkRunning("A")
	e.MarkCompleted("A", &model.Result{OK: true})
	e.MarkRunning("C")
	e.MarkFailed("C", &model.Result{OK: false})
	e.MarkRunning("B")
	e.MarkCompleted("B", &model.Result{OK: true})

	if !e.IsReady("D") {
		t.Fatalf("D should be ready: optional dep C failing must not block")
	}
}

// TestCycleRejected reproduces spec.md §8 scenario 3.
func TestCycleRejected(t *testing.T) {
	e := New(resources.New(resources.DefaultPools(), nil))
	_ = e.AddTask(manualDef("A", 1))
	_ = e.AddTask(manualDef("B", 1))
	_ = e.AddTask(manualDef("C", 1))
	if err := e.AddEdge("A", "B", model.EdgeRequired, nil); err != nil {
		t.Fatalf("A->B: %v", err)
	}
	if err := e.AddEdge("B", "C", model.EdgeRequired, nil); err != nil {
		t.Fatalf("B->C: %v", err)
	}
	if err := e.AddEdge("C", "A", model.EdgeRequired, nil); err == nil {
		t.Fatalf("expected WouldCycle error for C->A")
	}

	layers, err := e.ExecutionLayers()
	if err != nil {
		t.Fatalf("graph should remain usable after rejected edge: %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers, got %d: %v", len(layers), layers)
	}
}

func TestReadySetOrderingByPriorityThenFIFO(t *testing.T) {
	e := New(resources.New(resources.DefaultPools(), nil))
	_ = e.AddTask(manualDef("low", 1))
	_ = e.AddTask(manualDef("high", 9))
	_ = e.AddTask(manualDef("mid-first", 5))
	_ = e.AddTask(manualDef("mid-second", 5))

	rs := e.ReadySet()
	want := []string{"high", "mid-first", "mid-second", "low"}
	if len(rs) != len(want) {
		t.Fatalf("ready set = %v", rs)
	}
	for i := range want {
		if rs[i] != want[i] {
			t.Fatalf("ready set = %v, want %v", rs, want)
		}
	}
}

func TestRemoveTaskDropsEdges(t *testing.T) {
	e := New(resources.New(resources.DefaultPools(), nil))
	_ = e.AddTask(manualDef("A", 1))
	_ = e.AddTask(manualDef("B", 1, req("A")))
	if err := e.RemoveTask("A"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !e.IsReady("B") {
		t.Fatalf("B still references removed dependency A")
	}
	if err := e.RemoveTask("nope"); err == nil {
		t.Fatalf("expected Unknown error removing nonexistent task")
	}
}

func TestSelfLoopRejected(t *testing.T) {
	e := New(resources.New(resources.DefaultPools(), nil))
	if err := e.AddTask(manualDef("A", 1, req("A"))); err == nil {
		t.Fatalf("expected self-loop rejection on admission")
	}
}

// TestTryReserveIsSingleInstance reproduces I6 for a task with no resource
// requirements at all: two concurrent reservation attempts for the same
// ready id must not both succeed, even though an empty ResourceRequirements
// map makes the budget check itself a no-op.
func TestTryReserveIsSingleInstance(t *testing.T) {
	e := New(resources.New(resources.DefaultPools(), nil))
	_ = e.AddTask(manualDef("A", 1))

	if !e.TryReserve("A") {
		t.Fatalf("first reservation should succeed")
	}
	if e.TryReserve("A") {
		t.Fatalf("second concurrent reservation must be rejected while A is executing")
	}
	if e.IsReady("A") {
		t.Fatalf("A should not be ready while reserved")
	}
}

func TestUnreserveRestoresReadiness(t *testing.T) {
	e := New(resources.New(resources.DefaultPools(), nil))
	_ = e.AddTask(manualDef("A", 1))

	if !e.TryReserve("A") {
		t.Fatalf("reservation should succeed")
	}
	e.Unreserve("A")
	if !e.IsReady("A") {
		t.Fatalf("A should be ready again after Unreserve rolls back a rejected submission")
	}
	if !e.TryReserve("A") {
		t.Fatalf("A should be reservable again after Unreserve")
	}
}

func TestTryReserveRejectsWhenBudgetInsufficient(t *testing.T) {
	e := New(resources.New(map[string]float64{"cpu": 1}, nil))
	def := manualDef("A", 1)
	def.ResourceRequirements = map[string]float64{"cpu": 2}
	_ = e.AddTask(def)

	if e.TryReserve("A") {
		t.Fatalf("reservation should fail when the budget cannot satisfy requirements")
	}
	if e.IsReady("A") {
		t.Fatalf("A should still read as not-ready: the budget, not availability, is the blocker")
	}
}
