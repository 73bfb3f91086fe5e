package resources

import "testing"

func TestAllocateSaturation(t *testing.T) {
	b := New(map[string]float64{"cpu": 100}, nil)

	// T3(cpu=30,prio=3), T2(cpu=60,prio=2), T1(cpu=60,prio=1) per spec.md scenario 4.
	if err := b.Allocate("t3", map[string]float64{"cpu": 30}); err != nil {
		t.Fatalf("t3 allocate: %v", err)
	}
	if err := b.Allocate("t2", map[string]float64{"cpu": 60}); err != nil {
		t.Fatalf("t2 allocate: %v", err)
	}
	if b.CanAllocate(map[string]float64{"cpu": 60}) {
		t.Fatalf("expected t1 to be blocked, only 10 free")
	}

	b.Release("t2")
	if !b.CanAllocate(map[string]float64{"cpu": 60}) {
		t.Fatalf("expected t1 unblocked after t2 release")
	}
	if err := b.Allocate("t1", map[string]float64{"cpu": 60}); err != nil {
		t.Fatalf("t1 allocate: %v", err)
	}

	status := b.Status()
	if status["cpu"].Allocated != 90 {
		t.Fatalf("expected 90 allocated, got %v", status["cpu"].Allocated)
	}
}

func TestAllocateAllOrNothing(t *testing.T) {
	b := New(map[string]float64{"cpu": 100, "memory": 10}, nil)
	err := b.Allocate("t1", map[string]float64{"cpu": 10, "memory": 100})
	if err == nil {
		t.Fatalf("expected insufficient error")
	}
	status := b.Status()
	if status["cpu"].Allocated != 0 {
		t.Fatalf("partial allocation leaked: cpu allocated=%v", status["cpu"].Allocated)
	}
}

func TestDoubleReservationRejected(t *testing.T) {
	b := New(map[string]float64{"cpu": 100}, nil)
	if err := b.Allocate("t1", map[string]float64{"cpu": 10}); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if err := b.Allocate("t1", map[string]float64{"cpu": 10}); err == nil {
		t.Fatalf("expected double reservation error")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	b := New(map[string]float64{"cpu": 100}, nil)
	b.Release("never-allocated") // must not panic
	if err := b.Allocate("t1", map[string]float64{"cpu": 10}); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b.Release("t1")
	b.Release("t1") // idempotent
	if b.Status()["cpu"].Allocated != 0 {
		t.Fatalf("expected 0 allocated after release")
	}
}

func TestUnknownResourceIgnored(t *testing.T) {
	b := New(map[string]float64{"cpu": 100}, nil)
	if err := b.Allocate("t1", map[string]float64{"cpu": 10, "gpu-exotic": 4}); err != nil {
		t.Fatalf("allocate with unknown resource should succeed: %v", err)
	}
}
