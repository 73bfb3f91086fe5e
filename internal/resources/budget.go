// Package resources implements C3, the named resource-pool budget tasks
// reserve against before running.
package resources

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// DefaultPools mirrors the conventional set spec.md §4.2 names, with
// configurable totals; callers may pass any other map instead.
func DefaultPools() map[string]float64 {
	return map[string]float64{
		"cpu":     100,
		"memory":  8192,
		"disk":    102400,
		"network": 1000,
		"gpu":     0,
	}
}

// Snapshot is a point-in-time view of one resource pool.
type Snapshot struct {
	Total         float64
	Allocated     float64
	Available     float64
	UtilizationPc float64
}

// Budget tracks named resource pools and their per-task reservations
// under a single mutex (L_rb), satisfying I2 (allocated <= total always).
type Budget struct {
	mu        sync.Mutex
	totals    map[string]float64
	allocated map[string]map[string]float64 // resource -> task_id -> amount

	unknownGauge metric.Int64Counter
}

// New constructs a Budget with the given pool totals.
func New(totals map[string]float64, meter metric.Meter) *Budget {
	allocated := make(map[string]map[string]float64, len(totals))
	for r := range totals {
		allocated[r] = make(map[string]float64)
	}
	var unknownGauge metric.Int64Counter
	if meter != nil {
		unknownGauge, _ = meter.Int64Counter("taskcore_resources_unknown_requests_total")
	}
	return &Budget{
		totals:       cloneMap(totals),
		allocated:    allocated,
		unknownGauge: unknownGauge,
	}
}

func cloneMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (b *Budget) sumAllocated(resource string) float64 {
	var total float64
	for _, v := range b.allocated[resource] {
		total += v
	}
	return total
}

// CanAllocate reports whether every named resource in reqs has enough
// headroom. Unknown resource names are ignored but logged, per spec.md
// §4.2's forward-compatibility note.
func (b *Budget) CanAllocate(reqs map[string]float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canAllocateLocked(reqs)
}

func (b *Budget) canAllocateLocked(reqs map[string]float64) bool {
	for r, need := range reqs {
		total, known := b.totals[r]
		if !known {
			b.logUnknown(r)
			continue
		}
		if total-b.sumAllocated(r) < need {
			return false
		}
	}
	return true
}

func (b *Budget) logUnknown(resource string) {
	slog.Warn("resource budget: unknown resource requested", "resource", resource)
	if b.unknownGauge != nil {
		b.unknownGauge.Add(context.Background(), 1)
	}
}

// Allocate atomically reserves reqs under taskID: either every named
// resource is reserved or none are. Double-reservation for the same
// (taskID, resource) pair is rejected.
func (b *Budget) Allocate(taskID string, reqs map[string]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.canAllocateLocked(reqs) {
		return ErrInsufficient
	}
	for r := range reqs {
		if _, known := b.totals[r]; !known {
			continue
		}
		if _, exists := b.allocated[r][taskID]; exists {
			return ErrDoubleReservation
		}
	}
	for r, amount := range reqs {
		if _, known := b.totals[r]; !known {
			continue
		}
		b.allocated[r][taskID] = amount
	}
	return nil
}

// Release frees every reservation held by taskID. Idempotent: releasing a
// task with no reservations is a no-op, satisfying the "scoped finally"
// requirement of spec.md I5.
func (b *Budget) Release(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for r := range b.allocated {
		delete(b.allocated[r], taskID)
	}
}

// Status returns a snapshot of every pool.
func (b *Budget) Status() map[string]Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Snapshot, len(b.totals))
	for r, total := range b.totals {
		allocated := b.sumAllocated(r)
		util := 0.0
		if total > 0 {
			util = allocated / total * 100
		}
		out[r] = Snapshot{
			Total:         total,
			Allocated:     allocated,
			Available:     total - allocated,
			UtilizationPc: util,
		}
	}
	return out
}
