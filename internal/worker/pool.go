// Package worker implements the WorkerPool half of C7+C8: a bounded
// concurrency pool with a non-blocking submission queue. The per-instance
// lifecycle (admit/reserve/mark running/execute/observe/release) lives in
// package manager, which is the pool's only caller — this package knows
// nothing about tasks, only about running funcs under a concurrency cap.
//
// Grounded on the teacher's services/orchestrator/dag_engine.go worker
// pool (fixed goroutine count draining a ready channel, coordinator
// collecting results), generalized from a per-workflow fixed-size pool
// tied to one DAG execution into a long-lived pool that outlives any
// single task's lifecycle.
package worker

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// Pool runs submitted funcs under a global concurrency cap with a bounded
// internal queue. Submission never blocks the caller: TrySubmit returns false
// immediately once the queue is full.
type Pool struct {
	sem   chan struct{}
	queue chan func()
	wg    sync.WaitGroup

	queueDepth  metric.Int64UpDownCounter
	activeGauge metric.Int64UpDownCounter
	rejected    metric.Int64Counter

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs a Pool with maxWorkers concurrent slots and a queue of
// the given bounded capacity.
func New(maxWorkers, queueCapacity int, meter metric.Meter) *Pool {
	p := &Pool{
		sem:    make(chan struct{}, maxWorkers),
		queue:  make(chan func(), queueCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if meter != nil {
		p.queueDepth, _ = meter.Int64UpDownCounter("taskcore_worker_queue_depth")
		p.activeGauge, _ = meter.Int64UpDownCounter("taskcore_worker_active")
		p.rejected, _ = meter.Int64Counter("taskcore_worker_rejected_total")
	}
	go p.dispatch()
	return p
}

// TrySubmit enqueues fn if the queue has room, otherwise rejects
// immediately. Returns accepted.
func (p *Pool) TrySubmit(fn func()) bool {
	select {
	case p.queue <- fn:
		if p.queueDepth != nil {
			p.queueDepth.Add(context.Background(), 1)
		}
		return true
	default:
		if p.rejected != nil {
			p.rejected.Add(context.Background(), 1)
		}
		return false
	}
}

func (p *Pool) dispatch() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		case fn, ok := <-p.queue:
			if !ok {
				return
			}
			if p.queueDepth != nil {
				p.queueDepth.Add(context.Background(), -1)
			}
			select {
			case p.sem <- struct{}{}:
			case <-p.stopCh:
				return
			}
			p.wg.Add(1)
			if p.activeGauge != nil {
				p.activeGauge.Add(context.Background(), 1)
			}
			go func() {
				defer func() {
					<-p.sem
					if p.activeGauge != nil {
						p.activeGauge.Add(context.Background(), -1)
					}
					p.wg.Done()
				}()
				fn()
			}()
		}
	}
}

// Drain waits up to ctx's deadline for all in-flight submissions to
// finish, then stops accepting new dispatch work.
func (p *Pool) Drain(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.stopCh) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports the number of slots currently held; for tests and the
// control surface's resource_status equivalent.
func (p *Pool) Active() int {
	return len(p.sem)
}

// Capacity is the pool's configured max concurrency.
func (p *Pool) Capacity() int {
	return cap(p.sem)
}
