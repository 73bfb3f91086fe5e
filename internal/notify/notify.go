// Package notify implements the notification fan-out spec.md §6 requires:
// task_start, task_progress, task_complete, task_error, task_cancelled,
// and scheduler_misfire events, published over NATS with W3C trace-context
// propagation.
//
// Grounded on the teacher's libs/go/core/natsctx/natsctx.go (traceparent
// injection on publish, child span on subscribe), generalized from a
// single Publish/Subscribe pair into one Notifier per event kind.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// EventKind names the six notifications the core ever emits.
type EventKind string

const (
	EventTaskStart        EventKind = "task_start"
	EventTaskProgress     EventKind = "task_progress"
	EventTaskComplete     EventKind = "task_complete"
	EventTaskError        EventKind = "task_error"
	EventTaskCancelled    EventKind = "task_cancelled"
	EventSchedulerMisfire EventKind = "scheduler_misfire"
)

// Event is the envelope published for every notification.
type Event struct {
	Kind        EventKind `json:"kind"`
	TaskID      string    `json:"task_id"`
	At          time.Time `json:"at"`
	Progress    float64   `json:"progress,omitempty"`
	Message     string    `json:"message,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	ScheduledTS time.Time `json:"scheduled_ts,omitempty"`
}

// Notifier publishes core lifecycle events. Implementations must not
// block the caller for longer than a best-effort send.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

const subjectPrefix = "taskcore.events."

var propagator = propagation.TraceContext{}

// NATSNotifier publishes events to subject "taskcore.events.<kind>" with
// the current trace context injected into message headers.
type NATSNotifier struct {
	nc *nats.Conn
}

// NewNATSNotifier wraps an already-connected NATS client.
func NewNATSNotifier(nc *nats.Conn) *NATSNotifier {
	return &NATSNotifier{nc: nc}
}

func (n *NATSNotifier) Notify(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	tr := otel.Tracer("taskcore-notify")
	ctx, span := tr.Start(ctx, "notify.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{
		Subject: subjectPrefix + string(ev.Kind),
		Data:    data,
		Header:  hdr,
	}
	_ = n.nc.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe, extracting the trace context from each
// message's header before invoking handler with a child span started.
func Subscribe(nc *nats.Conn, kind EventKind, handler func(context.Context, Event)) (*nats.Subscription, error) {
	return nc.Subscribe(subjectPrefix+string(kind), func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("taskcore-notify")
		ctx, span := tr.Start(ctx, "notify.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		handler(ctx, ev)
	})
}

// Recorder is an in-memory Notifier for tests: it appends every event it
// receives, in order, under a mutex-free single-goroutine assumption
// typical of unit tests driving the orchestrator synchronously.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.Events = append(r.Events, ev)
}

// Last returns the most recently recorded event of kind, or an error if
// none was recorded.
func (r *Recorder) Last(kind EventKind) (Event, error) {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Kind == kind {
			return r.Events[i], nil
		}
	}
	return Event{}, fmt.Errorf("no %s event recorded", kind)
}
