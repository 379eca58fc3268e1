// Package telemetry is the asynchronous event side-channel: CASIL outcomes
// and lifecycle transitions flow out through a bounded queue that never
// blocks the message path. When the queue is full, events are dropped and
// counted; the data plane does not wait for observers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
)

// Event names emitted by the core.
const (
	EventCASILDecision    = "casil_decision"
	EventSessionOpened    = "session_opened"
	EventSessionClosed    = "session_closed"
	EventChannelCreated   = "channel_created"
	EventChannelDeleted   = "channel_deleted"
	EventMemberJoined     = "member_joined"
	EventMemberLeft       = "member_left"
	EventHistoryDegraded  = "history_degraded"
	EventHistoryRecovered = "history_recovered"
)

// Event is one structured telemetry record. Fields must already be
// observability-redacted by the producer; the emitter forwards them as-is.
type Event struct {
	ID       string
	Name     string
	At       time.Time
	TenantID string
	Fields   map[string]any
}

// Sink consumes events. Implementations should return quickly; a slow sink
// only ever costs queued events, never data-plane latency.
type Sink interface {
	Consume(ctx context.Context, ev Event)
}

// LogSink writes events to the structured log. The default sink.
type LogSink struct {
	Log *slog.Logger
}

// Consume logs the event at info level under a stable message.
func (s LogSink) Consume(_ context.Context, ev Event) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("telemetry.event",
		"event_id", ev.ID,
		"event", ev.Name,
		"tenant_id", ev.TenantID,
		"at", ev.At,
		"fields", ev.Fields,
	)
}

// Emitter is the bounded async fan-in point for telemetry events.
type Emitter struct {
	log     *slog.Logger
	sink    Sink
	metrics *metrics.Metrics

	queue chan Event

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEmitter starts the drain goroutine. queueDepth <= 0 falls back to 256.
// A nil sink falls back to LogSink.
func NewEmitter(log *slog.Logger, sink Sink, m *metrics.Metrics, queueDepth int) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = LogSink{Log: log}
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}

	e := &Emitter{
		log:     log,
		sink:    sink,
		metrics: m,
		queue:   make(chan Event, queueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.drain()
	return e
}

// Emit enqueues an event without blocking. Missing id/timestamp are filled
// in. Returns false when the event was dropped (queue full or emitter
// closed); the drop is counted and logged either way.
func (e *Emitter) Emit(name, tenantID string, fields map[string]any) bool {
	if e == nil {
		return false
	}

	ev := Event{
		ID:       uuid.NewString(),
		Name:     name,
		At:       time.Now().UTC(),
		TenantID: tenantID,
		Fields:   fields,
	}

	select {
	case <-e.stop:
		return false
	default:
	}

	select {
	case e.queue <- ev:
		return true
	default:
		if e.metrics != nil {
			e.metrics.TelemetryDropped.Inc()
		}
		e.log.Warn("telemetry.drop", "event", name, "tenant_id", tenantID)
		return false
	}
}

// Close stops intake and drains the remaining queue up to grace.
func (e *Emitter) Close(grace time.Duration) {
	if e == nil {
		return
	}
	e.stopOnce.Do(func() {
		close(e.stop)
	})

	select {
	case <-e.done:
	case <-time.After(grace):
	}
}

func (e *Emitter) drain() {
	defer close(e.done)

	ctx := context.Background()
	for {
		select {
		case ev := <-e.queue:
			e.consume(ctx, ev)
		case <-e.stop:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case ev := <-e.queue:
					e.consume(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) consume(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("telemetry.sink.panic", "event", ev.Name, "panic", r)
		}
	}()
	e.sink.Consume(ctx, ev)
	if e.metrics != nil {
		e.metrics.TelemetryEmitted.Inc()
	}
}
