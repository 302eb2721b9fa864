// Package audit delivers session lifecycle events to durable sinks.
// All methods are nil-safe: a nil *Recorder is a no-op.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/session-relay/internal/retry"
)

// Event types.
const (
	SessionCreated   = "session.created"
	SessionKilled    = "session.killed"
	SessionExited    = "session.exited"
	SessionRecovered = "session.recovered"
	SessionAdopted   = "session.adopted"
	SessionReaped    = "session.reaped"
	MasterGranted    = "master.granted"
	MasterReleased   = "master.released"
	Attach           = "attach"
	Detach           = "detach"
)

// Event is one lifecycle fact.
type Event struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"sessionId,omitempty"`
	ConnID     string            `json:"connId,omitempty"`
	Principal  string            `json:"principal,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Sink persists events. Implementations may be slow or fail; the recorder
// retries and then drops.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Config holds configuration for the recorder.
type Config struct {
	QueueSize int          // Maximum queued events before dropping (default: 256)
	Retry     retry.Policy // Per-sink delivery policy
}

// Recorder queues events and delivers them to its sinks on a background
// goroutine. Emit never blocks.
type Recorder struct {
	sinks   []Sink
	policy  retry.Policy
	queue   chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	stopC     chan struct{}
	doneC     chan struct{}
}

// New creates a Recorder. Call Start to begin delivery.
func New(cfg Config, sinks ...Sink) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Recorder{
		sinks:  sinks,
		policy: cfg.Retry,
		queue:  make(chan Event, cfg.QueueSize),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (r *Recorder) Start() {
	if r == nil {
		return
	}
	go r.run()
}

// Emit queues ev. Events are dropped when the queue is full.
func (r *Recorder) Emit(ev Event) {
	if r == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case r.queue <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("Audit queue full, dropping events", "type", ev.Type, "dropped", n)
		}
	}
}

// Dropped returns the number of events discarded for lack of queue space.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Shutdown delivers whatever is queued and stops the delivery goroutine. It
// returns early if ctx is done.
func (r *Recorder) Shutdown(ctx context.Context) {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() { close(r.stopC) })
	select {
	case <-r.doneC:
	case <-ctx.Done():
		slog.Warn("Audit shutdown timed out", "pending", len(r.queue))
	}
}

func (r *Recorder) run() {
	defer close(r.doneC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		case <-r.stopC:
			for {
				select {
				case ev := <-r.queue:
					r.deliver(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) deliver(ctx context.Context, ev Event) {
	for _, sink := range r.sinks {
		err := retry.Do(ctx, r.policy, "audit "+ev.Type, func(ctx context.Context) error {
			return sink.Record(ctx, ev)
		})
		if err != nil {
			slog.Warn("Audit event not recorded", "type", ev.Type, "sessionID", ev.SessionID, "error", err)
		}
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Record implements Sink.
func (s LogSink) Record(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"event", ev.Type, "sessionID", ev.SessionID}
	if ev.ConnID != "" {
		attrs = append(attrs, "connID", ev.ConnID)
	}
	if ev.Principal != "" {
		attrs = append(attrs, "principal", ev.Principal)
	}
	for k, v := range ev.Detail {
		attrs = append(attrs, k, v)
	}
	logger.Info("audit", attrs...)
	return nil
}
