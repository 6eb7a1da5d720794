package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/tenant"
)

// Lifecycle kinds emitted by the watcher.
const (
	KindDispatched   = "dispatched"
	KindScheduled    = "scheduled"
	KindDeadLettered = "dead_lettered"
)

// LifecycleEvent is the observability record synthesized for a bus
// lifecycle transition. Keyed by tenant on the write side.
type LifecycleEvent struct {
	Kind       string    `json:"kind"`
	EnvelopeID string    `json:"envelope_id"`
	Class      string    `json:"class"`
	Tenant     tenant.ID `json:"tenant"`
	TargetType string    `json:"target_type,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	At         time.Time `json:"at"`
	// Detail carries kind-specific context: the dispatch-after moment
	// for scheduled envelopes, the drop reason for dead letters.
	Detail string `json:"detail,omitempty"`
}

// Sink receives lifecycle events. Implementations must tolerate
// concurrent calls; the watcher invokes them from shard workers.
type Sink interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

// Watcher observes bus lifecycle transitions and forwards them to a
// sink, best effort. Sink failures never propagate into the dispatch
// path: after failureThreshold consecutive failures the watcher opens
// for cooldown and drops events instead of retrying indefinitely.
// A nil *Watcher is valid and does nothing.
type Watcher struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	failureThreshold int
	cooldown         time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for drop and breaker transitions.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithBreaker tunes the circuit breaker: open after threshold
// consecutive failures, stay open for cooldown.
func WithBreaker(threshold int, cooldown time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.failureThreshold = threshold
		w.cooldown = cooldown
	}
}

// NewWatcher wraps a sink with circuit-broken, best-effort delivery.
// A nil sink yields a nil Watcher, which observes nothing.
func NewWatcher(sink Sink, opts ...WatcherOption) *Watcher {
	if sink == nil {
		return nil
	}
	w := &Watcher{
		sink:             sink,
		logger:           slog.Default(),
		timeout:          2 * time.Second,
		failureThreshold: 5,
		cooldown:         30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnDispatched records a completed dispatch to a target.
func (w *Watcher) OnDispatched(env *envelope.Envelope, targetType, targetID string) {
	if w == nil {
		return
	}
	w.emit(LifecycleEvent{
		Kind:       KindDispatched,
		EnvelopeID: env.ID(),
		Class:      env.Class().Key(),
		Tenant:     env.Context().Tenant,
		TargetType: targetType,
		TargetID:   targetID,
		At:         time.Now(),
	})
}

// OnScheduled records an envelope parked for delayed dispatch.
func (w *Watcher) OnScheduled(env *envelope.Envelope) {
	if w == nil {
		return
	}
	w.emit(LifecycleEvent{
		Kind:       KindScheduled,
		EnvelopeID: env.ID(),
		Class:      env.Class().Key(),
		Tenant:     env.Context().Tenant,
		At:         time.Now(),
		Detail:     env.Context().DispatchAfter.Format(time.RFC3339Nano),
	})
}

// OnDeadLettered records an envelope that found no live destination
// after acceptance.
func (w *Watcher) OnDeadLettered(env *envelope.Envelope, reason string) {
	if w == nil {
		return
	}
	w.emit(LifecycleEvent{
		Kind:       KindDeadLettered,
		EnvelopeID: env.ID(),
		Class:      env.Class().Key(),
		Tenant:     env.Context().Tenant,
		At:         time.Now(),
		Detail:     reason,
	})
}

func (w *Watcher) emit(ev LifecycleEvent) {
	w.mu.Lock()
	if !w.openUntil.IsZero() {
		if time.Now().Before(w.openUntil) {
			w.mu.Unlock()
			return
		}
		// Cooldown elapsed; probe the sink again.
		w.openUntil = time.Time{}
		w.failures = 0
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	err := w.sink.Publish(ctx, ev)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.failures = 0
		return
	}
	w.failures++
	w.logger.Warn("lifecycle event dropped",
		"kind", ev.Kind,
		"envelope_id", ev.EnvelopeID,
		"error", err)
	if w.failures >= w.failureThreshold {
		w.openUntil = time.Now().Add(w.cooldown)
		w.logger.Warn("lifecycle sink circuit opened",
			"failures", w.failures,
			"cooldown", w.cooldown.String())
	}
}
