// Package aggregate implements event-sourced entities. An aggregate's state
// is derived solely by replaying its event history in order; command handlers
// never mutate state directly, they return events that the replay engine
// applies. An idempotency guard keyed by root command ID protects against
// duplicate delivery from at-least-once transports above this core.
package aggregate

import (
	"context"
	"fmt"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
)

// Aggregate is a single generic stateful entity: an identity, a version and
// a state value, composed with a Behavior that supplies the domain logic.
// Version increments by exactly one per applied event.
type Aggregate[S any] struct {
	ID      string
	Version int64
	State   S

	// uncommitted holds events applied in memory but not yet persisted.
	uncommitted []ProducedEvent

	// guard tracks root command IDs already effected since the last
	// snapshot. Owned by the aggregate's single-writer shard, so no
	// locking is required.
	guard map[string]struct{}
}

// ProducedEvent is an event returned by a command handler, pending commit.
type ProducedEvent struct {
	ID       string
	RootID   string
	Sequence int64
	Payload  envelope.Payload
}

// Uncommitted returns the events applied since the last store round-trip.
func (a *Aggregate[S]) Uncommitted() []ProducedEvent {
	return a.uncommitted
}

// ClearUncommitted drops the pending events after a successful commit.
func (a *Aggregate[S]) ClearUncommitted() {
	a.uncommitted = nil
}

// SeenRoot reports whether an event rooted in the given command ID was
// already applied since the last snapshot. This is the idempotency check:
// a redelivered command finds its root ID here and is discarded instead of
// double-applied.
func (a *Aggregate[S]) SeenRoot(rootID string) bool {
	_, ok := a.guard[rootID]
	return ok
}

func (a *Aggregate[S]) rememberRoot(rootID string) {
	if a.guard == nil {
		a.guard = make(map[string]struct{})
	}
	a.guard[rootID] = struct{}{}
}

// Behavior supplies the domain logic an Aggregate is composed with. The
// dispatch registry builds one from explicitly registered handler methods;
// hand-written implementations are equally valid.
type Behavior[S any] interface {
	// NewState returns the initial state of a brand-new aggregate.
	NewState() S

	// Handle processes a routed command against current state and returns
	// the events to apply. It must not mutate state. A business rejection
	// is returned as a *Rejection error; infrastructure problems as plain
	// errors.
	Handle(ctx context.Context, state S, env *envelope.Envelope) ([]envelope.Payload, error)

	// Apply folds one event into the state. Called only by the replay
	// engine, in strict history order.
	Apply(state *S, event envelope.Payload) error
}

// Substituter is optionally implemented by behaviors whose targets declare
// substitute methods: a command is rewritten into other commands based on
// prior state before any direct handling. Substitution always runs first
// and is non-retryable.
type Substituter[S any] interface {
	// Substitute returns replacement commands for the envelope, or
	// ok=false when the command's class has no substitute method.
	Substitute(ctx context.Context, state S, env *envelope.Envelope) (replacements []envelope.Payload, ok bool, err error)
}

// Rejection is a typed business rejection returned by handler logic. It is
// a first-class outcome routed back to the caller, never a system fault.
type Rejection struct {
	// Payload optionally carries a typed rejection message for the caller.
	Payload envelope.Payload
	// Reason describes the rejected precondition.
	Reason string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected: %s", r.Reason)
}

// Reject creates a rejection with a reason and an optional typed payload.
func Reject(reason string, payload envelope.Payload) error {
	return &Rejection{Reason: reason, Payload: payload}
}

// AsRejection extracts a business rejection from an error tree.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// apply folds an event into the aggregate, bumping the version and
// recording the root for idempotency.
func (a *Aggregate[S]) apply(b Behavior[S], ev ProducedEvent) error {
	if ev.Sequence != a.Version+1 {
		return errors.WrapConsistency(errors.ErrHistoryCorruption,
			"Aggregate", "apply",
			fmt.Sprintf("event sequence %d after version %d", ev.Sequence, a.Version))
	}
	if err := b.Apply(&a.State, ev.Payload); err != nil {
		return errors.WrapConsistency(err, "Aggregate", "apply", "event application")
	}
	a.Version = ev.Sequence
	a.rememberRoot(ev.RootID)
	return nil
}
