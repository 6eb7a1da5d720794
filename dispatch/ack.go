package dispatch

import (
	"context"

	"github.com/c360/corebus/aggregate"
	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/sharding"
)

// Status classifies how the bus answered a post.
type Status int

const (
	// StatusAccepted means the envelope was placed on its shard queue.
	StatusAccepted Status = iota
	// StatusScheduled means the envelope was parked for delayed dispatch.
	StatusScheduled
	// StatusRejected means the envelope was not accepted; Cause explains
	// why. A transient cause (queue overload) is safe to retry.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusScheduled:
		return "scheduled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Ack is the bus's answer to a post. Failures at the bus boundary are
// captured here as structured data; nothing thrown by routing or
// handling escapes Post as a panic.
type Ack struct {
	// EnvelopeID identifies the posted envelope, when one was built.
	EnvelopeID string
	// Status reports accepted, scheduled or rejected.
	Status Status
	// Cause carries the rejection reason when Status is StatusRejected.
	Cause error
	// Shard is the assigned shard for an accepted envelope.
	Shard sharding.ShardIndex

	result <-chan Result
}

// Rejected reports whether the post was turned away at the boundary.
func (a Ack) Rejected() bool { return a.Status == StatusRejected }

// Retryable reports whether a rejected post may be retried. Only
// transient causes such as shard overload qualify.
func (a Ack) Retryable() bool {
	return a.Status == StatusRejected && errors.IsTransient(a.Cause)
}

// Outcome blocks until the envelope's own dispatch completes and returns
// its result. It covers only the posted envelope, not the fan-out of
// messages it produced. Returns the context error if ctx ends first, and
// ErrNotFound for acks that never carried a pending dispatch.
func (a Ack) Outcome(ctx context.Context) (Result, error) {
	if a.result == nil {
		return Result{}, errors.Wrap(errors.ErrNotFound,
			"Ack", "Outcome", "no pending dispatch for this ack")
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-a.result:
		return res, nil
	}
}

// Result describes what one dispatched envelope did.
type Result struct {
	// TargetType and TargetID address the entity the envelope reached.
	TargetType string
	TargetID   string
	// Version is the target's version after dispatch.
	Version int64
	// Events are the events committed by this dispatch, in production
	// order.
	Events []aggregate.ProducedEvent
	// Duplicate marks a redelivered command that was absorbed without
	// effect.
	Duplicate bool
	// Rejection carries the typed business rejection, when the handler
	// refused the command. Not a fault.
	Rejection *aggregate.Rejection
	// Substituted marks a command rewritten into replacements before
	// direct handling; Replacements lists their envelope IDs.
	Substituted  bool
	Replacements []string
	// Canceled marks a scheduled envelope whose dispatch was canceled
	// before dequeue.
	Canceled bool
	// Err reports a dispatch failure (frozen aggregate, storage fault).
	Err error
}
