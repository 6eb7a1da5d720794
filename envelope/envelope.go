// Package envelope defines the immutable wrapper around inbound messages and
// their routing context. An envelope is created at ingress, consumed once by
// a bus, and never mutated; messages produced while handling it are wrapped
// into new envelopes that record the triggering envelope as their origin.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/tenant"
)

// ActorContext carries who initiated a message and under which tenant scope.
type ActorContext struct {
	// ActorID identifies the user or system component that originated
	// the message. Examples: "user-4511", "scheduler", "import-job".
	ActorID string `json:"actor_id"`

	// Tenant is the isolation boundary every operation is partitioned by.
	Tenant tenant.ID `json:"tenant"`

	// Timestamp is when the actor issued the message.
	Timestamp time.Time `json:"timestamp"`

	// DispatchAfter, when non-zero, parks the envelope until the given
	// moment before it is placed in its shard queue.
	DispatchAfter time.Time `json:"dispatch_after,omitempty"`
}

// Scheduled reports whether the context requests delayed dispatch.
func (ac ActorContext) Scheduled() bool {
	return !ac.DispatchAfter.IsZero()
}

// Envelope is the immutable wrapper around a message plus its routing
// context. All fields are set during construction and cannot change,
// which keeps origin chains acyclic: an origin is always an envelope
// that already existed when this one was created.
type Envelope struct {
	id      string
	class   Class
	payload Payload
	actor   ActorContext
	origin  *Envelope
	created time.Time

	// deferred option state, resolved at the end of New
	scheduleDelay   time.Duration
	deterministicID bool
}

// Option is a functional option for configuring envelope construction.
type Option func(*Envelope)

// WithTime sets a specific creation timestamp instead of time.Now().
// Useful for historical data import or testing.
func WithTime(created time.Time) Option {
	return func(e *Envelope) {
		e.created = created
		e.actor.Timestamp = created
	}
}

// WithOrigin records the envelope whose handling produced this message.
// Command buses and event buses compose through this chain rather than
// by calling each other directly.
func WithOrigin(origin *Envelope) Option {
	return func(e *Envelope) {
		e.origin = origin
	}
}

// WithSchedule delays dispatch by the given amount. The delay holds only the
// envelope's placement into its shard queue; it never blocks a shard worker.
func WithSchedule(delay time.Duration) Option {
	return func(e *Envelope) {
		e.scheduleDelay = delay
	}
}

// WithDeterministicID derives the envelope ID from the message content
// instead of generating a random one. Retried submissions of the same
// payload then carry the same ID, which is what the idempotency guard
// keys on.
func WithDeterministicID() Option {
	return func(e *Envelope) {
		e.deterministicID = true
	}
}

// New creates an immutable envelope around the given payload. Classification
// happens here, once: a nil payload or one reporting a zero class fails with
// ErrUnclassifiableMessage so every constructed envelope is routable by class.
func New(payload Payload, actor ActorContext, opts ...Option) (*Envelope, error) {
	class, err := ClassOf(payload)
	if err != nil {
		return nil, errors.Wrap(err, "Envelope", "New", "classification")
	}
	if err := payload.Validate(); err != nil {
		return nil, errors.Wrap(err, "Envelope", "New", "payload validation")
	}

	e := &Envelope{
		id:      uuid.New().String(),
		class:   class,
		payload: payload,
		actor:   actor,
		created: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.actor.Timestamp.IsZero() {
		e.actor.Timestamp = e.created
	}
	if e.scheduleDelay > 0 {
		e.actor.DispatchAfter = e.created.Add(e.scheduleDelay)
	}
	if e.deterministicID {
		e.id = contentID(e.class, e.payload, e.actor.Tenant)
	}
	return e, nil
}

// ID returns the unique identifier for this envelope instance.
func (e *Envelope) ID() string { return e.id }

// Class returns the message class computed at construction.
func (e *Envelope) Class() Class { return e.class }

// Payload returns the wrapped message.
func (e *Envelope) Payload() Payload { return e.payload }

// Context returns the actor/tenant routing context.
func (e *Envelope) Context() ActorContext { return e.actor }

// Origin returns the envelope whose handling produced this one,
// or nil for an ingress envelope.
func (e *Envelope) Origin() *Envelope { return e.origin }

// CreatedAt returns when the envelope was constructed.
func (e *Envelope) CreatedAt() time.Time { return e.created }

// Root walks the origin chain to the envelope that started the causal chain,
// typically the ingress command. Returns the envelope itself when it has no
// origin. The idempotency guard compares root IDs to detect redelivery.
func (e *Envelope) Root() *Envelope {
	cur := e
	for cur.origin != nil {
		cur = cur.origin
	}
	return cur
}

// Hash returns a content-based hash for deduplication and storage keys.
// Computed from the class key and the payload's canonical JSON form.
func (e *Envelope) Hash() string {
	return contentID(e.class, e.payload, e.actor.Tenant)
}

func contentID(class Class, payload Payload, ten tenant.ID) string {
	h := sha256.New()
	h.Write([]byte(class.Key()))
	h.Write([]byte{0})
	h.Write([]byte(ten))
	h.Write([]byte{0})
	if data, err := json.Marshal(payload); err == nil {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}
