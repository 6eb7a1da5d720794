package dispatch

import (
	"context"
	"fmt"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
)

// Message constrains a registration to pointer payload types. PT is the
// pointer form of the concrete payload struct T; registration derives the
// message class from a fresh zero instance.
type Message[T any] interface {
	*T
	envelope.Payload
}

// handlerShape records which parameter shape a command handler was
// registered with. A class may carry at most one direct handler on a
// target regardless of shape.
type handlerShape int

const (
	shapePayload handlerShape = iota
	shapePayloadActor
)

func (s handlerShape) String() string {
	if s == shapePayloadActor {
		return "payload+actor"
	}
	return "payload"
}

type commandEntry[S any] struct {
	shape handlerShape
	fn    func(context.Context, S, *envelope.Envelope) ([]envelope.Payload, error)
}

// Handlers is the immutable dispatch table for one target state type.
// It is built once at startup through the generic registration functions
// and satisfies aggregate.Behavior[S] and aggregate.Substituter[S]
// afterward. Not safe for concurrent registration; register everything
// before the owning bus starts.
type Handlers[S any] struct {
	newState    func() S
	commands    map[envelope.Class]commandEntry[S]
	appliers    map[envelope.Class]func(*S, envelope.Payload) error
	substitutes map[envelope.Class]func(context.Context, S, *envelope.Envelope) ([]envelope.Payload, error)
}

// HandlersOption configures a Handlers table at construction.
type HandlersOption[S any] func(*Handlers[S])

// WithInitialState overrides the zero value used for brand-new targets.
func WithInitialState[S any](fn func() S) HandlersOption[S] {
	return func(h *Handlers[S]) {
		h.newState = fn
	}
}

// NewHandlers creates an empty dispatch table for state type S.
func NewHandlers[S any](opts ...HandlersOption[S]) *Handlers[S] {
	h := &Handlers[S]{
		newState:    func() S { var zero S; return zero },
		commands:    make(map[envelope.Class]commandEntry[S]),
		appliers:    make(map[envelope.Class]func(*S, envelope.Payload) error),
		substitutes: make(map[envelope.Class]func(context.Context, S, *envelope.Envelope) ([]envelope.Payload, error)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// classFor derives the message class from a zero instance of the payload
// type. Payload types declare their class as a constant, so a zero
// instance reports the same class as a populated one.
func classFor[T any, PT Message[T]]() (envelope.Class, error) {
	var exemplar PT = new(T)
	class := exemplar.Class()
	if err := class.Validate(); err != nil {
		return envelope.Class{}, errors.WrapConfiguration(errors.ErrUnclassifiableMessage,
			"Handlers", "classFor", fmt.Sprintf("class declaration on %T", exemplar))
	}
	return class, nil
}

// AssignCommand registers fn as the handler for commands of PT's class.
// The handler receives the current state and the typed command and
// returns the events to apply. A second handler able to match the same
// class on this table fails with ErrHandlerAmbiguity.
func AssignCommand[S any, T any, PT Message[T]](
	h *Handlers[S],
	fn func(context.Context, S, PT) ([]envelope.Payload, error),
) error {
	class, err := classFor[T, PT]()
	if err != nil {
		return err
	}
	if prior, ok := h.commands[class]; ok {
		return errors.WrapConfiguration(errors.ErrHandlerAmbiguity,
			"Handlers", "AssignCommand",
			fmt.Sprintf("class %s already handled with shape %s", class.Key(), prior.shape))
	}
	h.commands[class] = commandEntry[S]{
		shape: shapePayload,
		fn: func(ctx context.Context, state S, env *envelope.Envelope) ([]envelope.Payload, error) {
			cmd, ok := env.Payload().(PT)
			if !ok {
				return nil, errors.WrapConfiguration(errors.ErrSignatureMismatch,
					"Handlers", "Handle", "payload type assertion for "+class.Key())
			}
			return fn(ctx, state, cmd)
		},
	}
	return nil
}

// AssignCommandWithActor registers a handler that additionally receives
// the envelope's actor context. It claims the class exactly like
// AssignCommand does; declaring both shapes for one class is ambiguous.
func AssignCommandWithActor[S any, T any, PT Message[T]](
	h *Handlers[S],
	fn func(context.Context, S, PT, envelope.ActorContext) ([]envelope.Payload, error),
) error {
	class, err := classFor[T, PT]()
	if err != nil {
		return err
	}
	if prior, ok := h.commands[class]; ok {
		return errors.WrapConfiguration(errors.ErrHandlerAmbiguity,
			"Handlers", "AssignCommandWithActor",
			fmt.Sprintf("class %s already handled with shape %s", class.Key(), prior.shape))
	}
	h.commands[class] = commandEntry[S]{
		shape: shapePayloadActor,
		fn: func(ctx context.Context, state S, env *envelope.Envelope) ([]envelope.Payload, error) {
			cmd, ok := env.Payload().(PT)
			if !ok {
				return nil, errors.WrapConfiguration(errors.ErrSignatureMismatch,
					"Handlers", "Handle", "payload type assertion for "+class.Key())
			}
			return fn(ctx, state, cmd, env.Context())
		},
	}
	return nil
}

// ApplyEvent registers fn as the state mutator for events of PT's class.
// Appliers are the only code allowed to change state; handlers return
// events and never touch state directly.
func ApplyEvent[S any, T any, PT Message[T]](
	h *Handlers[S],
	fn func(*S, PT) error,
) error {
	class, err := classFor[T, PT]()
	if err != nil {
		return err
	}
	if _, ok := h.appliers[class]; ok {
		return errors.WrapConfiguration(errors.ErrHandlerAmbiguity,
			"Handlers", "ApplyEvent", "class "+class.Key()+" already has an applier")
	}
	h.appliers[class] = func(state *S, payload envelope.Payload) error {
		ev, ok := payload.(PT)
		if !ok {
			return errors.WrapConfiguration(errors.ErrSignatureMismatch,
				"Handlers", "Apply", "payload type assertion for "+class.Key())
		}
		return fn(state, ev)
	}
	return nil
}

// SubstituteCommand registers fn to rewrite commands of PT's class into
// replacement commands based on prior state. Substitution always runs
// before direct handling and is not retried; its replacements are posted
// with the original envelope as origin. A class may declare both a
// substitute and a direct handler, but only one substitute.
func SubstituteCommand[S any, T any, PT Message[T]](
	h *Handlers[S],
	fn func(context.Context, S, PT) ([]envelope.Payload, error),
) error {
	class, err := classFor[T, PT]()
	if err != nil {
		return err
	}
	if _, ok := h.substitutes[class]; ok {
		return errors.WrapConfiguration(errors.ErrHandlerAmbiguity,
			"Handlers", "SubstituteCommand", "class "+class.Key()+" already has a substitute")
	}
	h.substitutes[class] = func(ctx context.Context, state S, env *envelope.Envelope) ([]envelope.Payload, error) {
		cmd, ok := env.Payload().(PT)
		if !ok {
			return nil, errors.WrapConfiguration(errors.ErrSignatureMismatch,
				"Handlers", "Substitute", "payload type assertion for "+class.Key())
		}
		return fn(ctx, state, cmd)
	}
	return nil
}

// NewState returns the initial state for an unseen target.
func (h *Handlers[S]) NewState() S {
	return h.newState()
}

// Handle resolves the command's class against the dispatch table and
// invokes the matched handler. Zero matches is ErrSignatureMismatch,
// surfaced to the caller rather than swallowed.
func (h *Handlers[S]) Handle(ctx context.Context, state S, env *envelope.Envelope) ([]envelope.Payload, error) {
	entry, ok := h.commands[env.Class()]
	if !ok {
		return nil, errors.WrapConfiguration(errors.ErrSignatureMismatch,
			"Handlers", "Handle", "no handler for class "+env.Class().Key())
	}
	return entry.fn(ctx, state, env)
}

// Apply folds one event into state through its registered applier.
func (h *Handlers[S]) Apply(state *S, event envelope.Payload) error {
	class, err := envelope.ClassOf(event)
	if err != nil {
		return errors.Wrap(err, "Handlers", "Apply", "event classification")
	}
	applier, ok := h.appliers[class]
	if !ok {
		return errors.WrapConfiguration(errors.ErrSignatureMismatch,
			"Handlers", "Apply", "no applier for class "+class.Key())
	}
	return applier(state, event)
}

// Substitute runs the substitute registered for the envelope's class when
// one exists. ok=false means the class has no substitute and the command
// proceeds to direct handling.
func (h *Handlers[S]) Substitute(ctx context.Context, state S, env *envelope.Envelope) ([]envelope.Payload, bool, error) {
	sub, ok := h.substitutes[env.Class()]
	if !ok {
		return nil, false, nil
	}
	replacements, err := sub(ctx, state, env)
	return replacements, true, err
}

// Classes reports every message class the table can match, useful for
// wiring routing entries from the same declarations.
func (h *Handlers[S]) Classes() []envelope.Class {
	classes := make([]envelope.Class, 0, len(h.commands)+len(h.appliers))
	for class := range h.commands {
		classes = append(classes, class)
	}
	for class := range h.appliers {
		if _, dup := h.commands[class]; !dup {
			classes = append(classes, class)
		}
	}
	return classes
}
