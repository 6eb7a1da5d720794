package dispatch

import (
	"context"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
)

// SubscribeEvent registers a named subscriber for events of PT's class.
// Subscribers are broadcast observers, not handler resolution: several
// may listen to one class, but a name may claim a class only once.
// Subscriber failures are logged and never fail the dispatch that
// produced the event.
func SubscribeEvent[T any, PT Message[T]](
	b *Bus,
	name string,
	fn func(context.Context, PT, *envelope.Envelope) error,
) error {
	if b.started {
		return errors.ErrAlreadyStarted
	}
	class, err := classFor[T, PT]()
	if err != nil {
		return err
	}
	if name == "" {
		return errors.WrapConfiguration(errors.ErrMissingConfig,
			"Bus", "SubscribeEvent", "subscriber name required")
	}
	for _, sub := range b.subscribers[class] {
		if sub.name == name {
			return errors.WrapConfiguration(errors.ErrHandlerAmbiguity,
				"Bus", "SubscribeEvent",
				"subscriber "+name+" already listens to "+class.Key())
		}
	}
	b.subscribers[class] = append(b.subscribers[class], subscriberEntry{
		name: name,
		fn: func(ctx context.Context, env *envelope.Envelope) error {
			ev, ok := env.Payload().(PT)
			if !ok {
				return errors.WrapConfiguration(errors.ErrSignatureMismatch,
					"Bus", "SubscribeEvent", "payload type assertion for "+class.Key())
			}
			return fn(ctx, ev, env)
		},
	})
	return nil
}

// CatchRejection registers a named handler for typed rejection payloads
// of PT's class. Rejections flow back through the bus as first-class
// outcomes; catchers observe them for compensation or reporting.
func CatchRejection[T any, PT Message[T]](
	b *Bus,
	name string,
	fn func(context.Context, PT, *envelope.Envelope) error,
) error {
	if b.started {
		return errors.ErrAlreadyStarted
	}
	class, err := classFor[T, PT]()
	if err != nil {
		return err
	}
	if name == "" {
		return errors.WrapConfiguration(errors.ErrMissingConfig,
			"Bus", "CatchRejection", "handler name required")
	}
	for _, catcher := range b.catchers[class] {
		if catcher.name == name {
			return errors.WrapConfiguration(errors.ErrHandlerAmbiguity,
				"Bus", "CatchRejection",
				"handler "+name+" already catches "+class.Key())
		}
	}
	b.catchers[class] = append(b.catchers[class], subscriberEntry{
		name: name,
		fn: func(ctx context.Context, env *envelope.Envelope) error {
			rej, ok := env.Payload().(PT)
			if !ok {
				return errors.WrapConfiguration(errors.ErrSignatureMismatch,
					"Bus", "CatchRejection", "payload type assertion for "+class.Key())
			}
			return fn(ctx, rej, env)
		},
	})
	return nil
}
