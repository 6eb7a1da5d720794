package eventstore

import (
	"fmt"
	"sync"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
)

// PayloadFactory creates an empty payload instance ready for unmarshaling.
type PayloadFactory func() envelope.Payload

// PayloadRegistry maps message classes to payload factories so stored JSON
// can be rehydrated into typed payloads on load. Built once at startup,
// read-only afterward; registrations race only with themselves, so the
// registry stays thread-safe for concurrent reads during dispatch.
type PayloadRegistry struct {
	factories map[string]PayloadFactory
	mu        sync.RWMutex
}

// NewPayloadRegistry creates a new empty payload registry.
func NewPayloadRegistry() *PayloadRegistry {
	return &PayloadRegistry{
		factories: make(map[string]PayloadFactory),
	}
}

// Register adds a factory for the given class.
// Registering the same class twice is a configuration error.
func (r *PayloadRegistry) Register(class envelope.Class, factory PayloadFactory) error {
	if factory == nil {
		return errors.WrapConfiguration(errors.ErrInvalidConfig,
			"PayloadRegistry", "Register", "factory validation")
	}
	if err := class.Validate(); err != nil {
		return errors.WrapConfiguration(err, "PayloadRegistry", "Register", "class validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := class.Key()
	if _, exists := r.factories[key]; exists {
		return errors.WrapConfiguration(
			fmt.Errorf("payload factory for %s already registered", key),
			"PayloadRegistry", "Register", "duplicate registration")
	}
	r.factories[key] = factory
	return nil
}

// New creates an empty payload for the given class.
// Fails with ErrUnclassifiableMessage for unregistered classes.
func (r *PayloadRegistry) New(class envelope.Class) (envelope.Payload, error) {
	r.mu.RLock()
	factory, ok := r.factories[class.Key()]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapRouting(errors.ErrUnclassifiableMessage,
			"PayloadRegistry", "New", fmt.Sprintf("no factory for class %s", class.Key()))
	}
	return factory(), nil
}

// Classes returns the registered class keys, for diagnostics.
func (r *PayloadRegistry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	return keys
}
