package dispatch

import (
	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
)

// ExtractID pulls the target entity ID out of a payload. Routing uses it
// to turn a classified envelope into a concrete delivery address.
type ExtractID func(envelope.Payload) (string, error)

// IdentityExtractor extracts the target ID from payloads implementing
// envelope.Identifiable. It is the default extractor for routes whose
// payloads carry their own addressing.
func IdentityExtractor(p envelope.Payload) (string, error) {
	ident, ok := p.(envelope.Identifiable)
	if !ok {
		return "", errors.WrapRouting(errors.ErrUnroutableMessage,
			"Router", "IdentityExtractor", "payload does not carry a target ID")
	}
	id := ident.TargetID()
	if id == "" {
		return "", errors.WrapRouting(errors.ErrUnroutableMessage,
			"Router", "IdentityExtractor", "empty target ID")
	}
	return id, nil
}

type routeEntry struct {
	target  string
	extract ExtractID
}

// Router is the routing table mapping message classes to target entity
// types. Written once during bus setup, read-only afterward; concurrent
// reads need no locking because registration finishes before dispatch
// begins.
type Router struct {
	entries map[envelope.Class]routeEntry
}

// NewRouter creates an empty routing table.
func NewRouter() *Router {
	return &Router{entries: make(map[envelope.Class]routeEntry)}
}

// Register stores a single routing entry for the class. A class already
// routed on this table fails with ErrDuplicateRoute; routing ambiguity
// is a startup error, never a dispatch-time tie-break.
func (r *Router) Register(class envelope.Class, target string, extract ExtractID) error {
	if err := class.Validate(); err != nil {
		return errors.WrapConfiguration(err, "Router", "Register", "class validation")
	}
	if target == "" {
		return errors.WrapConfiguration(errors.ErrMissingConfig,
			"Router", "Register", "target type for class "+class.Key())
	}
	if extract == nil {
		extract = IdentityExtractor
	}
	if _, ok := r.entries[class]; ok {
		return errors.WrapConfiguration(errors.ErrDuplicateRoute,
			"Router", "Register", "class "+class.Key())
	}
	r.entries[class] = routeEntry{target: target, extract: extract}
	return nil
}

// Route resolves an envelope to its target entity type and ID. An
// unregistered class fails with ErrUnroutableMessage.
func (r *Router) Route(env *envelope.Envelope) (target, id string, err error) {
	entry, ok := r.entries[env.Class()]
	if !ok {
		return "", "", errors.WrapRouting(errors.ErrUnroutableMessage,
			"Router", "Route", "class "+env.Class().Key())
	}
	id, err = entry.extract(env.Payload())
	if err != nil {
		return "", "", errors.WrapRouting(err, "Router", "Route", "ID extraction for "+env.Class().Key())
	}
	return entry.target, id, nil
}

// Routed reports whether the class has a routing entry.
func (r *Router) Routed(class envelope.Class) bool {
	_, ok := r.entries[class]
	return ok
}

// Targets lists the distinct target types referenced by routing entries.
func (r *Router) Targets() []string {
	seen := make(map[string]struct{})
	targets := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		if _, dup := seen[entry.target]; dup {
			continue
		}
		seen[entry.target] = struct{}{}
		targets = append(targets, entry.target)
	}
	return targets
}
