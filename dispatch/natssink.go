package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/tenant"
)

// NATSSink publishes lifecycle events to NATS subjects keyed by tenant
// and kind: <prefix>.<tenant>.<kind>. Publishes are fire-and-forget core
// NATS messages; the watcher's circuit breaker handles a dead
// connection.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NATSSinkOption configures a NATSSink.
type NATSSinkOption func(*NATSSink)

// WithSubjectPrefix overrides the default "corebus.sys" subject prefix.
func WithSubjectPrefix(prefix string) NATSSinkOption {
	return func(s *NATSSink) { s.prefix = prefix }
}

// NewNATSSink creates a sink over an established NATS connection.
func NewNATSSink(nc *nats.Conn, opts ...NATSSinkOption) (*NATSSink, error) {
	if nc == nil {
		return nil, errors.WrapConfiguration(errors.ErrMissingConfig,
			"NATSSink", "NewNATSSink", "connection required")
	}
	s := &NATSSink{nc: nc, prefix: "corebus.sys"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Publish sends one lifecycle event. Safe for concurrent use.
func (s *NATSSink) Publish(_ context.Context, ev LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "NATSSink", "Publish", "event marshal")
	}
	ten := ev.Tenant
	if ten == "" {
		ten = tenant.Default
	}
	subject := fmt.Sprintf("%s.%s.%s", s.prefix, ten, ev.Kind)
	if err := s.nc.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "NATSSink", "Publish", "publish to "+subject)
	}
	return nil
}
