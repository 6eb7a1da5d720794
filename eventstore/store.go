// Package eventstore defines the storage boundary of the dispatch core.
// Aggregate state is never persisted directly; only event history and
// snapshots cross this boundary. Implementations must provide optimistic
// concurrency on append so retried deliveries cannot fork a history.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/tenant"
)

// StoredEvent is one entry of an aggregate's persisted history.
type StoredEvent struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// RootID is the ID of the root command envelope whose handling
	// produced this event. The idempotency guard scans history for it
	// to detect redelivered commands.
	RootID string `json:"root_id"`

	// Class is the event's message class.
	Class envelope.Class `json:"class"`

	// Sequence is the 1-based position in the aggregate's history. It
	// equals the aggregate version after the event is applied.
	Sequence int64 `json:"sequence"`

	// RecordedAt is when the event was appended.
	RecordedAt time.Time `json:"recorded_at"`

	// Payload is the event message itself.
	Payload envelope.Payload `json:"-"`
}

// Snapshot captures aggregate state at a version so replay can resume from
// it instead of the beginning of history.
type Snapshot struct {
	AggregateID string          `json:"aggregate_id"`
	Version     int64           `json:"version"`
	State       json.RawMessage `json:"state"`
	TakenAt     time.Time       `json:"taken_at"`
}

// Store is the external storage collaborator. All operations are scoped to
// a tenant; implementations must never leak events across tenants.
type Store interface {
	// LoadHistory returns the aggregate's events with Sequence greater
	// than afterVersion, in ascending sequence order. An empty result is
	// valid and denotes a brand-new aggregate (or a fully snapshotted one).
	LoadHistory(ctx context.Context, ten tenant.ID, aggregateID string, afterVersion int64) ([]StoredEvent, error)

	// AppendHistory appends events atomically iff the aggregate's current
	// version equals expectedVersion. Fails with ErrVersionConflict
	// otherwise; the caller must reload and decide.
	AppendHistory(ctx context.Context, ten tenant.ID, aggregateID string, expectedVersion int64, events []StoredEvent) error

	// LoadSnapshot returns the latest snapshot for the aggregate, or
	// ErrNotFound when none was ever taken.
	LoadSnapshot(ctx context.Context, ten tenant.ID, aggregateID string) (*Snapshot, error)

	// SaveSnapshot records a snapshot. Implementations keep only the
	// latest snapshot per aggregate.
	SaveSnapshot(ctx context.Context, ten tenant.ID, aggregateID string, snap Snapshot) error
}
