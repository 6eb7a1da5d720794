package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/tenant"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
// Histories are partitioned per tenant per aggregate; stored events are
// treated as immutable once appended.
type MemoryStore struct {
	mu        sync.RWMutex
	histories map[string][]StoredEvent
	snapshots map[string]Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		histories: make(map[string][]StoredEvent),
		snapshots: make(map[string]Snapshot),
	}
}

func storeKey(ten tenant.ID, aggregateID string) string {
	return string(ten) + "/" + aggregateID
}

// LoadHistory returns events after the given version in ascending order.
func (s *MemoryStore) LoadHistory(_ context.Context, ten tenant.ID, aggregateID string, afterVersion int64) ([]StoredEvent, error) {
	if ten.IsZero() {
		return nil, errors.ErrMissingTenantContext
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.histories[storeKey(ten, aggregateID)]
	out := make([]StoredEvent, 0, len(history))
	for _, ev := range history {
		if ev.Sequence <= afterVersion {
			continue
		}
		payload, err := clonePayload(ev.Payload)
		if err != nil {
			return nil, errors.WrapConsistency(err,
				"MemoryStore", "LoadHistory", "payload clone")
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, nil
}

// clonePayload deep-copies a payload through its own JSON codec so callers
// cannot mutate stored history through the returned pointer.
func clonePayload(p envelope.Payload) (envelope.Payload, error) {
	if p == nil {
		return nil, nil
	}
	typ := reflect.TypeOf(p)
	if typ.Kind() != reflect.Pointer {
		return p, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	fresh := reflect.New(typ.Elem()).Interface().(envelope.Payload)
	if err := json.Unmarshal(data, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// AppendHistory appends events iff the current version matches expectedVersion.
func (s *MemoryStore) AppendHistory(_ context.Context, ten tenant.ID, aggregateID string, expectedVersion int64, events []StoredEvent) error {
	if ten.IsZero() {
		return errors.ErrMissingTenantContext
	}
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(ten, aggregateID)
	history := s.histories[key]

	current := int64(0)
	if n := len(history); n > 0 {
		current = history[n-1].Sequence
	}
	if current != expectedVersion {
		return errors.WrapConsistency(errors.ErrVersionConflict,
			"MemoryStore", "AppendHistory",
			fmt.Sprintf("expected version %d, found %d", expectedVersion, current))
	}

	next := expectedVersion
	for _, ev := range events {
		next++
		if ev.Sequence != next {
			return errors.WrapConsistency(errors.ErrHistoryCorruption,
				"MemoryStore", "AppendHistory",
				fmt.Sprintf("event sequence %d, expected %d", ev.Sequence, next))
		}
	}

	s.histories[key] = append(history, events...)
	return nil
}

// LoadSnapshot returns the latest snapshot, or ErrNotFound when none exists.
func (s *MemoryStore) LoadSnapshot(_ context.Context, ten tenant.ID, aggregateID string) (*Snapshot, error) {
	if ten.IsZero() {
		return nil, errors.ErrMissingTenantContext
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[storeKey(ten, aggregateID)]
	if !ok {
		return nil, errors.ErrNotFound
	}
	copied := snap
	return &copied, nil
}

// SaveSnapshot stores the snapshot, replacing any earlier one.
func (s *MemoryStore) SaveSnapshot(_ context.Context, ten tenant.ID, aggregateID string, snap Snapshot) error {
	if ten.IsZero() {
		return errors.ErrMissingTenantContext
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[storeKey(ten, aggregateID)] = snap
	return nil
}

var _ Store = (*MemoryStore)(nil)
