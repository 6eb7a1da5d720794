package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/eventstore"
	"github.com/c360/corebus/tenant"
)

// Outcome reports what dispatching one command did to an aggregate.
type Outcome struct {
	// AggregateID of the target.
	AggregateID string
	// Version after the dispatch.
	Version int64
	// Events committed by this dispatch, in production order.
	Events []ProducedEvent
	// Duplicate is set when the idempotency guard recognized the command
	// as already applied; the dispatch was a no-op.
	Duplicate bool
	// Rejection is set when handler logic rejected the command.
	Rejection *Rejection
}

// Repository mediates between a Behavior and the event store: it loads an
// aggregate by replaying history, dispatches commands through the behavior
// and commits produced events with optimistic concurrency. An aggregate
// that hits a consistency fault is quarantined until manual reconciliation;
// other aggregates are unaffected.
type Repository[S any] struct {
	behavior      Behavior[S]
	store         eventstore.Store
	snapshotEvery int64
	logger        *slog.Logger

	mu     sync.Mutex
	frozen map[string]error
}

// Option configures a Repository.
type Option[S any] func(*Repository[S])

// WithSnapshotEvery records a snapshot each time the version crosses a
// multiple of n. Zero disables snapshotting.
func WithSnapshotEvery[S any](n int64) Option[S] {
	return func(r *Repository[S]) {
		r.snapshotEvery = n
	}
}

// WithLogger sets the repository logger.
func WithLogger[S any](logger *slog.Logger) Option[S] {
	return func(r *Repository[S]) {
		r.logger = logger
	}
}

// NewRepository creates a repository for a behavior over a store.
func NewRepository[S any](behavior Behavior[S], store eventstore.Store, opts ...Option[S]) (*Repository[S], error) {
	if behavior == nil || store == nil {
		return nil, errors.WrapConfiguration(errors.ErrMissingConfig,
			"Repository", "NewRepository", "dependency validation")
	}

	r := &Repository[S]{
		behavior: behavior,
		store:    store,
		logger:   slog.Default(),
		frozen:   make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func aggKey(ten tenant.ID, id string) string {
	return string(ten) + "/" + id
}

// freeze quarantines an aggregate after a consistency fault.
func (r *Repository[S]) freeze(ten tenant.ID, id string, cause error) {
	r.mu.Lock()
	r.frozen[aggKey(ten, id)] = cause
	r.mu.Unlock()
	r.logger.Error("aggregate quarantined",
		"tenant", ten, "aggregate", id, "cause", cause)
}

func (r *Repository[S]) frozenErr(ten tenant.ID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cause, ok := r.frozen[aggKey(ten, id)]; ok {
		return errors.WrapConsistency(errors.ErrAggregateFrozen,
			"Repository", "Load", fmt.Sprintf("quarantined: %v", cause))
	}
	return nil
}

// Unfreeze lifts the quarantine after manual reconciliation.
func (r *Repository[S]) Unfreeze(ten tenant.ID, id string) {
	r.mu.Lock()
	delete(r.frozen, aggKey(ten, id))
	r.mu.Unlock()
}

// Load reconstructs an aggregate by replaying its persisted history. An
// unseen ID yields a fresh aggregate at version 0 with default state. Any
// out-of-order or duplicate sequence in history is a fatal consistency
// error; the aggregate is quarantined, not retried.
func (r *Repository[S]) Load(ctx context.Context, ten tenant.ID, id string) (*Aggregate[S], error) {
	if err := r.frozenErr(ten, id); err != nil {
		return nil, err
	}

	agg := &Aggregate[S]{
		ID:    id,
		State: r.behavior.NewState(),
		guard: make(map[string]struct{}),
	}

	if r.snapshotEvery > 0 {
		snap, err := r.store.LoadSnapshot(ctx, ten, id)
		switch {
		case err == nil:
			if err := json.Unmarshal(snap.State, &agg.State); err != nil {
				corrupt := errors.WrapConsistency(err, "Repository", "Load", "snapshot decode")
				r.freeze(ten, id, corrupt)
				return nil, corrupt
			}
			agg.Version = snap.Version
		case errors.Is(err, errors.ErrNotFound):
			// Fresh aggregate or snapshotting recently enabled.
		default:
			return nil, errors.WrapTransient(err, "Repository", "Load", "snapshot load")
		}
	}

	history, err := r.store.LoadHistory(ctx, ten, id, agg.Version)
	if err != nil {
		if errors.IsConsistency(err) {
			r.freeze(ten, id, err)
		}
		return nil, err
	}

	for _, stored := range history {
		ev := ProducedEvent{
			ID:       stored.ID,
			RootID:   stored.RootID,
			Sequence: stored.Sequence,
			Payload:  stored.Payload,
		}
		if err := agg.apply(r.behavior, ev); err != nil {
			r.freeze(ten, id, err)
			return nil, err
		}
	}
	agg.ClearUncommitted()
	return agg, nil
}

// Dispatch loads the aggregate, runs the command through the behavior and
// commits the produced events. It is the single mutation path: callers are
// expected to invoke it from the target's shard worker, preserving the
// single-writer invariant.
func (r *Repository[S]) Dispatch(ctx context.Context, ten tenant.ID, id string, env *envelope.Envelope) (*Outcome, error) {
	agg, err := r.Load(ctx, ten, id)
	if err != nil {
		return nil, err
	}

	rootID := env.Root().ID()
	if agg.SeenRoot(rootID) {
		// Redelivered command; same outcome as the first delivery.
		return &Outcome{AggregateID: id, Version: agg.Version, Duplicate: true}, nil
	}

	payloads, err := r.behavior.Handle(ctx, agg.State, env)
	if err != nil {
		if rejection, ok := AsRejection(err); ok {
			return &Outcome{AggregateID: id, Version: agg.Version, Rejection: rejection}, nil
		}
		return nil, err
	}

	baseVersion := agg.Version
	now := time.Now()
	produced := make([]ProducedEvent, 0, len(payloads))
	stored := make([]eventstore.StoredEvent, 0, len(payloads))

	for _, payload := range payloads {
		class, err := envelope.ClassOf(payload)
		if err != nil {
			return nil, errors.Wrap(err, "Repository", "Dispatch", "event classification")
		}
		ev := ProducedEvent{
			ID:       uuid.New().String(),
			RootID:   rootID,
			Sequence: agg.Version + 1,
			Payload:  payload,
		}
		if err := agg.apply(r.behavior, ev); err != nil {
			r.freeze(ten, id, err)
			return nil, err
		}
		agg.uncommitted = append(agg.uncommitted, ev)
		produced = append(produced, ev)
		stored = append(stored, eventstore.StoredEvent{
			ID:         ev.ID,
			RootID:     ev.RootID,
			Class:      class,
			Sequence:   ev.Sequence,
			RecordedAt: now,
			Payload:    payload,
		})
	}

	if len(stored) > 0 {
		if err := r.store.AppendHistory(ctx, ten, id, baseVersion, stored); err != nil {
			if errors.IsConsistency(err) {
				r.freeze(ten, id, err)
			}
			return nil, err
		}
		agg.ClearUncommitted()
		r.maybeSnapshot(ctx, ten, agg, baseVersion)
	}

	return &Outcome{AggregateID: id, Version: agg.Version, Events: produced}, nil
}

// Substitute runs the behavior's substitute method for the envelope, when
// one is declared. Replacement commands come back as payloads for the bus
// to re-post; ok=false means the class has no substitute method and the
// command proceeds to direct handling.
func (r *Repository[S]) Substitute(ctx context.Context, ten tenant.ID, id string, env *envelope.Envelope) ([]envelope.Payload, bool, error) {
	sub, isSub := r.behavior.(Substituter[S])
	if !isSub {
		return nil, false, nil
	}

	agg, err := r.Load(ctx, ten, id)
	if err != nil {
		return nil, false, err
	}
	return sub.Substitute(ctx, agg.State, env)
}

// StateOf returns the currently materialized state and version for a
// tenant-scoped read. This is the read-only query the black-box test
// boundary builds on; it exposes no shard or queue internals.
func (r *Repository[S]) StateOf(ctx context.Context, ten tenant.ID, id string) (S, int64, error) {
	var zero S
	agg, err := r.Load(ctx, ten, id)
	if err != nil {
		return zero, 0, err
	}
	return agg.State, agg.Version, nil
}

// QueryState is the type-erased form of StateOf, letting callers that
// hold heterogeneous repositories behind one interface read state
// without knowing S.
func (r *Repository[S]) QueryState(ctx context.Context, ten tenant.ID, id string) (any, int64, error) {
	state, version, err := r.StateOf(ctx, ten, id)
	if err != nil {
		return nil, 0, err
	}
	return state, version, nil
}

// maybeSnapshot records a snapshot when the version crossed a multiple of
// snapshotEvery during this commit. Snapshot failures are logged and
// dropped; history remains the source of truth.
func (r *Repository[S]) maybeSnapshot(ctx context.Context, ten tenant.ID, agg *Aggregate[S], baseVersion int64) {
	if r.snapshotEvery <= 0 {
		return
	}
	if agg.Version/r.snapshotEvery == baseVersion/r.snapshotEvery {
		return
	}

	state, err := json.Marshal(agg.State)
	if err != nil {
		r.logger.Warn("snapshot marshal failed", "aggregate", agg.ID, "error", err)
		return
	}
	snap := eventstore.Snapshot{
		AggregateID: agg.ID,
		Version:     agg.Version,
		State:       state,
		TakenAt:     time.Now(),
	}
	if err := r.store.SaveSnapshot(ctx, ten, agg.ID, snap); err != nil {
		r.logger.Warn("snapshot save failed", "aggregate", agg.ID, "error", err)
	}
}
