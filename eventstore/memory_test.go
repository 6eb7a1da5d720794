package eventstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/tenant"
)

type depositedEvent struct {
	Amount int64 `json:"amount"`
}

func (e *depositedEvent) Class() envelope.Class {
	return envelope.Class{Domain: "billing", Kind: "deposited", Version: "v1"}
}

func (e *depositedEvent) Validate() error { return nil }

func (e *depositedEvent) MarshalJSON() ([]byte, error) {
	type alias depositedEvent
	return json.Marshal((*alias)(e))
}

func (e *depositedEvent) UnmarshalJSON(data []byte) error {
	type alias depositedEvent
	return json.Unmarshal(data, (*alias)(e))
}

func stored(seq int64, rootID string) StoredEvent {
	return StoredEvent{
		ID:         "ev-" + rootID,
		RootID:     rootID,
		Class:      (&depositedEvent{}).Class(),
		Sequence:   seq,
		RecordedAt: time.Now(),
		Payload:    &depositedEvent{Amount: seq * 10},
	}
}

func TestMemoryStore_NewAggregateHasEmptyHistory(t *testing.T) {
	s := NewMemoryStore()

	events, err := s.LoadHistory(context.Background(), tenant.Default, "acct-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStore_AppendAndLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendHistory(ctx, tenant.Default, "acct-1", 0, []StoredEvent{stored(1, "c1"), stored(2, "c2")}))
	require.NoError(t, s.AppendHistory(ctx, tenant.Default, "acct-1", 2, []StoredEvent{stored(3, "c3")}))

	events, err := s.LoadHistory(ctx, tenant.Default, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}

	tail, err := s.LoadHistory(ctx, tenant.Default, "acct-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)
}

func TestMemoryStore_LoadedPayloadsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendHistory(ctx, tenant.Default, "acct-1", 0, []StoredEvent{stored(1, "c1")}))

	first, err := s.LoadHistory(ctx, tenant.Default, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	first[0].Payload.(*depositedEvent).Amount = 999

	second, err := s.LoadHistory(ctx, tenant.Default, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(10), second[0].Payload.(*depositedEvent).Amount)
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendHistory(ctx, tenant.Default, "acct-1", 0, []StoredEvent{stored(1, "c1")}))

	err := s.AppendHistory(ctx, tenant.Default, "acct-1", 0, []StoredEvent{stored(1, "c2")})
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
	assert.True(t, errors.IsConsistency(err))
}

func TestMemoryStore_GappedSequenceRejected(t *testing.T) {
	s := NewMemoryStore()

	err := s.AppendHistory(context.Background(), tenant.Default, "acct-1", 0, []StoredEvent{stored(2, "c1")})
	assert.ErrorIs(t, err, errors.ErrHistoryCorruption)
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendHistory(ctx, tenant.ID("alpha"), "acct-1", 0, []StoredEvent{stored(1, "c1")}))

	events, err := s.LoadHistory(ctx, tenant.ID("beta"), "acct-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStore_MissingTenantRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LoadHistory(ctx, tenant.ID(""), "acct-1", 0)
	assert.ErrorIs(t, err, errors.ErrMissingTenantContext)

	err = s.AppendHistory(ctx, tenant.ID(""), "acct-1", 0, []StoredEvent{stored(1, "c1")})
	assert.ErrorIs(t, err, errors.ErrMissingTenantContext)
}

func TestMemoryStore_Snapshots(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LoadSnapshot(ctx, tenant.Default, "acct-1")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	snap := Snapshot{AggregateID: "acct-1", Version: 5, State: json.RawMessage(`{"balance":50}`), TakenAt: time.Now()}
	require.NoError(t, s.SaveSnapshot(ctx, tenant.Default, "acct-1", snap))

	got, err := s.LoadSnapshot(ctx, tenant.Default, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
	assert.JSONEq(t, `{"balance":50}`, string(got.State))
}
