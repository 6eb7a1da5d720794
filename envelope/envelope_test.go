package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/tenant"
)

type pingPayload struct {
	Target string `json:"target"`
}

func (p *pingPayload) Class() Class {
	return Class{Domain: "net", Kind: "ping", Version: "v1"}
}

func (p *pingPayload) Validate() error {
	if p.Target == "" {
		return errors.New("target is required")
	}
	return nil
}

func (p *pingPayload) MarshalJSON() ([]byte, error) {
	type alias pingPayload
	return json.Marshal((*alias)(p))
}

func (p *pingPayload) UnmarshalJSON(data []byte) error {
	type alias pingPayload
	return json.Unmarshal(data, (*alias)(p))
}

// emptyPayload deliberately reports a zero class, modeling a nil marker.
type emptyPayload struct{}

func (p *emptyPayload) Class() Class               { return Class{} }
func (p *emptyPayload) Validate() error            { return nil }
func (p *emptyPayload) MarshalJSON() ([]byte, error) { return []byte("{}"), nil }
func (p *emptyPayload) UnmarshalJSON([]byte) error { return nil }

func actor() ActorContext {
	return ActorContext{ActorID: "tester", Tenant: tenant.Default}
}

func TestNew_AssignsIDAndClass(t *testing.T) {
	env, err := New(&pingPayload{Target: "10.0.0.1"}, actor())
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID())
	assert.Equal(t, "net.ping.v1", env.Class().Key())
	assert.Nil(t, env.Origin())
	assert.False(t, env.CreatedAt().IsZero())
}

func TestNew_NilPayloadUnclassifiable(t *testing.T) {
	_, err := New(nil, actor())
	assert.ErrorIs(t, err, errors.ErrUnclassifiableMessage)
}

func TestNew_ZeroClassUnclassifiable(t *testing.T) {
	_, err := New(&emptyPayload{}, actor())
	assert.ErrorIs(t, err, errors.ErrUnclassifiableMessage)
}

func TestNew_InvalidPayloadRejected(t *testing.T) {
	_, err := New(&pingPayload{}, actor())
	assert.Error(t, err)
}

func TestWithDeterministicID_StableAcrossRetries(t *testing.T) {
	first, err := New(&pingPayload{Target: "10.0.0.1"}, actor(), WithDeterministicID())
	require.NoError(t, err)
	second, err := New(&pingPayload{Target: "10.0.0.1"}, actor(), WithDeterministicID())
	require.NoError(t, err)
	other, err := New(&pingPayload{Target: "10.0.0.2"}, actor(), WithDeterministicID())
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
	assert.NotEqual(t, first.ID(), other.ID())
}

func TestHash_DiffersByTenant(t *testing.T) {
	a, err := New(&pingPayload{Target: "x"}, ActorContext{ActorID: "t", Tenant: "alpha"})
	require.NoError(t, err)
	b, err := New(&pingPayload{Target: "x"}, ActorContext{ActorID: "t", Tenant: "beta"})
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestRoot_WalksOriginChain(t *testing.T) {
	root, err := New(&pingPayload{Target: "a"}, actor())
	require.NoError(t, err)
	mid, err := New(&pingPayload{Target: "b"}, actor(), WithOrigin(root))
	require.NoError(t, err)
	leaf, err := New(&pingPayload{Target: "c"}, actor(), WithOrigin(mid))
	require.NoError(t, err)

	assert.Equal(t, root.ID(), leaf.Root().ID())
	assert.Equal(t, root.ID(), mid.Root().ID())
	assert.Equal(t, root.ID(), root.Root().ID())
}

func TestWithSchedule_SetsDispatchAfter(t *testing.T) {
	env, err := New(&pingPayload{Target: "a"}, actor(), WithSchedule(time.Minute))
	require.NoError(t, err)

	require.True(t, env.Context().Scheduled())
	assert.WithinDuration(t, env.CreatedAt().Add(time.Minute), env.Context().DispatchAfter, time.Second)
}

func TestWithTime_OverridesCreation(t *testing.T) {
	past := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	env, err := New(&pingPayload{Target: "a"}, ActorContext{ActorID: "t", Tenant: tenant.Default}, WithTime(past))
	require.NoError(t, err)

	assert.Equal(t, past, env.CreatedAt())
	assert.Equal(t, past, env.Context().Timestamp)
}
