package eventstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
)

func TestPayloadRegistry_RoundTrip(t *testing.T) {
	r := NewPayloadRegistry()
	class := (&depositedEvent{}).Class()

	require.NoError(t, r.Register(class, func() envelope.Payload { return &depositedEvent{} }))

	payload, err := r.New(class)
	require.NoError(t, err)

	require.NoError(t, json.Unmarshal([]byte(`{"amount":25}`), payload))
	deposited, ok := payload.(*depositedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(25), deposited.Amount)
}

func TestPayloadRegistry_DuplicateRegistrationFails(t *testing.T) {
	r := NewPayloadRegistry()
	class := (&depositedEvent{}).Class()

	require.NoError(t, r.Register(class, func() envelope.Payload { return &depositedEvent{} }))
	err := r.Register(class, func() envelope.Payload { return &depositedEvent{} })
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestPayloadRegistry_UnknownClass(t *testing.T) {
	r := NewPayloadRegistry()

	_, err := r.New(envelope.Class{Domain: "x", Kind: "y", Version: "v1"})
	assert.ErrorIs(t, err, errors.ErrUnclassifiableMessage)
}

func TestPayloadRegistry_Validation(t *testing.T) {
	r := NewPayloadRegistry()

	assert.Error(t, r.Register((&depositedEvent{}).Class(), nil))
	assert.Error(t, r.Register(envelope.Class{}, func() envelope.Payload { return &depositedEvent{} }))
}

func TestPayloadRegistry_Classes(t *testing.T) {
	r := NewPayloadRegistry()
	require.NoError(t, r.Register((&depositedEvent{}).Class(), func() envelope.Payload { return &depositedEvent{} }))

	assert.Equal(t, []string{"billing.deposited.v1"}, r.Classes())
}
