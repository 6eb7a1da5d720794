package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/corebus/dispatch"
	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/testutil"
)

func TestRouter_RegisterAndRoute(t *testing.T) {
	r := dispatch.NewRouter()
	class := (&testutil.OpenAccount{}).Class()
	require.NoError(t, r.Register(class, "account", nil))

	target, id, err := r.Route(testutil.NewEnvelope(&testutil.OpenAccount{AccountID: "acct-7", Initial: 1}))
	require.NoError(t, err)
	assert.Equal(t, "account", target)
	assert.Equal(t, "acct-7", id)
	assert.True(t, r.Routed(class))
}

func TestRouter_DuplicateRouteFails(t *testing.T) {
	r := dispatch.NewRouter()
	class := (&testutil.OpenAccount{}).Class()
	require.NoError(t, r.Register(class, "account", nil))

	err := r.Register(class, "other", nil)
	assert.ErrorIs(t, err, errors.ErrDuplicateRoute)
	assert.True(t, errors.IsConfiguration(err))
}

func TestRouter_UnroutableMessage(t *testing.T) {
	r := dispatch.NewRouter()
	_, _, err := r.Route(testutil.NewEnvelope(&testutil.Deposit{AccountID: "acct-1", Amount: 1}))
	assert.ErrorIs(t, err, errors.ErrUnroutableMessage)
	assert.True(t, errors.IsRouting(err))
}

func TestRouter_InvalidRegistrations(t *testing.T) {
	r := dispatch.NewRouter()

	err := r.Register(envelope.Class{}, "account", nil)
	assert.True(t, errors.IsConfiguration(err))

	err = r.Register((&testutil.Deposit{}).Class(), "", nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestRouter_CustomExtractor(t *testing.T) {
	r := dispatch.NewRouter()
	class := (&testutil.TransferAll{}).Class()
	require.NoError(t, r.Register(class, "account", func(p envelope.Payload) (string, error) {
		return p.(*testutil.TransferAll).ToAccount, nil
	}))

	_, id, err := r.Route(testutil.NewEnvelope(&testutil.TransferAll{AccountID: "acct-1", ToAccount: "acct-2"}))
	require.NoError(t, err)
	assert.Equal(t, "acct-2", id)
}

func TestIdentityExtractor_RequiresTargetID(t *testing.T) {
	// WithdrawalRefused carries no target ID on purpose.
	_, err := dispatch.IdentityExtractor(&testutil.WithdrawalRefused{AccountID: "acct-1"})
	assert.ErrorIs(t, err, errors.ErrUnroutableMessage)

	id, err := dispatch.IdentityExtractor(&testutil.Deposit{AccountID: "acct-3", Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, "acct-3", id)
}

func TestRouter_Targets(t *testing.T) {
	r := dispatch.NewRouter()
	require.NoError(t, r.Register((&testutil.OpenAccount{}).Class(), "account", nil))
	require.NoError(t, r.Register((&testutil.Deposit{}).Class(), "account", nil))
	require.NoError(t, r.Register((&testutil.TransferAll{}).Class(), "ledger", nil))

	targets := r.Targets()
	assert.Len(t, targets, 2)
	assert.ElementsMatch(t, []string{"account", "ledger"}, targets)
}
