package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/corebus/aggregate"
	"github.com/c360/corebus/dispatch"
	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/eventstore"
	"github.com/c360/corebus/tenant"
	"github.com/c360/corebus/testutil"
)

// accountBus wires a started bus over a fresh in-memory store with the
// banking target mounted and its command classes routed.
func accountBus(t *testing.T, opts ...dispatch.BusOption) (*dispatch.Bus, *aggregate.Repository[testutil.Account]) {
	t.Helper()

	repo, err := aggregate.NewRepository[testutil.Account](
		testutil.AccountBehavior{}, eventstore.NewMemoryStore())
	require.NoError(t, err)

	opts = append([]dispatch.BusOption{
		dispatch.WithShards(4),
		dispatch.WithQueueSize(256),
	}, opts...)
	bus, err := dispatch.NewBus(opts...)
	require.NoError(t, err)

	require.NoError(t, bus.RegisterTarget("account", repo))
	for _, class := range []envelope.Class{
		(&testutil.OpenAccount{}).Class(),
		(&testutil.Deposit{}).Class(),
		(&testutil.Withdraw{}).Class(),
		(&testutil.TransferAll{}).Class(),
	} {
		require.NoError(t, bus.RegisterRoute(class, "account", nil))
	}

	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		_ = bus.Stop(2 * time.Second)
	})
	return bus, repo
}

func awaitOutcome(t *testing.T, ack dispatch.Ack) dispatch.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := ack.Outcome(ctx)
	require.NoError(t, err)
	return res
}

func TestBus_EndToEndCreate(t *testing.T) {
	bus, _ := accountBus(t)

	ack := bus.Post(testutil.NewEnvelope(&testutil.OpenAccount{AccountID: "acct-1", Initial: 100}))
	require.Equal(t, dispatch.StatusAccepted, ack.Status)
	require.False(t, ack.Rejected())

	res := awaitOutcome(t, ack)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.Version)
	require.Len(t, res.Events, 1)
	assert.IsType(t, &testutil.AccountOpened{}, res.Events[0].Payload)

	ctx := tenant.With(context.Background(), tenant.Default)
	state, version, err := bus.StateOf(ctx, "account", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, int64(100), state.(testutil.Account).Balance)
}

func TestBus_IdempotentRedelivery(t *testing.T) {
	bus, _ := accountBus(t)

	post := func() dispatch.Result {
		ack := bus.Post(testutil.NewEnvelope(
			&testutil.OpenAccount{AccountID: "acct-1", Initial: 100},
			envelope.WithDeterministicID()))
		require.Equal(t, dispatch.StatusAccepted, ack.Status)
		return awaitOutcome(t, ack)
	}

	first := post()
	require.NoError(t, first.Err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(1), first.Version)
	assert.Len(t, first.Events, 1)

	second := post()
	require.NoError(t, second.Err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(1), second.Version)
	assert.Empty(t, second.Events)
}

func TestBus_UnroutableMessage(t *testing.T) {
	bus, repo := accountBus(t)

	// Event classes carry no routing entry on this bus.
	ack := bus.Post(testutil.NewEnvelope(&testutil.AccountOpened{AccountID: "acct-1", Initial: 1}))
	require.True(t, ack.Rejected())
	assert.ErrorIs(t, ack.Cause, errors.ErrUnroutableMessage)
	assert.False(t, ack.Retryable())

	// Nothing reached the store.
	_, version, err := repo.StateOf(context.Background(), tenant.Default, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestBus_RejectionIsFirstClassOutcome(t *testing.T) {
	caught := make(chan *testutil.WithdrawalRefused, 1)

	bus, err := dispatch.NewBus(dispatch.WithShards(2))
	require.NoError(t, err)
	repo, err := aggregate.NewRepository[testutil.Account](
		testutil.AccountBehavior{}, eventstore.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, bus.RegisterTarget("account", repo))
	require.NoError(t, bus.RegisterRoute((&testutil.OpenAccount{}).Class(), "account", nil))
	require.NoError(t, bus.RegisterRoute((&testutil.Withdraw{}).Class(), "account", nil))
	require.NoError(t, dispatch.CatchRejection(bus, "refund-report",
		func(_ context.Context, rej *testutil.WithdrawalRefused, _ *envelope.Envelope) error {
			caught <- rej
			return nil
		}))
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })

	awaitOutcome(t, bus.Post(testutil.NewEnvelope(&testutil.OpenAccount{AccountID: "acct-1", Initial: 10})))

	res := awaitOutcome(t, bus.Post(testutil.NewEnvelope(&testutil.Withdraw{AccountID: "acct-1", Amount: 1000})))
	require.NoError(t, res.Err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, "insufficient funds", res.Rejection.Reason)
	assert.Equal(t, int64(1), res.Version)

	select {
	case rej := <-caught:
		assert.Equal(t, int64(1000), rej.Requested)
		assert.Equal(t, int64(10), rej.Balance)
	case <-time.After(5 * time.Second):
		t.Fatal("rejection handler not invoked")
	}
}

func TestBus_SubscribersReceiveEventsInOrder(t *testing.T) {
	repo, err := aggregate.NewRepository[testutil.Account](
		testutil.AccountBehavior{}, eventstore.NewMemoryStore())
	require.NoError(t, err)
	bus, err := dispatch.NewBus(dispatch.WithShards(4))
	require.NoError(t, err)
	require.NoError(t, bus.RegisterTarget("account", repo))
	require.NoError(t, bus.RegisterRoute((&testutil.OpenAccount{}).Class(), "account", nil))
	require.NoError(t, bus.RegisterRoute((&testutil.Deposit{}).Class(), "account", nil))

	const deposits = 20
	received := make(chan int64, deposits)
	require.NoError(t, dispatch.SubscribeEvent(bus, "ledger-projection",
		func(_ context.Context, ev *testutil.Deposited, env *envelope.Envelope) error {
			require.NotNil(t, env.Origin())
			received <- ev.Amount
			return nil
		}))

	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })

	awaitOutcome(t, bus.Post(testutil.NewEnvelope(&testutil.OpenAccount{AccountID: "acct-1", Initial: 0})))
	for i := int64(1); i <= deposits; i++ {
		ack := bus.Post(testutil.NewEnvelope(&testutil.Deposit{AccountID: "acct-1", Amount: i}))
		require.Equal(t, dispatch.StatusAccepted, ack.Status)
	}

	for want := int64(1); want <= deposits; want++ {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("subscriber did not receive event %d", want)
		}
	}
}

func TestBus_OrderingPerTarget(t *testing.T) {
	bus, repo := accountBus(t)

	awaitOutcome(t, bus.Post(testutil.NewEnvelope(&testutil.OpenAccount{AccountID: "acct-1", Initial: 0})))

	const n = 50
	acks := make([]dispatch.Ack, 0, n)
	for i := 0; i < n; i++ {
		ack := bus.Post(testutil.NewEnvelope(&testutil.Deposit{AccountID: "acct-1", Amount: 1}))
		require.Equal(t, dispatch.StatusAccepted, ack.Status)
		acks = append(acks, ack)
	}

	// Versions must reflect submission order: command i commits at
	// version i+2 (the open consumed version 1).
	for i, ack := range acks {
		res := awaitOutcome(t, ack)
		require.NoError(t, res.Err)
		assert.Equal(t, int64(i+2), res.Version)
	}

	state, version, err := repo.StateOf(context.Background(), tenant.Default, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(n+1), version)
	assert.Equal(t, int64(n), state.Balance)
}

func TestBus_SubstitutionRunsFirst(t *testing.T) {
	bus, repo := accountBus(t)

	awaitOutcome(t, bus.Post(testutil.NewEnvelope(&testutil.OpenAccount{AccountID: "acct-1", Initial: 75})))

	res := awaitOutcome(t, bus.Post(testutil.NewEnvelope(
		&testutil.TransferAll{AccountID: "acct-1", ToAccount: "acct-2"})))
	require.NoError(t, res.Err)
	assert.True(t, res.Substituted)
	assert.Len(t, res.Replacements, 1)

	assert.Eventually(t, func() bool {
		state, _, err := repo.StateOf(context.Background(), tenant.Default, "acct-1")
		return err == nil && state.Balance == 0
	}, 5*time.Second, 10*time.Millisecond, "replacement withdraw never applied")
}

func TestBus_StateOfRequiresTenantScope(t *testing.T) {
	bus, _ := accountBus(t)

	_, _, err := bus.StateOf(context.Background(), "account", "acct-1")
	assert.ErrorIs(t, err, errors.ErrMissingTenantContext)
}

func TestBus_TenantIsolation(t *testing.T) {
	bus, _ := accountBus(t)

	env, err := envelope.New(&testutil.OpenAccount{AccountID: "acct-1", Initial: 50},
		envelope.ActorContext{ActorID: "test-actor", Tenant: "acme"})
	require.NoError(t, err)
	awaitOutcome(t, bus.Post(env))

	acme := tenant.With(context.Background(), "acme")
	_, version, err := bus.StateOf(acme, "account", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	other := tenant.With(context.Background(), tenant.Default)
	_, version, err = bus.StateOf(other, "account", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestBus_StartValidation(t *testing.T) {
	bus, err := dispatch.NewBus(dispatch.WithShards(2))
	require.NoError(t, err)
	require.NoError(t, bus.RegisterRoute((&testutil.OpenAccount{}).Class(), "account", nil))

	err = bus.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestBus_RegistrationClosesAtStart(t *testing.T) {
	bus, _ := accountBus(t)

	repo, err := aggregate.NewRepository[testutil.Account](
		testutil.AccountBehavior{}, eventstore.NewMemoryStore())
	require.NoError(t, err)

	assert.ErrorIs(t, bus.RegisterTarget("late", repo), errors.ErrAlreadyStarted)
	assert.ErrorIs(t, bus.RegisterRoute((&testutil.AccountOpened{}).Class(), "late", nil), errors.ErrAlreadyStarted)
	assert.ErrorIs(t, dispatch.SubscribeEvent(bus, "late",
		func(_ context.Context, _ *testutil.Deposited, _ *envelope.Envelope) error { return nil },
	), errors.ErrAlreadyStarted)
}

func TestBus_InvalidShardCount(t *testing.T) {
	_, err := dispatch.NewBus(dispatch.WithShards(0))
	assert.ErrorIs(t, err, errors.ErrInvalidShardCount)
}

func TestBus_NilEnvelopeRejected(t *testing.T) {
	bus, _ := accountBus(t)
	ack := bus.Post(nil)
	assert.True(t, ack.Rejected())
	assert.ErrorIs(t, ack.Cause, errors.ErrUnclassifiableMessage)
}

// raceFreeCounter guards against torn reads in concurrent assertions.
type raceFreeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *raceFreeCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *raceFreeCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestBus_CrossTargetParallelismKeepsPerTargetOrder(t *testing.T) {
	bus, repo := accountBus(t)

	targets := []string{"acct-a", "acct-b", "acct-c", "acct-d"}
	for _, id := range targets {
		awaitOutcome(t, bus.Post(testutil.NewEnvelope(&testutil.OpenAccount{AccountID: id, Initial: 0})))
	}

	var posted raceFreeCounter
	const perTarget = 25
	var acks []dispatch.Ack
	for i := 0; i < perTarget; i++ {
		for _, id := range targets {
			ack := bus.Post(testutil.NewEnvelope(&testutil.Deposit{AccountID: id, Amount: 1}))
			require.Equal(t, dispatch.StatusAccepted, ack.Status)
			acks = append(acks, ack)
			posted.inc()
		}
	}
	require.Equal(t, perTarget*len(targets), posted.value())

	for _, ack := range acks {
		res := awaitOutcome(t, ack)
		require.NoError(t, res.Err)
	}
	for _, id := range targets {
		state, version, err := repo.StateOf(context.Background(), tenant.Default, id)
		require.NoError(t, err)
		assert.Equal(t, int64(perTarget+1), version)
		assert.Equal(t, int64(perTarget), state.Balance)
	}
}
