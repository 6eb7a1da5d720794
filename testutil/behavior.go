package testutil

import (
	"context"
	"fmt"

	"github.com/c360/corebus/aggregate"
	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/tenant"
)

// Account is the state folded from account events.
type Account struct {
	Open    bool  `json:"open"`
	Balance int64 `json:"balance"`
}

// AccountBehavior is a hand-written aggregate.Behavior over Account state.
// The dispatch registry builds an equivalent behavior from registered
// handler methods; tests that exercise the repository directly use this one.
type AccountBehavior struct{}

// NewState returns a closed account with zero balance.
func (AccountBehavior) NewState() Account { return Account{} }

// Handle processes account commands.
func (AccountBehavior) Handle(_ context.Context, state Account, env *envelope.Envelope) ([]envelope.Payload, error) {
	switch cmd := env.Payload().(type) {
	case *OpenAccount:
		if state.Open {
			return nil, aggregate.Reject("account already open", nil)
		}
		return []envelope.Payload{&AccountOpened{AccountID: cmd.AccountID, Initial: cmd.Initial}}, nil

	case *Deposit:
		if !state.Open {
			return nil, aggregate.Reject("account not open", nil)
		}
		return []envelope.Payload{&Deposited{AccountID: cmd.AccountID, Amount: cmd.Amount}}, nil

	case *Withdraw:
		if !state.Open {
			return nil, aggregate.Reject("account not open", nil)
		}
		if cmd.Amount > state.Balance {
			return nil, aggregate.Reject("insufficient funds", &WithdrawalRefused{
				AccountID: cmd.AccountID,
				Requested: cmd.Amount,
				Balance:   state.Balance,
			})
		}
		return []envelope.Payload{&Withdrawn{AccountID: cmd.AccountID, Amount: cmd.Amount}}, nil

	default:
		return nil, fmt.Errorf("no handler for %s", env.Class())
	}
}

// Apply folds account events into state.
func (AccountBehavior) Apply(state *Account, event envelope.Payload) error {
	switch ev := event.(type) {
	case *AccountOpened:
		state.Open = true
		state.Balance = ev.Initial
	case *Deposited:
		state.Balance += ev.Amount
	case *Withdrawn:
		state.Balance -= ev.Amount
	default:
		return fmt.Errorf("no applier for event %T", event)
	}
	return nil
}

// Substitute rewrites TransferAll into a Withdraw of the full balance.
func (AccountBehavior) Substitute(_ context.Context, state Account, env *envelope.Envelope) ([]envelope.Payload, bool, error) {
	cmd, ok := env.Payload().(*TransferAll)
	if !ok {
		return nil, false, nil
	}
	if !state.Open || state.Balance == 0 {
		return nil, true, aggregate.Reject("nothing to transfer", nil)
	}
	return []envelope.Payload{&Withdraw{AccountID: cmd.AccountID, Amount: state.Balance}}, true, nil
}

// NewEnvelope wraps a payload for the default tenant with a fixed actor.
// Panics on construction failure; tests only.
func NewEnvelope(payload envelope.Payload, opts ...envelope.Option) *envelope.Envelope {
	env, err := envelope.New(payload, envelope.ActorContext{
		ActorID: "test-actor",
		Tenant:  tenant.Default,
	}, opts...)
	if err != nil {
		panic(err)
	}
	return env
}
