// Package testutil provides a small banking domain used by tests across the
// repository: account commands, events, rejections and a behavior folding
// them. It keeps dispatch and aggregate tests from each inventing their own
// payload boilerplate.
package testutil

import (
	"encoding/json"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
)

// Commands.

// OpenAccount opens a new account with an initial balance.
type OpenAccount struct {
	AccountID string `json:"account_id"`
	Initial   int64  `json:"initial"`
}

func (c *OpenAccount) Class() envelope.Class {
	return envelope.Class{Domain: "billing", Kind: "open-account", Version: "v1"}
}

func (c *OpenAccount) Validate() error {
	if c.AccountID == "" {
		return errors.New("account ID is required")
	}
	return nil
}

func (c *OpenAccount) MarshalJSON() ([]byte, error) {
	type alias OpenAccount
	return json.Marshal((*alias)(c))
}

func (c *OpenAccount) UnmarshalJSON(data []byte) error {
	type alias OpenAccount
	return json.Unmarshal(data, (*alias)(c))
}

func (c *OpenAccount) TargetID() string { return c.AccountID }

// Deposit adds funds to an open account.
type Deposit struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

func (c *Deposit) Class() envelope.Class {
	return envelope.Class{Domain: "billing", Kind: "deposit", Version: "v1"}
}

func (c *Deposit) Validate() error {
	if c.AccountID == "" {
		return errors.New("account ID is required")
	}
	if c.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

func (c *Deposit) MarshalJSON() ([]byte, error) {
	type alias Deposit
	return json.Marshal((*alias)(c))
}

func (c *Deposit) UnmarshalJSON(data []byte) error {
	type alias Deposit
	return json.Unmarshal(data, (*alias)(c))
}

func (c *Deposit) TargetID() string { return c.AccountID }

// Withdraw removes funds from an open account.
type Withdraw struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

func (c *Withdraw) Class() envelope.Class {
	return envelope.Class{Domain: "billing", Kind: "withdraw", Version: "v1"}
}

func (c *Withdraw) Validate() error {
	if c.AccountID == "" {
		return errors.New("account ID is required")
	}
	if c.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

func (c *Withdraw) MarshalJSON() ([]byte, error) {
	type alias Withdraw
	return json.Marshal((*alias)(c))
}

func (c *Withdraw) UnmarshalJSON(data []byte) error {
	type alias Withdraw
	return json.Unmarshal(data, (*alias)(c))
}

func (c *Withdraw) TargetID() string { return c.AccountID }

// TransferAll empties an account into another. It has no direct handler;
// a substitute method rewrites it into a plain Withdraw based on the
// account's current balance.
type TransferAll struct {
	AccountID string `json:"account_id"`
	ToAccount string `json:"to_account"`
}

func (c *TransferAll) Class() envelope.Class {
	return envelope.Class{Domain: "billing", Kind: "transfer-all", Version: "v1"}
}

func (c *TransferAll) Validate() error {
	if c.AccountID == "" || c.ToAccount == "" {
		return errors.New("both account IDs are required")
	}
	return nil
}

func (c *TransferAll) MarshalJSON() ([]byte, error) {
	type alias TransferAll
	return json.Marshal((*alias)(c))
}

func (c *TransferAll) UnmarshalJSON(data []byte) error {
	type alias TransferAll
	return json.Unmarshal(data, (*alias)(c))
}

func (c *TransferAll) TargetID() string { return c.AccountID }

// Events.

// AccountOpened records account creation.
type AccountOpened struct {
	AccountID string `json:"account_id"`
	Initial   int64  `json:"initial"`
}

func (e *AccountOpened) Class() envelope.Class {
	return envelope.Class{Domain: "billing", Kind: "account-opened", Version: "v1"}
}

func (e *AccountOpened) Validate() error { return nil }

func (e *AccountOpened) MarshalJSON() ([]byte, error) {
	type alias AccountOpened
	return json.Marshal((*alias)(e))
}

func (e *AccountOpened) UnmarshalJSON(data []byte) error {
	type alias AccountOpened
	return json.Unmarshal(data, (*alias)(e))
}

func (e *AccountOpened) TargetID() string { return e.AccountID }

// Deposited records added funds.
type Deposited struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

func (e *Deposited) Class() envelope.Class {
	return envelope.Class{Domain: "billing", Kind: "deposited", Version: "v1"}
}

func (e *Deposited) Validate() error { return nil }

func (e *Deposited) MarshalJSON() ([]byte, error) {
	type alias Deposited
	return json.Marshal((*alias)(e))
}

func (e *Deposited) UnmarshalJSON(data []byte) error {
	type alias Deposited
	return json.Unmarshal(data, (*alias)(e))
}

func (e *Deposited) TargetID() string { return e.AccountID }

// Withdrawn records removed funds.
type Withdrawn struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

func (e *Withdrawn) Class() envelope.Class {
	return envelope.Class{Domain: "billing", Kind: "withdrawn", Version: "v1"}
}

func (e *Withdrawn) Validate() error { return nil }

func (e *Withdrawn) MarshalJSON() ([]byte, error) {
	type alias Withdrawn
	return json.Marshal((*alias)(e))
}

func (e *Withdrawn) UnmarshalJSON(data []byte) error {
	type alias Withdrawn
	return json.Unmarshal(data, (*alias)(e))
}

func (e *Withdrawn) TargetID() string { return e.AccountID }

// Rejections.

// WithdrawalRefused is the typed rejection for an uncovered withdrawal.
type WithdrawalRefused struct {
	AccountID string `json:"account_id"`
	Requested int64  `json:"requested"`
	Balance   int64  `json:"balance"`
}

func (r *WithdrawalRefused) Class() envelope.Class {
	return envelope.Class{Domain: "billing", Kind: "withdrawal-refused", Version: "v1"}
}

func (r *WithdrawalRefused) Validate() error { return nil }

func (r *WithdrawalRefused) MarshalJSON() ([]byte, error) {
	type alias WithdrawalRefused
	return json.Marshal((*alias)(r))
}

func (r *WithdrawalRefused) UnmarshalJSON(data []byte) error {
	type alias WithdrawalRefused
	return json.Unmarshal(data, (*alias)(r))
}
