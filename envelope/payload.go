package envelope

import "encoding/json"

// Payload represents the application message carried by an envelope.
// Every command, event and rejection payload implements this interface to
// declare its class, validate itself, and serialize deterministically.
//
// Example implementation:
//
//	type Withdraw struct {
//	    AccountID string `json:"account_id"`
//	    Amount    int64  `json:"amount"`
//	}
//
//	func (w *Withdraw) Class() envelope.Class {
//	    return envelope.Class{Domain: "billing", Kind: "withdraw", Version: "v1"}
//	}
//
//	func (w *Withdraw) Validate() error {
//	    if w.AccountID == "" {
//	        return errors.New("account ID is required")
//	    }
//	    if w.Amount <= 0 {
//	        return errors.New("amount must be positive")
//	    }
//	    return nil
//	}
//
//	func (w *Withdraw) MarshalJSON() ([]byte, error) {
//	    type alias Withdraw
//	    return json.Marshal((*alias)(w))
//	}
//
//	func (w *Withdraw) UnmarshalJSON(data []byte) error {
//	    type alias Withdraw
//	    return json.Unmarshal(data, (*alias)(w))
//	}
type Payload interface {
	// Class returns the stable type tag used for routing-table lookup.
	// A zero Class marks the payload as empty/default and unclassifiable.
	Class() Class

	// Validate checks the payload data for correctness.
	// Returns nil if valid, or an error describing the validation failure.
	Validate() error

	// JSON serialization using standard Go interfaces. The same payload
	// must always produce the same JSON output; content-derived envelope
	// IDs and idempotency keys depend on it.
	json.Marshaler
	json.Unmarshaler
}

// Identifiable is implemented by payloads that carry the identity of the
// entity they address. Routing extractors typically delegate to it.
type Identifiable interface {
	TargetID() string
}
