package envelope

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/c360/corebus/errors"
)

// Class provides a stable, comparable type tag for messages. Two envelopes
// route identically iff their classes are equal. Classes use dotted notation
// keys, enabling subject-style matching and consistent storage prefixes.
//
// Class constants should be defined in domain packages to maintain clear
// ownership. This package only provides the type itself.
//
// Example definition in a domain package:
//
//	var CreateAccount = envelope.Class{
//	    Domain:  "billing",
//	    Kind:    "create-account",
//	    Version: "v1",
//	}
type Class struct {
	// Domain identifies the business or system domain.
	// Examples: "billing", "fleet", "orders"
	Domain string

	// Kind identifies the specific message type within the domain.
	// Examples: "create-account", "account-created", "withdraw"
	Kind string

	// Version identifies the schema version.
	// Format: "v1", "v2", etc. Enables schema evolution.
	Version string
}

// Key returns the dotted notation representation: "domain.kind.version".
func (c Class) Key() string {
	return fmt.Sprintf("%s.%s.%s", c.Domain, c.Kind, c.Version)
}

// String returns the same as Key().
func (c Class) String() string {
	return c.Key()
}

// IsZero reports whether the class carries no type information. A zero class
// is how an empty or default payload instance presents itself, and it is
// never classifiable.
func (c Class) IsZero() bool {
	return c.Domain == "" && c.Kind == "" && c.Version == ""
}

// Validate checks that all class fields are populated and lowercase.
func (c Class) Validate() error {
	if c.Domain == "" || c.Kind == "" || c.Version == "" {
		return errors.Wrap(errors.ErrUnclassifiableMessage, "Class", "Validate", "field check")
	}
	for _, f := range []string{c.Domain, c.Kind, c.Version} {
		if f != strings.ToLower(f) {
			return errors.Wrap(errors.ErrUnclassifiableMessage, "Class", "Validate",
				fmt.Sprintf("class field %q must be lowercase", f))
		}
	}
	return nil
}

// ClassOf computes the class of a payload. It is pure and total for any
// well-declared payload; a nil payload or one reporting a zero class fails
// with ErrUnclassifiableMessage. Filtering predicates rely on this so that a
// nil marker is treated as absent information, never as a present value.
func ClassOf(p Payload) (Class, error) {
	if p == nil {
		return Class{}, errors.ErrUnclassifiableMessage
	}
	c := p.Class()
	if c.IsZero() {
		return Class{}, errors.ErrUnclassifiableMessage
	}
	return c, nil
}

// ParseClassKey parses a dotted "domain.kind.version" key back into a Class.
func ParseClassKey(key string) (Class, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Class{}, errors.Wrap(errors.ErrUnclassifiableMessage, "Class", "ParseClassKey",
			fmt.Sprintf("malformed class key %q", key))
	}
	return Class{Domain: parts[0], Kind: parts[1], Version: parts[2]}, nil
}

// ClassFromJSON extracts the class discriminator from a raw ingress frame
// without decoding the whole payload. Frames declare their class in a
// top-level "class" field using dotted notation.
func ClassFromJSON(raw []byte) (Class, error) {
	field := gjson.GetBytes(raw, "class")
	if !field.Exists() || field.Type != gjson.String {
		return Class{}, errors.Wrap(errors.ErrUnclassifiableMessage, "Class", "ClassFromJSON",
			"missing class discriminator")
	}
	return ParseClassKey(field.String())
}
