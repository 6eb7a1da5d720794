package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/corebus/errors"
)

func TestClass_Key(t *testing.T) {
	c := Class{Domain: "billing", Kind: "withdraw", Version: "v1"}
	assert.Equal(t, "billing.withdraw.v1", c.Key())
	assert.Equal(t, c.Key(), c.String())
}

func TestClass_Equality(t *testing.T) {
	a := Class{Domain: "billing", Kind: "withdraw", Version: "v1"}
	b := Class{Domain: "billing", Kind: "withdraw", Version: "v1"}
	c := Class{Domain: "billing", Kind: "withdraw", Version: "v2"}

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestClass_Validate(t *testing.T) {
	tests := []struct {
		name    string
		class   Class
		wantErr bool
	}{
		{"valid", Class{Domain: "billing", Kind: "withdraw", Version: "v1"}, false},
		{"missing domain", Class{Kind: "withdraw", Version: "v1"}, true},
		{"missing kind", Class{Domain: "billing", Version: "v1"}, true},
		{"missing version", Class{Domain: "billing", Kind: "withdraw"}, true},
		{"uppercase", Class{Domain: "Billing", Kind: "withdraw", Version: "v1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.class.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	c, err := ClassOf(&pingPayload{Target: "x"})
	require.NoError(t, err)
	assert.Equal(t, "net.ping.v1", c.Key())

	_, err = ClassOf(nil)
	assert.ErrorIs(t, err, errors.ErrUnclassifiableMessage)

	_, err = ClassOf(&emptyPayload{})
	assert.ErrorIs(t, err, errors.ErrUnclassifiableMessage)
}

func TestParseClassKey(t *testing.T) {
	c, err := ParseClassKey("net.ping.v1")
	require.NoError(t, err)
	assert.Equal(t, Class{Domain: "net", Kind: "ping", Version: "v1"}, c)

	for _, bad := range []string{"", "net", "net.ping", "net..v1", "a.b.c.d"} {
		_, err := ParseClassKey(bad)
		assert.ErrorIs(t, err, errors.ErrUnclassifiableMessage, "key %q", bad)
	}
}

func TestClassFromJSON(t *testing.T) {
	c, err := ClassFromJSON([]byte(`{"class":"billing.withdraw.v1","payload":{"amount":5}}`))
	require.NoError(t, err)
	assert.Equal(t, "billing.withdraw.v1", c.Key())

	_, err = ClassFromJSON([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, errors.ErrUnclassifiableMessage)

	_, err = ClassFromJSON([]byte(`{"class":42}`))
	assert.ErrorIs(t, err, errors.ErrUnclassifiableMessage)
}
