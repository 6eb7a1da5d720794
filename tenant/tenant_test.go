package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/corebus/errors"
)

func TestFrom_ScopedContext(t *testing.T) {
	ctx := With(context.Background(), ID("acme"))

	id, err := From(ctx)
	require.NoError(t, err)
	assert.Equal(t, ID("acme"), id)
}

func TestFrom_UnscopedContextFails(t *testing.T) {
	_, err := From(context.Background())
	assert.ErrorIs(t, err, errors.ErrMissingTenantContext)
}

func TestFrom_EmptyTenantFails(t *testing.T) {
	ctx := With(context.Background(), ID(""))
	_, err := From(ctx)
	assert.ErrorIs(t, err, errors.ErrMissingTenantContext)
}

func TestFromOrDefault(t *testing.T) {
	assert.Equal(t, Default, FromOrDefault(context.Background()))
	assert.Equal(t, ID("acme"), FromOrDefault(With(context.Background(), ID("acme"))))
}
