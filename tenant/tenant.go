// Package tenant provides tenant identity and context scoping. A bus instance
// may serve several tenants at once; every read path must be explicitly scoped
// before execution, and an unscoped read on a multi-tenant installation is a
// programming error, never a silent default.
package tenant

import (
	"context"

	"github.com/c360/corebus/errors"
)

// ID identifies an isolation boundary. All aggregate state, event history and
// lifecycle records are partitioned by tenant.
type ID string

// Default is the implicit tenant of single-tenant installations.
const Default ID = "default"

// IsZero reports whether the ID is empty.
func (id ID) IsZero() bool { return id == "" }

func (id ID) String() string { return string(id) }

type ctxKey struct{}

// With returns a context scoped to the given tenant.
func With(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From extracts the tenant scope from a context.
// Returns ErrMissingTenantContext when the context carries no tenant.
func From(ctx context.Context) (ID, error) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	if !ok || id.IsZero() {
		return "", errors.ErrMissingTenantContext
	}
	return id, nil
}

// FromOrDefault extracts the tenant scope, falling back to Default.
// Only single-tenant write paths may use this; multi-tenant reads go
// through From so a missing scope surfaces as an error.
func FromOrDefault(ctx context.Context) ID {
	if id, err := From(ctx); err == nil {
		return id
	}
	return Default
}
