package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/docucert/pkg/database"
)

// TenantContextFunc acquires a database connection for code running outside an
// HTTP request. uuid.Nil yields an unscoped connection for global work.
// Returns the scoped context, a cleanup function (MUST be called), and any error.
type TenantContextFunc func(ctx context.Context, projectID uuid.UUID) (context.Context, func(), error)

// NewTenantContextFunc creates a TenantContextFunc that uses the given database.
func NewTenantContextFunc(db *database.DB) TenantContextFunc {
	return database.NewTenantScopeProvider(db).WithTenantScope
}

// InTenant runs fn inside a context scoped to projectID and releases the
// connection afterwards.
func (f TenantContextFunc) InTenant(ctx context.Context, projectID uuid.UUID, fn func(ctx context.Context) error) error {
	tenantCtx, cleanup, err := f(ctx, projectID)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(tenantCtx)
}
