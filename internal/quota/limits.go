package quota

import (
	"context"
	"errors"
	"fmt"

	"botgate.io/internal/tenancy"
)

// LimitResolver supplies the ceiling for a scope that has no explicit override.
type LimitResolver interface {
	Limit(ctx context.Context, s Scope) (int64, error)
}

// StaticLimit applies the same ceiling to every scope.
type StaticLimit int64

func (l StaticLimit) Limit(context.Context, Scope) (int64, error) { return int64(l), nil }

// DirectoryLimits resolves the tenant user's limit, then the tenant ceiling, then Default.
type DirectoryLimits struct {
	Dir     tenancy.Directory
	Default int64
}

func (d DirectoryLimits) Limit(ctx context.Context, s Scope) (int64, error) {
	if s.TenantID == "" {
		return d.Default, nil
	}
	member, err := d.Dir.TenantUser(ctx, s.TenantID, s.UserID)
	switch {
	case err == nil && member.TokenLimit > 0:
		return member.TokenLimit, nil
	case err != nil && !errors.Is(err, tenancy.ErrNotFound):
		return 0, fmt.Errorf("quota: resolve limit: %w", err)
	}
	tenant, err := d.Dir.Tenant(ctx, s.TenantID)
	switch {
	case err == nil && tenant.TokenLimit > 0:
		return tenant.TokenLimit, nil
	case err != nil && !errors.Is(err, tenancy.ErrNotFound):
		return 0, fmt.Errorf("quota: resolve limit: %w", err)
	}
	return d.Default, nil
}
