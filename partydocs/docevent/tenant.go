package docevent

import (
	"context"
	"database/sql"
	"strings"
)

type tenantIDContextKey string

// TenantIDContextKey stores the tenant id used to scope every pipeline
// operation.
const TenantIDContextKey tenantIDContextKey = "docevent.tenant_id"

// TenantResolver applies tenant-scoping rules for a transaction. The
// postgres implementation switches the search_path to the tenant schema
// so cross-tenant queries are structurally impossible.
type TenantResolver interface {
	ApplyTenant(ctx context.Context, tx *sql.Tx, tenantID string) error
}

// TenantDiscoverer lists tenant identifiers the pipeline components
// iterate over.
type TenantDiscoverer interface {
	DiscoverTenants(ctx context.Context) ([]string, error)
}

// ContextWithTenantID returns a context carrying tenantID.
func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, TenantIDContextKey, strings.TrimSpace(tenantID))
}

// TenantIDFromContext reads the tenant id from the context.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	tenantID, ok := ctx.Value(TenantIDContextKey).(string)
	if !ok || strings.TrimSpace(tenantID) == "" {
		return "", false
	}

	return strings.TrimSpace(tenantID), true
}
