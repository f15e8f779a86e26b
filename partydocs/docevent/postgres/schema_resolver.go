package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	partydocs "github.com/meridianpm/lib-partydocs/partydocs"
	"github.com/meridianpm/lib-partydocs/partydocs/docevent"
	libPostgres "github.com/meridianpm/lib-partydocs/partydocs/postgres"
)

const uuidSchemaRegex = "^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"

// ErrInvalidTenantID is returned when a tenant id is not a UUID.
var ErrInvalidTenantID = errors.New("invalid tenant id format")

// SchemaResolver scopes transactions to the tenant schema and discovers
// tenants by inspecting schema names. Tenant schemas are named by the
// tenant UUID, which makes cross-tenant access structurally impossible:
// a query can only see the schema its transaction was scoped to.
type SchemaResolver struct {
	conn *libPostgres.Connection
}

var (
	_ docevent.TenantResolver   = (*SchemaResolver)(nil)
	_ docevent.TenantDiscoverer = (*SchemaResolver)(nil)
)

// NewSchemaResolver creates a resolver over the connection hub.
func NewSchemaResolver(conn *libPostgres.Connection) (*SchemaResolver, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	return &SchemaResolver{conn: conn}, nil
}

// ApplyTenant scopes the current transaction to the tenant search_path.
//
// Security invariant: tenantID must remain UUID-validated and
// identifier-quoted before query construction. Both checks together keep
// dynamic search_path assignment safe; values elsewhere are always bound.
func (resolver *SchemaResolver) ApplyTenant(ctx context.Context, tx *sql.Tx, tenantID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if resolver == nil {
		return ErrConnectionRequired
	}

	if tx == nil {
		return ErrTransactionRequired
	}

	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("schema resolver: %w", docevent.ErrTenantIDRequired)
	}

	if !partydocs.IsUUID(tenantID) {
		return ErrInvalidTenantID
	}

	query := "SET LOCAL search_path TO " + quoteIdentifier(tenantID) + ", public"
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	return nil
}

// DiscoverTenants returns tenant ids by inspecting UUID-named schemas.
func (resolver *SchemaResolver) DiscoverTenants(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if resolver == nil || resolver.conn == nil {
		return nil, ErrConnectionRequired
	}

	db, err := resolvePrimaryDB(ctx, resolver.conn)
	if err != nil {
		return nil, err
	}

	query := "SELECT nspname FROM pg_namespace WHERE nspname ~* $1"

	rows, err := db.QueryContext(ctx, query, uuidSchemaRegex)
	if err != nil {
		return nil, fmt.Errorf("querying tenant schemas: %w", err)
	}
	defer rows.Close()

	tenants := make([]string, 0)

	for rows.Next() {
		var tenant string
		if scanErr := rows.Scan(&tenant); scanErr != nil {
			return nil, fmt.Errorf("scanning tenant schema: %w", scanErr)
		}

		tenants = append(tenants, tenant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant schemas: %w", err)
	}

	return tenants, nil
}
