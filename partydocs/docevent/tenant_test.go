//go:build unit

package docevent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextWithTenantID(t *testing.T) {
	t.Parallel()

	ctx := ContextWithTenantID(context.Background(), " tenant-a ")

	tenantID, ok := TenantIDFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "tenant-a", tenantID)
}

func TestTenantIDFromContext_Missing(t *testing.T) {
	t.Parallel()

	_, ok := TenantIDFromContext(context.Background())
	require.False(t, ok)

	_, ok = TenantIDFromContext(nil)
	require.False(t, ok)

	_, ok = TenantIDFromContext(ContextWithTenantID(context.Background(), "   "))
	require.False(t, ok)
}

func TestContextWithTenantID_NilParent(t *testing.T) {
	t.Parallel()

	ctx := ContextWithTenantID(nil, "tenant-a")

	tenantID, ok := TenantIDFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "tenant-a", tenantID)
}
