//go:build unit

package partydocs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIsUUID(t *testing.T) {
	t.Parallel()

	require.True(t, IsUUID(uuid.NewString()))
	require.False(t, IsUUID(""))
	require.False(t, IsUUID("not-a-uuid"))
	require.False(t, IsUUID("public; DROP SCHEMA public"))
}

func TestGenerateUUIDv7_Ordering(t *testing.T) {
	t.Parallel()

	first, err := GenerateUUIDv7()
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), first.Version())

	second, err := GenerateUUIDv7()
	require.NoError(t, err)

	// v7 IDs generated in sequence sort in generation order.
	require.LessOrEqual(t, first.String(), second.String())
}
