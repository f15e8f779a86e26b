//go:build unit

package docevent

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewRetentionSweeper_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRetentionSweeper(nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewRetentionSweeper(&fakeRepo{}, nil, nil, nil,
		WithSweeperSchedule("not a cron expression"))
	require.Error(t, err)
}

func TestRetentionSweeper_SweepOnce(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{
		tenants:        []string{uuid.NewString(), uuid.NewString(), uuid.NewString()},
		cleanupDeleted: 7,
	}

	sweeper, err := NewRetentionSweeper(repo, nil, nil, nil,
		WithCleanupPolicy(CleanupPolicy{BatchSize: 10, VersionsToKeep: 2, DaysToKeep: 30}))
	require.NoError(t, err)

	total := sweeper.SweepOnce(context.Background())
	require.Equal(t, int64(21), total)
	require.Equal(t, 3, repo.cleanupCalls)
}

func TestRetentionSweeper_SweepOnce_CleanupErrorIsContained(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{
		tenants:    []string{uuid.NewString()},
		cleanupErr: errors.New("db down"),
	}

	sweeper, err := NewRetentionSweeper(repo, nil, nil, nil)
	require.NoError(t, err)

	require.Zero(t, sweeper.SweepOnce(context.Background()))
}

func TestRetentionSweeper_SweepOnce_DiscovererPreferred(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{tenants: []string{"ignored"}, cleanupDeleted: 1}
	discoverer := &fakeDiscoverer{tenants: []string{uuid.NewString(), uuid.NewString()}}

	sweeper, err := NewRetentionSweeper(repo, discoverer, nil, nil)
	require.NoError(t, err)

	require.Equal(t, int64(2), sweeper.SweepOnce(context.Background()))
	require.Equal(t, 2, repo.cleanupCalls)
}
