//go:build unit

package docevent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewUnprocessedMonitor_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewUnprocessedMonitor(nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)
}

func TestUnprocessedMonitor_ScanOnce(t *testing.T) {
	t.Parallel()

	stale := []*DocumentEvent{
		{ID: uuid.New(), Status: StatusSending, CreatedAt: time.Now().UTC().Add(-time.Hour)},
		{ID: uuid.New(), Status: StatusPending, CreatedAt: time.Now().UTC().Add(-2 * time.Hour)},
	}

	repo := &fakeRepo{
		tenants:      []string{uuid.NewString(), uuid.NewString()},
		staleResults: stale,
	}

	monitor, err := NewUnprocessedMonitor(repo, nil, nil, nil,
		WithMonitorWindow(StaleWindow{MinAge: 5 * time.Minute, MaxAge: 3 * time.Hour}))
	require.NoError(t, err)

	total := monitor.ScanOnce(context.Background())
	require.Equal(t, 4, total)

	// One stale query per tenant, each with the configured window.
	require.Len(t, repo.staleWindows, 2)
	require.Equal(t, 5*time.Minute, repo.staleWindows[0].MinAge)
	require.Equal(t, 3*time.Hour, repo.staleWindows[0].MaxAge)
}

func TestUnprocessedMonitor_ScanOnce_EmptyResult(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{tenants: []string{uuid.NewString()}}

	monitor, err := NewUnprocessedMonitor(repo, nil, nil, nil)
	require.NoError(t, err)

	require.Zero(t, monitor.ScanOnce(context.Background()))
}

func TestUnprocessedMonitor_ScanOnce_ScanErrorIsContained(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{
		tenants:  []string{uuid.NewString()},
		staleErr: errors.New("db down"),
	}

	monitor, err := NewUnprocessedMonitor(repo, nil, nil, nil)
	require.NoError(t, err)

	// Observation failures never propagate; the next cycle retries.
	require.Zero(t, monitor.ScanOnce(context.Background()))
}

func TestUnprocessedMonitor_RunAndStop(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{tenants: []string{uuid.NewString()}}

	monitor, err := NewUnprocessedMonitor(repo, nil, nil, nil,
		WithMonitorScanInterval(10*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- monitor.RunContext(context.Background(), nil)
	}()

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()

		return len(repo.staleWindows) >= 1
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
