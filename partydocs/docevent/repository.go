package docevent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultStalePageSize caps the number of rows a stale scan returns.
const DefaultStalePageSize = 100

// StaleWindow selects rows still in flight whose created_at falls within
// (now-MaxAge, now-MinAge). A zero MinAge or MaxAge leaves that side of
// the window open.
type StaleWindow struct {
	MinAge   time.Duration
	MaxAge   time.Duration
	PageSize int
}

// Normalize fills defaults and fixes inverted bounds.
func (window StaleWindow) Normalize() StaleWindow {
	if window.PageSize <= 0 {
		window.PageSize = DefaultStalePageSize
	}

	if window.MinAge < 0 {
		window.MinAge = 0
	}

	if window.MaxAge < 0 {
		window.MaxAge = 0
	}

	if window.MinAge > 0 && window.MaxAge > 0 && window.MinAge > window.MaxAge {
		window.MinAge, window.MaxAge = window.MaxAge, window.MinAge
	}

	return window
}

// Bounds returns the created_at interval (from, to) selected by the
// window relative to now. A zero bound means that side is open.
func (window StaleWindow) Bounds(now time.Time) (from, to time.Time) {
	window = window.Normalize()

	if window.MaxAge > 0 {
		from = now.Add(-window.MaxAge)
	}

	if window.MinAge > 0 {
		to = now.Add(-window.MinAge)
	}

	return from, to
}

// Contains reports whether a row created at createdAt falls inside the
// window relative to now. Bounds are exclusive, matching the scan query.
func (window StaleWindow) Contains(createdAt, now time.Time) bool {
	from, to := window.Bounds(now)

	if !from.IsZero() && !createdAt.After(from) {
		return false
	}

	if !to.IsZero() && !createdAt.Before(to) {
		return false
	}

	return true
}

const (
	defaultCleanupBatchSize      = 500
	defaultCleanupVersionsToKeep = 2
	defaultCleanupDaysToKeep     = 30
)

// CleanupPolicy bounds the retention sweeper: terminal rows older than
// DaysToKeep are deleted in batches of BatchSize, but each party always
// keeps its VersionsToKeep most recent rows.
type CleanupPolicy struct {
	BatchSize      int
	VersionsToKeep int
	DaysToKeep     int
}

// DefaultCleanupPolicy returns the baseline retention policy.
func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{
		BatchSize:      defaultCleanupBatchSize,
		VersionsToKeep: defaultCleanupVersionsToKeep,
		DaysToKeep:     defaultCleanupDaysToKeep,
	}
}

// Normalize fills defaults for zero-value fields.
func (policy CleanupPolicy) Normalize() CleanupPolicy {
	defaults := DefaultCleanupPolicy()

	if policy.BatchSize <= 0 {
		policy.BatchSize = defaults.BatchSize
	}

	if policy.VersionsToKeep <= 0 {
		policy.VersionsToKeep = defaults.VersionsToKeep
	}

	if policy.DaysToKeep <= 0 {
		policy.DaysToKeep = defaults.DaysToKeep
	}

	return policy
}

// Repository defines persistence operations for document events. Every
// method is tenant-scoped through the context; implementations must make
// cross-tenant access structurally impossible.
type Repository interface {
	// Create appends a snapshot row with status PENDING.
	Create(ctx context.Context, event *DocumentEvent) (*DocumentEvent, error)

	// Acquire atomically claims a PENDING row, transitioning it to
	// SENDING. Returns (nil, nil) when the row is already claimed,
	// already terminal, or locked by a concurrent claimant: losing the
	// race is a normal outcome, not an error.
	Acquire(ctx context.Context, id uuid.UUID) (*DocumentEvent, error)

	// Complete transitions a SENDING row to its terminal status derived
	// from outcomes, recording delivery_status and completed_at. Returns
	// (nil, nil) when the row is not in SENDING, making duplicate
	// completion attempts a no-op.
	Complete(ctx context.Context, id uuid.UUID, outcomes []DeliveryOutcome) (*DocumentEvent, error)

	// ListPendingIDs returns ids of PENDING rows ordered by ascending
	// transaction id, capped at limit.
	ListPendingIDs(ctx context.Context, limit int) ([]uuid.UUID, error)

	// FindStale returns rows still PENDING or SENDING inside the window,
	// newest first, capped at the window page size.
	FindStale(ctx context.Context, window StaleWindow) ([]*DocumentEvent, error)

	// Requeue moves SENDING rows older than olderThan back to PENDING
	// and returns how many rows moved. Operator-invoked; the pipeline
	// never requeues automatically.
	Requeue(ctx context.Context, olderThan time.Duration) (int64, error)

	// Cleanup deletes terminal rows beyond the retention policy in
	// bounded batches and returns the total rows deleted.
	Cleanup(ctx context.Context, policy CleanupPolicy) (int64, error)

	// ListTenants returns the tenant identifiers present in storage.
	ListTenants(ctx context.Context) ([]string, error)
}
