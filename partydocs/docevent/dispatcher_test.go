//go:build unit

package docevent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type fakeRepo struct {
	mu sync.Mutex

	pendingIDs         []uuid.UUID
	pendingByTenant    map[string][]uuid.UUID
	listPendingErr     error
	listPendingTenants []string

	acquireResult *DocumentEvent
	acquireErr    error
	acquired      []uuid.UUID

	completeMiss     bool
	completeErr      error
	completedIDs     []uuid.UUID
	completedResults [][]DeliveryOutcome

	staleResults []*DocumentEvent
	staleErr     error
	staleWindows []StaleWindow

	cleanupDeleted int64
	cleanupErr     error
	cleanupCalls   int

	requeued   int64
	requeueErr error

	tenants    []string
	tenantsErr error
}

func (repo *fakeRepo) Create(_ context.Context, event *DocumentEvent) (*DocumentEvent, error) {
	return event, nil
}

func (repo *fakeRepo) Acquire(_ context.Context, id uuid.UUID) (*DocumentEvent, error) {
	repo.mu.Lock()
	repo.acquired = append(repo.acquired, id)
	repo.mu.Unlock()

	if repo.acquireErr != nil {
		return nil, repo.acquireErr
	}

	return repo.acquireResult, nil
}

func (repo *fakeRepo) Complete(_ context.Context, id uuid.UUID, outcomes []DeliveryOutcome) (*DocumentEvent, error) {
	repo.mu.Lock()
	repo.completedIDs = append(repo.completedIDs, id)
	repo.completedResults = append(repo.completedResults, outcomes)
	repo.mu.Unlock()

	if repo.completeErr != nil {
		return nil, repo.completeErr
	}

	if repo.completeMiss {
		return nil, nil
	}

	now := time.Now().UTC()

	return &DocumentEvent{
		ID:             id,
		Status:         ResolveTerminalStatus(outcomes),
		DeliveryStatus: outcomes,
		CompletedAt:    &now,
	}, nil
}

func (repo *fakeRepo) ListPendingIDs(ctx context.Context, _ int) ([]uuid.UUID, error) {
	if repo.listPendingErr != nil {
		return nil, repo.listPendingErr
	}

	if repo.pendingByTenant != nil {
		tenantID, ok := TenantIDFromContext(ctx)
		if ok {
			repo.mu.Lock()
			repo.listPendingTenants = append(repo.listPendingTenants, tenantID)
			repo.mu.Unlock()

			return repo.pendingByTenant[tenantID], nil
		}
	}

	return repo.pendingIDs, nil
}

func (repo *fakeRepo) FindStale(_ context.Context, window StaleWindow) ([]*DocumentEvent, error) {
	repo.mu.Lock()
	repo.staleWindows = append(repo.staleWindows, window)
	repo.mu.Unlock()

	if repo.staleErr != nil {
		return nil, repo.staleErr
	}

	return repo.staleResults, nil
}

func (repo *fakeRepo) Requeue(context.Context, time.Duration) (int64, error) {
	if repo.requeueErr != nil {
		return 0, repo.requeueErr
	}

	return repo.requeued, nil
}

func (repo *fakeRepo) Cleanup(context.Context, CleanupPolicy) (int64, error) {
	repo.mu.Lock()
	repo.cleanupCalls++
	repo.mu.Unlock()

	if repo.cleanupErr != nil {
		return 0, repo.cleanupErr
	}

	return repo.cleanupDeleted, nil
}

func (repo *fakeRepo) ListTenants(context.Context) ([]string, error) {
	if repo.tenantsErr != nil {
		return nil, repo.tenantsErr
	}

	return append([]string(nil), repo.tenants...), nil
}

func (repo *fakeRepo) completions() [][]DeliveryOutcome {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return append([][]DeliveryOutcome(nil), repo.completedResults...)
}

func (repo *fakeRepo) acquiredIDs() []uuid.UUID {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return append([]uuid.UUID(nil), repo.acquired...)
}

type fakeTransport struct {
	outcomes []DeliveryOutcome
	err      error
	partials []DeliveryOutcome
	blockCtx bool
}

func (transport *fakeTransport) Dispatch(ctx context.Context, _ *DocumentEvent, onPartial func(DeliveryOutcome)) ([]DeliveryOutcome, error) {
	for _, partial := range transport.partials {
		if onPartial != nil {
			onPartial(partial)
		}
	}

	if transport.blockCtx {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if transport.err != nil {
		return nil, transport.err
	}

	return transport.outcomes, nil
}

func newTestEvent(t *testing.T) *DocumentEvent {
	t.Helper()

	event, err := NewDocumentEvent(uuid.New(), 1, nil, []byte(`{"name":"Acme"}`))
	require.NoError(t, err)

	event.Status = StatusSending

	return event
}

func newTestDispatcher(t *testing.T, repo Repository, transport DeliveryTransport, opts ...DispatcherOption) *DeliveryDispatcher {
	t.Helper()

	tracer := noop.NewTracerProvider().Tracer("test")

	dispatcher, err := NewDeliveryDispatcher(repo, transport, nil, tracer, opts...)
	require.NoError(t, err)

	return dispatcher
}

func TestNewDeliveryDispatcher_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewDeliveryDispatcher(nil, &fakeTransport{}, nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewDeliveryDispatcher(&fakeRepo{}, nil, nil, nil)
	require.ErrorIs(t, err, ErrTransportRequired)
}

func TestDeliveryDispatcher_Process_AllDelivered(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	transport := &fakeTransport{outcomes: []DeliveryOutcome{
		{SubscriberRef: "a", Status: 200},
		{SubscriberRef: "b", Status: 204},
	}}

	dispatcher := newTestDispatcher(t, repo, transport)

	completed, err := dispatcher.Process(context.Background(), newTestEvent(t))
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.Equal(t, StatusSent, completed.Status)

	completions := repo.completions()
	require.Len(t, completions, 1)
	require.Len(t, completions[0], 2)
}

func TestDeliveryDispatcher_Process_PartialFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	transport := &fakeTransport{outcomes: []DeliveryOutcome{
		{SubscriberRef: "a", Status: 200},
		{SubscriberRef: "b", Status: 503, Error: "unexpected status 503"},
	}}

	dispatcher := newTestDispatcher(t, repo, transport)

	completed, err := dispatcher.Process(context.Background(), newTestEvent(t))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, completed.Status)

	// The successful subscriber's outcome is preserved verbatim.
	require.Equal(t, "a", completed.DeliveryStatus[0].SubscriberRef)
	require.Empty(t, completed.DeliveryStatus[0].Error)
}

func TestDeliveryDispatcher_Process_NoMatchingSubscriptions(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	dispatcher := newTestDispatcher(t, repo, &fakeTransport{outcomes: []DeliveryOutcome{}})

	completed, err := dispatcher.Process(context.Background(), newTestEvent(t))
	require.NoError(t, err)
	require.Equal(t, StatusNoMatchingSubscriptions, completed.Status)
}

func TestDeliveryDispatcher_Process_TransportError(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	transport := &fakeTransport{
		partials: []DeliveryOutcome{{SubscriberRef: "a", Status: 200}},
		err:      errors.New("broker unreachable"),
	}

	dispatcher := newTestDispatcher(t, repo, transport)

	completed, err := dispatcher.Process(context.Background(), newTestEvent(t))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, completed.Status)

	// Settled partial outcomes survive, followed by the synthesized
	// failure outcome.
	completions := repo.completions()
	require.Len(t, completions, 1)
	require.Len(t, completions[0], 2)
	require.Equal(t, "a", completions[0][0].SubscriberRef)
	require.Contains(t, completions[0][1].Error, "broker unreachable")
}

func TestDeliveryDispatcher_Process_Timeout(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	transport := &fakeTransport{blockCtx: true}

	dispatcher := newTestDispatcher(t, repo, transport, WithDispatchTimeout(30*time.Millisecond))

	completed, err := dispatcher.Process(context.Background(), newTestEvent(t))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, completed.Status)
	require.Len(t, completed.DeliveryStatus, 1)
	require.NotEmpty(t, completed.DeliveryStatus[0].Error)
}

func TestDeliveryDispatcher_Process_DuplicateCompletion(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{completeMiss: true}
	dispatcher := newTestDispatcher(t, repo, &fakeTransport{outcomes: []DeliveryOutcome{{SubscriberRef: "a", Status: 200}}})

	completed, err := dispatcher.Process(context.Background(), newTestEvent(t))
	require.NoError(t, err)
	require.Nil(t, completed)
}

func TestDeliveryDispatcher_Process_CompletionError(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{completeErr: errors.New("db down")}
	dispatcher := newTestDispatcher(t, repo, &fakeTransport{})

	_, err := dispatcher.Process(context.Background(), newTestEvent(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "db down")
}

func TestDeliveryDispatcher_Process_PartialCallback(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		observed []DeliveryOutcome
	)

	repo := &fakeRepo{}
	transport := &fakeTransport{
		partials: []DeliveryOutcome{
			{SubscriberRef: "a", Status: 200},
			{SubscriberRef: "b", Status: 200},
		},
		outcomes: []DeliveryOutcome{
			{SubscriberRef: "a", Status: 200},
			{SubscriberRef: "b", Status: 200},
		},
	}

	dispatcher := newTestDispatcher(t, repo, transport, WithPartialOutcomeCallback(func(outcome DeliveryOutcome) {
		mu.Lock()
		observed = append(observed, outcome)
		mu.Unlock()
	}))

	_, err := dispatcher.Process(context.Background(), newTestEvent(t))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, observed, 2)
	require.Equal(t, "a", observed[0].SubscriberRef)
	require.Equal(t, "b", observed[1].SubscriberRef)
}

func TestDeliveryDispatcher_Process_NilEvent(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, &fakeRepo{}, &fakeTransport{})

	_, err := dispatcher.Process(context.Background(), nil)
	require.ErrorIs(t, err, ErrEventRequired)
}

func TestDeliveryDispatcher_BoundedTenantMetricKey(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, &fakeRepo{}, &fakeTransport{},
		WithTenantMetricAttributes(true),
		WithMaxTenantMetricDimensions(2),
	)

	require.Equal(t, "tenant-a", dispatcher.boundedTenantMetricKey("tenant-a"))
	require.Equal(t, "tenant-b", dispatcher.boundedTenantMetricKey("tenant-b"))

	// The cap is reached: new tenants collapse into the overflow label,
	// known tenants keep their own.
	require.Equal(t, overflowTenantMetricLabel, dispatcher.boundedTenantMetricKey("tenant-c"))
	require.Equal(t, "tenant-a", dispatcher.boundedTenantMetricKey("tenant-a"))
}

func TestHashTenantID(t *testing.T) {
	t.Parallel()

	require.Empty(t, hashTenantID(""))
	require.Len(t, hashTenantID("tenant-a"), 16)
	require.Equal(t, hashTenantID("tenant-a"), hashTenantID("tenant-a"))
	require.NotEqual(t, hashTenantID("tenant-a"), hashTenantID("tenant-b"))
	require.NotContains(t, hashTenantID("tenant-a"), "tenant")
}
