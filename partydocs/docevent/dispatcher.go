package docevent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/meridianpm/lib-partydocs/partydocs/log"
	"github.com/meridianpm/lib-partydocs/partydocs/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const overflowTenantMetricLabel = "_other"

// DeliveryDispatcher pushes one claimed snapshot through the transport
// and records the terminal outcome. It owns the dispatch timeout: a
// transport that never settles resolves to FAILED instead of leaving the
// row in SENDING indefinitely.
type DeliveryDispatcher struct {
	repo      Repository
	transport DeliveryTransport
	logger    log.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig
	onPartial func(DeliveryOutcome)

	tenantMetricKeys map[string]struct{}
	tenantMetricMu   sync.Mutex

	metrics pipelineMetrics
}

// NewDeliveryDispatcher creates a dispatcher over the given repository
// and transport.
func NewDeliveryDispatcher(
	repo Repository,
	transport DeliveryTransport,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*DeliveryDispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if transport == nil {
		return nil, ErrTransportRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("partydocs.noop")
	}

	dispatcher := &DeliveryDispatcher{
		repo:             repo,
		transport:        transport,
		logger:           logger,
		tracer:           tracer,
		cfg:              DefaultDispatcherConfig(),
		tenantMetricKeys: make(map[string]struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.cfg.IncludeTenantMetrics {
		dispatcher.logger.Log(
			context.Background(),
			log.LevelWarn,
			fmt.Sprintf(
				"tenant metric attributes enabled; cardinality capped at %d with overflow label %q",
				dispatcher.cfg.MaxTenantMetricDimensions,
				overflowTenantMetricLabel,
			),
		)
	}

	metrics, err := newPipelineMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init docevent metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Process delivers one claimed snapshot and records its terminal state.
// The event must already be in SENDING; the returned row reflects the
// recorded terminal state, or (nil, nil) when another completion already
// settled the row.
func (dispatcher *DeliveryDispatcher) Process(ctx context.Context, event *DocumentEvent) (*DocumentEvent, error) {
	if dispatcher == nil {
		return nil, ErrDispatcherRequired
	}

	if event == nil {
		return nil, ErrEventRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()
	tenantKey := tenantKeyFromContext(ctx)

	ctx, span := dispatcher.tracer.Start(ctx, "docevent.dispatch")
	defer span.End()

	span.SetAttributes(
		attribute.String("docevent.id", event.ID.String()),
		attribute.String("tenant.id_hash", hashTenantID(tenantKey)),
	)

	outcomes := dispatcher.dispatchWithTimeout(ctx, span, event)
	terminal := ResolveTerminalStatus(outcomes)

	completed, err := dispatcher.repo.Complete(ctx, event.ID, outcomes)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to record completion", err)
		log.SafeError(dispatcher.logger, ctx, "failed to record completion", err, false)

		return nil, fmt.Errorf("record completion for event %s: %w", event.ID, err)
	}

	if completed == nil {
		// Lost a duplicate-completion race; the first writer's delivery
		// status stands.
		dispatcher.addCompletionMiss(ctx, tenantKey)
		dispatcher.logger.Log(ctx, log.LevelWarn, "completion found row no longer SENDING",
			log.String("event_id", event.ID.String()),
		)

		return nil, nil
	}

	dispatcher.recordTerminal(ctx, tenantKey, terminal)
	dispatcher.recordDispatchLatency(ctx, tenantKey, time.Since(start).Seconds())

	dispatcher.logger.Log(ctx, log.LevelInfo, "document event completed",
		log.String("event_id", event.ID.String()),
		log.String("status", terminal.String()),
		log.Int("outcomes", len(outcomes)),
	)

	return completed, nil
}

// dispatchWithTimeout runs the transport under the configured timeout.
// Transport errors and timeouts are folded into a synthesized FAILED
// outcome so they surface as data in delivery_status, never as a thrown
// error that would halt the listener loop.
func (dispatcher *DeliveryDispatcher) dispatchWithTimeout(ctx context.Context, span trace.Span, event *DocumentEvent) []DeliveryOutcome {
	dispatchCtx, cancel := context.WithTimeout(ctx, dispatcher.cfg.DispatchTimeout)
	defer cancel()

	var (
		partialMu sync.Mutex
		partials  []DeliveryOutcome
	)

	collectPartial := func(outcome DeliveryOutcome) {
		partialMu.Lock()
		partials = append(partials, outcome)
		partialMu.Unlock()

		if dispatcher.onPartial != nil {
			dispatcher.onPartial(outcome)
		}

		opentelemetry.HandleSpanEvent(span, "docevent.dispatch.partial",
			attribute.String("subscriber", outcome.SubscriberRef),
			attribute.Int("status", outcome.Status),
		)
	}

	outcomes, err := dispatcher.transport.Dispatch(dispatchCtx, event, collectPartial)
	if err != nil {
		opentelemetry.HandleSpanError(span, "transport dispatch failed", err)
		log.SafeError(dispatcher.logger, ctx, "transport dispatch failed", err, false)

		// Keep whatever settled before the failure so operators can see
		// which subscribers were reached.
		partialMu.Lock()
		settled := append([]DeliveryOutcome(nil), partials...)
		partialMu.Unlock()

		return append(settled, DeliveryOutcome{
			Status: 0,
			Error:  sanitizeErrorForStorage(err),
		})
	}

	return outcomes
}

func (dispatcher *DeliveryDispatcher) recordTerminal(ctx context.Context, tenantKey string, terminal Status) {
	opts := dispatcher.tenantAddOptions(tenantKey)

	switch terminal {
	case StatusSent:
		if dispatcher.metrics.eventsSent != nil {
			dispatcher.metrics.eventsSent.Add(ctx, 1, opts...)
		}
	case StatusFailed:
		if dispatcher.metrics.eventsFailed != nil {
			dispatcher.metrics.eventsFailed.Add(ctx, 1, opts...)
		}
	case StatusNoMatchingSubscriptions:
		if dispatcher.metrics.eventsNoSubscribers != nil {
			dispatcher.metrics.eventsNoSubscribers.Add(ctx, 1, opts...)
		}
	case StatusPending, StatusSending:
	}
}

func (dispatcher *DeliveryDispatcher) addCompletionMiss(ctx context.Context, tenantKey string) {
	if dispatcher.metrics.completionMisses == nil {
		return
	}

	dispatcher.metrics.completionMisses.Add(ctx, 1, dispatcher.tenantAddOptions(tenantKey)...)
}

func (dispatcher *DeliveryDispatcher) recordDispatchLatency(ctx context.Context, tenantKey string, latencySeconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds, dispatcher.tenantRecordOptions(tenantKey)...)
}

func (dispatcher *DeliveryDispatcher) tenantMetricAttribute(tenantKey string) (attribute.KeyValue, bool) {
	if !dispatcher.cfg.IncludeTenantMetrics {
		return attribute.KeyValue{}, false
	}

	return attribute.String("tenant", dispatcher.boundedTenantMetricKey(tenantKey)), true
}

func (dispatcher *DeliveryDispatcher) boundedTenantMetricKey(tenantKey string) string {
	if tenantKey == "" {
		tenantKey = defaultTenantMetricFallback
	}

	dispatcher.tenantMetricMu.Lock()
	defer dispatcher.tenantMetricMu.Unlock()

	if dispatcher.tenantMetricKeys == nil {
		dispatcher.tenantMetricKeys = make(map[string]struct{})
	}

	if _, exists := dispatcher.tenantMetricKeys[tenantKey]; exists {
		return tenantKey
	}

	if len(dispatcher.tenantMetricKeys) < dispatcher.cfg.MaxTenantMetricDimensions {
		dispatcher.tenantMetricKeys[tenantKey] = struct{}{}

		return tenantKey
	}

	return overflowTenantMetricLabel
}

func (dispatcher *DeliveryDispatcher) tenantAddOptions(tenantKey string) []metric.AddOption {
	if attr, ok := dispatcher.tenantMetricAttribute(tenantKey); ok {
		return []metric.AddOption{metric.WithAttributes(attr)}
	}

	return nil
}

func (dispatcher *DeliveryDispatcher) tenantRecordOptions(tenantKey string) []metric.RecordOption {
	if attr, ok := dispatcher.tenantMetricAttribute(tenantKey); ok {
		return []metric.RecordOption{metric.WithAttributes(attr)}
	}

	return nil
}

func tenantKeyFromContext(ctx context.Context) string {
	tenantID, ok := TenantIDFromContext(ctx)
	if ok && tenantID != "" {
		return tenantID
	}

	return defaultTenantMetricFallback
}

func hashTenantID(tenantID string) string {
	if tenantID == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(tenantID))

	return hex.EncodeToString(sum[:8])
}
