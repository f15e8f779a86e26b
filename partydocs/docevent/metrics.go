package docevent

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	eventsSent          metric.Int64Counter
	eventsFailed        metric.Int64Counter
	eventsNoSubscribers metric.Int64Counter
	completionMisses    metric.Int64Counter
	dispatchLatency     metric.Float64Histogram
	staleEvents         metric.Int64Gauge
}

func newPipelineMetrics(provider metric.MeterProvider) (pipelineMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("partydocs.docevent")

	var (
		metrics pipelineMetrics
		err     error
	)

	metrics.eventsSent, err = meter.Int64Counter(
		"docevent.events.sent",
		metric.WithDescription("Number of document events delivered to every matched subscriber"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return pipelineMetrics{}, fmt.Errorf("create docevent.events.sent counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"docevent.events.failed",
		metric.WithDescription("Number of document events whose delivery produced at least one error"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return pipelineMetrics{}, fmt.Errorf("create docevent.events.failed counter: %w", err)
	}

	metrics.eventsNoSubscribers, err = meter.Int64Counter(
		"docevent.events.no_matching_subscriptions",
		metric.WithDescription("Number of document events that matched no subscriber"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return pipelineMetrics{}, fmt.Errorf("create docevent.events.no_matching_subscriptions counter: %w", err)
	}

	metrics.completionMisses, err = meter.Int64Counter(
		"docevent.completion.misses",
		metric.WithDescription("Number of completion attempts that found the row no longer SENDING"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return pipelineMetrics{}, fmt.Errorf("create docevent.completion.misses counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"docevent.dispatch.latency",
		metric.WithDescription("Time taken to dispatch one document event including completion"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return pipelineMetrics{}, fmt.Errorf("create docevent.dispatch.latency histogram: %w", err)
	}

	metrics.staleEvents, err = meter.Int64Gauge(
		"docevent.stale.count",
		metric.WithDescription("Number of in-flight document events surfaced by the last stale scan"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return pipelineMetrics{}, fmt.Errorf("create docevent.stale.count gauge: %w", err)
	}

	return metrics, nil
}
