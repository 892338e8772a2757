package queue

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type queueMetricsCollection struct {
	dispatchCount    metric.Int64Counter
	deduplicateCount metric.Int64Counter
	activeCount      metric.Int64UpDownCounter
}

func setupQueueMetrics(meter metric.Meter) (queueMetricsCollection, error) {
	dispatchCount, err := meter.Int64Counter(
		"queue/dispatch_count",
		metric.WithDescription("Number of requests handed to a loader"),
	)
	if err != nil {
		return queueMetricsCollection{}, fmt.Errorf("failed to create dispatch count metric: %w", err)
	}

	deduplicateCount, err := meter.Int64Counter(
		"queue/deduplicate_count",
		metric.WithDescription("Number of subscriptions joining an existing queued or active request"),
	)
	if err != nil {
		return queueMetricsCollection{}, fmt.Errorf("failed to create deduplicate count metric: %w", err)
	}

	activeCount, err := meter.Int64UpDownCounter(
		"queue/active_count",
		metric.WithDescription("Number of currently active loaders"),
	)
	if err != nil {
		return queueMetricsCollection{}, fmt.Errorf("failed to create active count metric: %w", err)
	}

	return queueMetricsCollection{
		dispatchCount:    dispatchCount,
		deduplicateCount: deduplicateCount,
		activeCount:      activeCount,
	}, nil
}
