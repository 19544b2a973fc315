package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	messagesDelivered    metric.Int64Counter
	messagesFailed       metric.Int64Counter
	messagesDeadLettered metric.Int64Counter
	leasesReclaimed      metric.Int64Counter
	deliveryLatency      metric.Float64Histogram
	batchDepth           metric.Int64Gauge
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("meridian.outbox.relay")

	var (
		metrics relayMetrics
		err     error
	)

	metrics.messagesDelivered, err = meter.Int64Counter(
		"outbox.messages.delivered",
		metric.WithDescription("Number of outbox messages successfully published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.messages.delivered counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox delivery attempts that failed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.messagesDeadLettered, err = meter.Int64Counter(
		"outbox.messages.dead_lettered",
		metric.WithDescription("Number of outbox messages parked in the dead letter state"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.messages.dead_lettered counter: %w", err)
	}

	metrics.leasesReclaimed, err = meter.Int64Counter(
		"outbox.leases.reclaimed",
		metric.WithDescription("Number of expired delivery leases returned to pending"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.leases.reclaimed counter: %w", err)
	}

	metrics.deliveryLatency, err = meter.Float64Histogram(
		"outbox.delivery.latency",
		metric.WithDescription("Time taken per delivery cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.delivery.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.batch.depth",
		metric.WithDescription("Number of outbox messages leased in a delivery cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.batch.depth gauge: %w", err)
	}

	return metrics, nil
}
