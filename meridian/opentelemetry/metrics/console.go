package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// RecordCommandExecuted increments the command-executed counter.
func (f *MetricsFactory) RecordCommandExecuted(ctx context.Context, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricCommandsExecuted)
	if err != nil {
		return err
	}

	return b.WithAttributes(attributes...).AddOne(ctx)
}

// RecordHistoryLineRecorded increments the history-line counter.
func (f *MetricsFactory) RecordHistoryLineRecorded(ctx context.Context, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricHistoryLinesRecorded)
	if err != nil {
		return err
	}

	return b.WithAttributes(attributes...).AddOne(ctx)
}

// RecordServerRegistered increments the server-registered counter.
func (f *MetricsFactory) RecordServerRegistered(ctx context.Context, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricServersRegistered)
	if err != nil {
		return err
	}

	return b.WithAttributes(attributes...).AddOne(ctx)
}

// RecordModDownload increments the mod-download counter.
func (f *MetricsFactory) RecordModDownload(ctx context.Context, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricModDownloadsRecorded)
	if err != nil {
		return err
	}

	return b.WithAttributes(attributes...).AddOne(ctx)
}
