package metrics

import (
	"context"
)

// Pre-configured system metrics for host infrastructure monitoring.
var (
	// MetricSystemCPUUsage is a gauge that records the current CPU usage percentage.
	MetricSystemCPUUsage = Metric{
		Name:        "system.cpu.usage",
		Unit:        "percentage",
		Description: "Current CPU usage percentage of the process host.",
	}

	// MetricSystemMemUsage is a gauge that records the current memory usage percentage.
	MetricSystemMemUsage = Metric{
		Name:        "system.mem.usage",
		Unit:        "percentage",
		Description: "Current memory usage percentage of the process host.",
	}
)

// RecordSystemCPUUsage records the current CPU usage percentage via the factory's gauge.
func (f *MetricsFactory) RecordSystemCPUUsage(ctx context.Context, percentage int64) error {
	b, err := f.Gauge(MetricSystemCPUUsage)
	if err != nil {
		return err
	}

	return b.Set(ctx, percentage)
}

// RecordSystemMemUsage records the current memory usage percentage via the factory's gauge.
func (f *MetricsFactory) RecordSystemMemUsage(ctx context.Context, percentage int64) error {
	b, err := f.Gauge(MetricSystemMemUsage)
	if err != nil {
		return err
	}

	return b.Set(ctx, percentage)
}
