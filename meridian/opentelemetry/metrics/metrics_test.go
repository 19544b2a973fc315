//go:build unit

package metrics

import (
	"context"
	"sync"
	"testing"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// newTestFactory creates a MetricsFactory backed by a real SDK meter provider
// with a ManualReader. The ManualReader lets us export and inspect actual
// metric data recorded by the instruments.
func newTestFactory(t *testing.T) (*MetricsFactory, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	factory, err := NewMetricsFactory(meter, &log.NopLogger{})
	require.NoError(t, err)

	return factory, reader
}

// collectMetrics is a convenience wrapper that calls reader.Collect and returns
// the ResourceMetrics payload.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)

	return rm
}

// findMetricByName walks the collected ResourceMetrics and returns the first
// Metrics entry whose Name matches. Returns nil if not found.
func findMetricByName(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}

	return nil
}

// sumDataPoints extracts data points from a Sum metric.
func sumDataPoints(t *testing.T, m *metricdata.Metrics) []metricdata.DataPoint[int64] {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] data, got %T", m.Data)

	return sum.DataPoints
}

// histDataPoints extracts data points from a Histogram metric.
func histDataPoints(t *testing.T, m *metricdata.Metrics) []metricdata.HistogramDataPoint[int64] {
	t.Helper()

	hist, ok := m.Data.(metricdata.Histogram[int64])
	require.True(t, ok, "expected Histogram[int64] data, got %T", m.Data)

	return hist.DataPoints
}

// gaugeDataPoints extracts data points from a Gauge metric.
func gaugeDataPoints(t *testing.T, m *metricdata.Metrics) []metricdata.DataPoint[int64] {
	t.Helper()

	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "expected Gauge[int64] data, got %T", m.Data)

	return gauge.DataPoints
}

// hasAttribute checks whether the attribute set contains a specific string key/value.
func hasAttribute(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	if !ok {
		return false
	}

	return v.AsString() == value
}

// ---------------------------------------------------------------------------
// Factory creation
// ---------------------------------------------------------------------------

func TestNewMetricsFactory_NilMeter(t *testing.T) {
	_, err := NewMetricsFactory(nil, &log.NopLogger{})
	assert.ErrorIs(t, err, ErrNilMeter, "nil meter must be rejected")
}

func TestNewMetricsFactory_NilLogger(t *testing.T) {
	// A nil logger is fine -- internal code guards against it.
	meter := noop.NewMeterProvider().Meter("test")
	factory, err := NewMetricsFactory(meter, nil)
	require.NoError(t, err)
	assert.NotNil(t, factory)
}

func TestNewNopFactory(t *testing.T) {
	factory := NewNopFactory()
	require.NotNil(t, factory)

	counter, err := factory.Counter(MetricCommandsExecuted)
	require.NoError(t, err)
	assert.NoError(t, counter.AddOne(context.Background()))
}

// ---------------------------------------------------------------------------
// Counter recording and verification
// ---------------------------------------------------------------------------

func TestCounter_AddOne_RecordsValue(t *testing.T) {
	factory, reader := newTestFactory(t)

	counter, err := factory.Counter(Metric{
		Name:        "commands_total",
		Description: "Total number of console commands",
		Unit:        "1",
	})
	require.NoError(t, err)

	err = counter.AddOne(context.Background())
	require.NoError(t, err)

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "commands_total")
	require.NotNil(t, m, "metric commands_total must exist")

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(1), dps[0].Value)
}

func TestCounter_Add_AccumulatesValues(t *testing.T) {
	factory, reader := newTestFactory(t)

	counter, err := factory.Counter(Metric{Name: "bytes_sent"})
	require.NoError(t, err)

	require.NoError(t, counter.Add(context.Background(), 42))
	require.NoError(t, counter.Add(context.Background(), 8))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "bytes_sent")
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(50), dps[0].Value, "counter should accumulate 42+8=50")
}

func TestCounter_NilCounter_ReturnsError(t *testing.T) {
	builder := &CounterBuilder{counter: nil}
	err := builder.AddOne(context.Background())
	assert.ErrorIs(t, err, ErrNilCounter)
}

func TestCounter_CachedAcrossCalls(t *testing.T) {
	factory, reader := newTestFactory(t)

	first, err := factory.Counter(Metric{Name: "cached_counter"})
	require.NoError(t, err)
	second, err := factory.Counter(Metric{Name: "cached_counter"})
	require.NoError(t, err)

	require.NoError(t, first.AddOne(context.Background()))
	require.NoError(t, second.AddOne(context.Background()))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "cached_counter")
	require.NotNil(t, m)

	// Both builders share the same instrument, so values accumulate.
	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(2), dps[0].Value)
}

func TestCounter_ConcurrentCreation(t *testing.T) {
	factory, reader := newTestFactory(t)

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			counter, err := factory.Counter(Metric{Name: "concurrent_counter"})
			if err != nil {
				return
			}

			_ = counter.AddOne(context.Background())
		}()
	}

	wg.Wait()

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "concurrent_counter")
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(10), dps[0].Value)
}

// ---------------------------------------------------------------------------
// Gauge recording and verification
// ---------------------------------------------------------------------------

func TestGauge_Set_RecordsValue(t *testing.T) {
	factory, reader := newTestFactory(t)

	gauge, err := factory.Gauge(Metric{
		Name:        "pending_backlog",
		Description: "Current pending message backlog",
		Unit:        "1",
	})
	require.NoError(t, err)

	require.NoError(t, gauge.Set(context.Background(), 42))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "pending_backlog")
	require.NotNil(t, m, "metric pending_backlog must exist")

	dps := gaugeDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(42), dps[0].Value)
}

func TestGauge_SetKeepsLastValue(t *testing.T) {
	factory, reader := newTestFactory(t)

	gauge, err := factory.Gauge(Metric{Name: "active_sessions"})
	require.NoError(t, err)

	require.NoError(t, gauge.Set(context.Background(), 10))
	require.NoError(t, gauge.Set(context.Background(), 25))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "active_sessions")
	require.NotNil(t, m)

	dps := gaugeDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(25), dps[0].Value)
}

func TestGauge_NilGauge_ReturnsError(t *testing.T) {
	builder := &GaugeBuilder{gauge: nil}
	err := builder.Set(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNilGauge)
}

// ---------------------------------------------------------------------------
// Histogram recording and verification
// ---------------------------------------------------------------------------

func TestHistogram_Record_RecordsValue(t *testing.T) {
	factory, reader := newTestFactory(t)

	hist, err := factory.Histogram(Metric{
		Name:        "delivery_duration",
		Description: "Delivery duration in ms",
		Unit:        "ms",
		Buckets:     []float64{10, 50, 100, 250, 500, 1000},
	})
	require.NoError(t, err)

	require.NoError(t, hist.Record(context.Background(), 75))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "delivery_duration")
	require.NotNil(t, m)

	dps := histDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, uint64(1), dps[0].Count)
	assert.Equal(t, int64(75), dps[0].Sum)
}

func TestHistogram_BucketBoundariesConfigured(t *testing.T) {
	factory, reader := newTestFactory(t)

	customBuckets := []float64{10, 25, 50, 100}

	hist, err := factory.Histogram(Metric{
		Name:    "custom_histogram",
		Buckets: customBuckets,
	})
	require.NoError(t, err)

	require.NoError(t, hist.Record(context.Background(), 30))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "custom_histogram")
	require.NotNil(t, m)

	dps := histDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, customBuckets, dps[0].Bounds, "bucket boundaries must match configured values")
}

func TestHistogram_NilHistogram_ReturnsError(t *testing.T) {
	builder := &HistogramBuilder{histogram: nil}
	err := builder.Record(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNilHistogram)
}

// ---------------------------------------------------------------------------
// Builder patterns: WithLabels, WithAttributes
// ---------------------------------------------------------------------------

func TestCounterBuilder_WithLabels(t *testing.T) {
	factory, reader := newTestFactory(t)

	counter, err := factory.Counter(Metric{Name: "labeled_counter"})
	require.NoError(t, err)

	labeled := counter.WithLabels(map[string]string{
		"env":     "prod",
		"service": "console-relay",
	})
	require.NoError(t, labeled.AddOne(context.Background()))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "labeled_counter")
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)

	attrs := dps[0].Attributes
	assert.True(t, hasAttribute(attrs, "env", "prod"), "must have env=prod attribute")
	assert.True(t, hasAttribute(attrs, "service", "console-relay"), "must have service=console-relay attribute")
}

func TestCounterBuilder_ChainedLabelsAndAttributes(t *testing.T) {
	factory, reader := newTestFactory(t)

	counter, err := factory.Counter(Metric{Name: "chained_counter"})
	require.NoError(t, err)

	chained := counter.
		WithLabels(map[string]string{"region": "us-east-1"}).
		WithAttributes(attribute.String("shard", "s2"))
	require.NoError(t, chained.AddOne(context.Background()))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "chained_counter")
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.True(t, hasAttribute(dps[0].Attributes, "region", "us-east-1"))
	assert.True(t, hasAttribute(dps[0].Attributes, "shard", "s2"))
}

func TestBuilder_WithLabelsDoesNotMutateParent(t *testing.T) {
	factory, reader := newTestFactory(t)

	counter, err := factory.Counter(Metric{Name: "immutable_counter"})
	require.NoError(t, err)

	_ = counter.WithLabels(map[string]string{"server_id": "srv-1"})
	require.NoError(t, counter.AddOne(context.Background()))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "immutable_counter")
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	_, hasLabel := dps[0].Attributes.Value(attribute.Key("server_id"))
	assert.False(t, hasLabel, "parent builder must not inherit child labels")
}

// ---------------------------------------------------------------------------
// Default bucket selection and cache keys
// ---------------------------------------------------------------------------

func TestSelectDefaultBuckets(t *testing.T) {
	tests := []struct {
		name     string
		metric   string
		expected []float64
	}{
		{"batch metric", "claim_batch_size", DefaultBatchBuckets},
		{"backlog metric", "pending_backlog", DefaultBacklogBuckets},
		{"depth metric", "queue_depth", DefaultBacklogBuckets},
		{"latency metric", "publish_latency", DefaultLatencyBuckets},
		{"duration metric", "delivery_duration", DefaultLatencyBuckets},
		{"unknown falls back to latency", "mystery_metric", DefaultLatencyBuckets},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, selectDefaultBuckets(tc.metric))
		})
	}
}

func TestHistogramCacheKey(t *testing.T) {
	assert.Equal(t, "latency", histogramCacheKey("latency", nil))
	assert.Equal(t, "latency:1,5,10", histogramCacheKey("latency", []float64{1, 5, 10}))
	// Buckets are sorted before key construction
	assert.Equal(t, "latency:1,5,10", histogramCacheKey("latency", []float64{10, 1, 5}))
}

func TestHistogram_DistinctBucketsCreateDistinctInstruments(t *testing.T) {
	factory, _ := newTestFactory(t)

	first, err := factory.Histogram(Metric{Name: "dual", Buckets: []float64{1, 2}})
	require.NoError(t, err)

	second, err := factory.Histogram(Metric{Name: "dual", Buckets: []float64{5, 10}})
	require.NoError(t, err)

	assert.NotSame(t, first.histogram, second.histogram)
}

// ---------------------------------------------------------------------------
// Convenience recorders
// ---------------------------------------------------------------------------

func TestRecordCommandExecuted(t *testing.T) {
	factory, reader := newTestFactory(t)

	err := factory.RecordCommandExecuted(context.Background(), attribute.String("server_id", "srv-9"))
	require.NoError(t, err)

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, MetricCommandsExecuted.Name)
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(1), dps[0].Value)
	assert.True(t, hasAttribute(dps[0].Attributes, "server_id", "srv-9"))
}

func TestRecordHistoryLineRecorded(t *testing.T) {
	factory, reader := newTestFactory(t)

	require.NoError(t, factory.RecordHistoryLineRecorded(context.Background()))
	require.NoError(t, factory.RecordHistoryLineRecorded(context.Background()))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, MetricHistoryLinesRecorded.Name)
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(2), dps[0].Value)
}

func TestRecordSystemUsageGauges(t *testing.T) {
	factory, reader := newTestFactory(t)

	require.NoError(t, factory.RecordSystemCPUUsage(context.Background(), 37))
	require.NoError(t, factory.RecordSystemMemUsage(context.Background(), 64))

	rm := collectMetrics(t, reader)

	cpu := findMetricByName(rm, MetricSystemCPUUsage.Name)
	require.NotNil(t, cpu)
	cpuPoints := gaugeDataPoints(t, cpu)
	require.Len(t, cpuPoints, 1)
	assert.Equal(t, int64(37), cpuPoints[0].Value)

	mem := findMetricByName(rm, MetricSystemMemUsage.Name)
	require.NotNil(t, mem)
	memPoints := gaugeDataPoints(t, mem)
	require.Len(t, memPoints, 1)
	assert.Equal(t, int64(64), memPoints[0].Value)
}
