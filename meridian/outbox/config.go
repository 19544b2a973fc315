package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultBatchSize          = 100
	defaultLeaseDuration      = 30 * time.Second
	defaultPublishTimeout     = 5 * time.Second
	defaultPublishConcurrency = 8
	defaultMaxAttempts        = 10
	defaultRetryBackoffBase   = 500 * time.Millisecond
	defaultReclaimLimit       = 500
)

// RelayConfig controls relay polling, leasing, retry, and metric behavior.
type RelayConfig struct {
	// PollInterval is the periodic interval between delivery cycles.
	PollInterval time.Duration
	// BatchSize is the max number of messages leased per cycle.
	BatchSize int
	// LeaseDuration is how long a claimed row stays owned before the
	// watchdog may reclaim it.
	LeaseDuration time.Duration
	// PublishTimeout bounds one publish call.
	PublishTimeout time.Duration
	// PublishConcurrency bounds concurrent aggregate-key groups in flight.
	PublishConcurrency int
	// MaxAttempts is the total delivery attempts before dead-lettering.
	MaxAttempts int
	// RetryBackoffBase is the base duration for exponential retry backoff.
	RetryBackoffBase time.Duration
	// ReclaimLimit caps expired leases reclaimed per cycle.
	ReclaimLimit int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultRelayConfig returns the baseline relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:       defaultPollInterval,
		BatchSize:          defaultBatchSize,
		LeaseDuration:      defaultLeaseDuration,
		PublishTimeout:     defaultPublishTimeout,
		PublishConcurrency: defaultPublishConcurrency,
		MaxAttempts:        defaultMaxAttempts,
		RetryBackoffBase:   defaultRetryBackoffBase,
		ReclaimLimit:       defaultReclaimLimit,
		MeterProvider:      nil,
	}
}

func (cfg *RelayConfig) normalize() {
	defaults := DefaultRelayConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}

	if cfg.PublishConcurrency <= 0 {
		cfg.PublishConcurrency = defaults.PublishConcurrency
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.ReclaimLimit <= 0 {
		cfg.ReclaimLimit = defaults.ReclaimLimit
	}
}

// RelayOption mutates relay configuration at construction.
type RelayOption func(*Relay)

// WithPollInterval sets the delivery polling interval.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(relay *Relay) {
		if interval > 0 {
			relay.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum messages leased in one delivery cycle.
func WithBatchSize(size int) RelayOption {
	return func(relay *Relay) {
		if size > 0 {
			relay.cfg.BatchSize = size
		}
	}
}

// WithLeaseDuration sets how long leased rows stay owned by a worker.
func WithLeaseDuration(lease time.Duration) RelayOption {
	return func(relay *Relay) {
		if lease > 0 {
			relay.cfg.LeaseDuration = lease
		}
	}
}

// WithPublishTimeout bounds one publish call to the broker.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(relay *Relay) {
		if timeout > 0 {
			relay.cfg.PublishTimeout = timeout
		}
	}
}

// WithPublishConcurrency bounds concurrent aggregate-key groups in flight.
func WithPublishConcurrency(concurrency int) RelayOption {
	return func(relay *Relay) {
		if concurrency > 0 {
			relay.cfg.PublishConcurrency = concurrency
		}
	}
}

// WithMaxAttempts sets total delivery attempts before dead-lettering.
func WithMaxAttempts(maxAttempts int) RelayOption {
	return func(relay *Relay) {
		if maxAttempts > 0 {
			relay.cfg.MaxAttempts = maxAttempts
		}
	}
}

// WithRetryBackoffBase sets the base duration for exponential retry backoff.
func WithRetryBackoffBase(base time.Duration) RelayOption {
	return func(relay *Relay) {
		if base > 0 {
			relay.cfg.RetryBackoffBase = base
		}
	}
}

// WithReclaimLimit caps expired leases reclaimed each cycle.
func WithReclaimLimit(limit int) RelayOption {
	return func(relay *Relay) {
		if limit > 0 {
			relay.cfg.ReclaimLimit = limit
		}
	}
}

// WithRetryClassifier sets the permanent-error classifier.
func WithRetryClassifier(classifier RetryClassifier) RelayOption {
	return func(relay *Relay) {
		if nilcheck.Interface(classifier) {
			relay.retryClassifier = nil

			return
		}

		relay.retryClassifier = classifier
	}
}

// WithMeterProvider injects a custom meter provider for relay metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(relay *Relay) {
		if nilcheck.Interface(provider) {
			relay.cfg.MeterProvider = nil

			return
		}

		relay.cfg.MeterProvider = provider
	}
}
