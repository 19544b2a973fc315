package outbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	meridian "github.com/SandboxServers/MeridianConsole-sub018/meridian"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/backoff"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	libLog "github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
	libOpentelemetry "github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/runtime"
)

// Relay drains the outbox toward the broker as a competing consumer. Any
// number of relay processes may run against the same table; row leases are
// the only coordination between them.
type Relay struct {
	repo            Repository
	publisher       Publisher
	retryClassifier RetryClassifier
	logger          libLog.Logger
	tracer          trace.Tracer
	workerID        string
	cfg             RelayConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	deliverWg  sync.WaitGroup

	metrics relayMetrics
}

var _ meridian.App = (*Relay)(nil)

// DeliveryResult captures one delivery cycle outcome.
type DeliveryResult struct {
	Reclaimed    int
	Leased       int
	Delivered    int
	Failed       int
	DeadLettered int
}

// NewRelay creates an outbox relay worker.
func NewRelay(
	repo Repository,
	publisher Publisher,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...RelayOption,
) (*Relay, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("meridian.noop")
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	relay := &Relay{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		workerID:  defaultWorkerID(),
		cfg:       DefaultRelayConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	relay.cfg.normalize()

	metrics, err := newRelayMetrics(relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox relay metrics: %w", err)
	}

	relay.metrics = metrics

	return relay, nil
}

// WorkerID returns the lease owner identity of this relay instance.
func (relay *Relay) WorkerID() string {
	return relay.workerID
}

// Run starts the relay loop until Stop is called.
func (relay *Relay) Run(launcher *meridian.Launcher) error {
	return relay.RunContext(context.Background(), launcher)
}

// RunContext starts the relay loop until Stop is called or ctx is cancelled.
func (relay *Relay) RunContext(parentCtx context.Context, launcher *meridian.Launcher) error {
	if relay == nil || relay.repo == nil || relay.publisher == nil {
		return ErrRelayRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !relay.registerRun(cancel) {
		cancel()

		return ErrRelayRunning
	}

	defer relay.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox relay started",
			libLog.String("worker_id", relay.workerID))
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox relay stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, relay.logger, "outbox", "relay_run")

	ticker := time.NewTicker(relay.cfg.PollInterval)
	defer ticker.Stop()

	relay.runCycle(ctx, "outbox.relay.initial_cycle")

	for {
		select {
		case <-relay.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-relay.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			relay.runCycle(ctx, "outbox.relay.cycle")
		}
	}
}

func (relay *Relay) runCycle(ctx context.Context, spanName string) {
	relay.deliverWg.Add(1)
	defer relay.deliverWg.Done()

	cycleCtx, span := relay.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(cycleCtx, relay.logger, "outbox", "relay_cycle")

	result := relay.DeliverOnce(cycleCtx)
	span.SetAttributes(
		attribute.Int("outbox.cycle.reclaimed", result.Reclaimed),
		attribute.Int("outbox.cycle.leased", result.Leased),
		attribute.Int("outbox.cycle.delivered", result.Delivered),
		attribute.Int("outbox.cycle.failed", result.Failed),
		attribute.Int("outbox.cycle.dead_lettered", result.DeadLettered),
	)
}

// Stop signals the relay loop to stop.
func (relay *Relay) Stop() {
	if relay == nil {
		return
	}

	relay.stopOnce.Do(func() {
		relay.runStateMu.Lock()
		cancel := relay.cancelFunc
		stop := relay.stop
		if stop == nil {
			stop = make(chan struct{})
			relay.stop = stop
		}
		relay.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for the in-flight delivery cycle to complete.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	relay.Stop()

	done := make(chan struct{})

	runtime.SafeGo(relay.logger, "outbox.relay_shutdown_wait", runtime.KeepRunning, func() {
		relay.deliverWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// DeliverOnce runs one full delivery cycle: reclaim expired leases, lease a
// batch, then publish per aggregate key. Delivery is at-least-once: the
// publish lands before the state update, so consumers must deduplicate.
func (relay *Relay) DeliverOnce(ctx context.Context) DeliveryResult {
	if relay == nil || relay.repo == nil || relay.publisher == nil {
		return DeliveryResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)
	if nilcheck.Interface(logger) {
		logger = relay.logger
	}

	if nilcheck.Interface(tracer) {
		tracer = relay.tracer
	}

	start := time.Now().UTC()

	ctx, span := tracer.Start(ctx, "outbox.deliver")
	defer span.End()

	var result DeliveryResult

	reclaimed, err := relay.repo.ReclaimExpired(ctx, relay.cfg.ReclaimLimit)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to reclaim expired leases", err)
		libLog.SafeError(logger, ctx, "failed to reclaim expired leases", err, runtime.IsProductionMode())
	}

	result.Reclaimed = reclaimed
	relay.addCounter(ctx, relay.metrics.leasesReclaimed, int64(reclaimed))

	messages, err := relay.repo.LeaseBatch(ctx, relay.workerID, relay.cfg.BatchSize, relay.cfg.LeaseDuration)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to lease outbox batch", err)
		libLog.SafeError(logger, ctx, "failed to lease outbox batch", err, runtime.IsProductionMode())

		return result
	}

	result.Leased = len(messages)
	relay.recordBatchDepth(ctx, int64(len(messages)))

	if len(messages) == 0 {
		return result
	}

	groups := groupByAggregateKey(messages)

	var (
		resultMu sync.Mutex
		groupWg  sync.WaitGroup
	)

	// Bounded fan-out across aggregate keys; strictly sequential inside a
	// key so per-aggregate commit order survives delivery.
	slots := make(chan struct{}, relay.cfg.PublishConcurrency)

	for _, group := range groups {
		group := group

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break
		}

		if ctx.Err() != nil {
			break
		}

		groupWg.Add(1)

		runtime.SafeGoWithContextAndComponent(
			ctx,
			logger,
			"outbox",
			"relay_group_"+group.key,
			runtime.RunOnce,
			func(groupCtx context.Context) {
				defer groupWg.Done()
				defer func() { <-slots }()

				delivered, failed, deadLettered := relay.deliverGroup(groupCtx, logger, group.messages)

				resultMu.Lock()
				result.Delivered += delivered
				result.Failed += failed
				result.DeadLettered += deadLettered
				resultMu.Unlock()
			},
		)
	}

	groupWg.Wait()

	relay.addCounter(ctx, relay.metrics.messagesDelivered, int64(result.Delivered))
	relay.addCounter(ctx, relay.metrics.messagesFailed, int64(result.Failed))
	relay.addCounter(ctx, relay.metrics.messagesDeadLettered, int64(result.DeadLettered))
	relay.recordLatency(ctx, time.Since(start).Seconds())

	return result
}

// deliverGroup publishes one aggregate key's messages in order. On a
// transient failure the failed message gets its retry schedule and the rest
// of the group is left DELIVERING for the watchdog. The store only leases a
// row when every earlier same-key row is terminal or part of the same
// claim, so a backed-off head keeps its reclaimed successors unleasable
// until it is due again; skipping ahead here would break per-key order.
func (relay *Relay) deliverGroup(
	ctx context.Context,
	logger libLog.Logger,
	messages []*Message,
) (delivered, failed, deadLettered int) {
	for _, message := range messages {
		if ctx.Err() != nil {
			return delivered, failed, deadLettered
		}

		if message == nil {
			continue
		}

		err := relay.publishOne(ctx, message)
		if err == nil {
			if markErr := relay.repo.MarkDelivered(ctx, message.ID, relay.workerID, time.Now().UTC()); markErr != nil {
				logger.Log(
					ctx,
					libLog.LevelError,
					"outbox message published but failed to persist DELIVERED state; message may be redelivered",
					libLog.String("message_id", message.ID.String()),
					libLog.String("error", sanitizeReason(markErr)),
				)
			}

			delivered++

			continue
		}

		if relay.isPermanentError(err) {
			if markErr := relay.repo.MarkDeadLettered(ctx, message.ID, relay.workerID, sanitizeReason(err)); markErr != nil {
				logger.Log(ctx, libLog.LevelError, "failed to dead-letter outbox message",
					libLog.String("message_id", message.ID.String()),
					libLog.String("error", sanitizeReason(markErr)))
			}

			deadLettered++

			// A permanently bad head does not block its successors.
			continue
		}

		nextAttemptAt := time.Now().UTC().
			Add(backoff.ExponentialWithJitter(relay.cfg.RetryBackoffBase, message.Attempts))

		if markErr := relay.repo.MarkFailed(ctx, message.ID, relay.workerID, sanitizeReason(err), nextAttemptAt, relay.cfg.MaxAttempts); markErr != nil {
			logger.Log(ctx, libLog.LevelError, "failed to mark outbox message failed",
				libLog.String("message_id", message.ID.String()),
				libLog.String("error", sanitizeReason(markErr)))
		}

		failed++

		return delivered, failed, deadLettered
	}

	return delivered, failed, deadLettered
}

func (relay *Relay) publishOne(ctx context.Context, message *Message) error {
	if message == nil {
		return ErrMessageRequired
	}

	if len(message.Payload) == 0 {
		return ErrPayloadRequired
	}

	publishCtx, cancel := context.WithTimeout(ctx, relay.cfg.PublishTimeout)
	defer cancel()

	return relay.publisher.Publish(publishCtx, message.Envelope())
}

func (relay *Relay) isPermanentError(err error) bool {
	if err == nil || nilcheck.Interface(relay.retryClassifier) {
		return false
	}

	return relay.retryClassifier.IsPermanent(err)
}

func (relay *Relay) addCounter(ctx context.Context, counter metric.Int64Counter, count int64) {
	if counter == nil || count <= 0 {
		return
	}

	counter.Add(ctx, count)
}

func (relay *Relay) recordBatchDepth(ctx context.Context, depth int64) {
	if relay.metrics.batchDepth == nil {
		return
	}

	relay.metrics.batchDepth.Record(ctx, depth)
}

func (relay *Relay) recordLatency(ctx context.Context, latencySeconds float64) {
	if relay.metrics.deliveryLatency == nil {
		return
	}

	relay.metrics.deliveryLatency.Record(ctx, latencySeconds)
}

func (relay *Relay) registerRun(cancel context.CancelFunc) bool {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	if relay.running {
		return false
	}

	if relay.stop == nil || isClosedSignal(relay.stop) {
		relay.stop = make(chan struct{})
		relay.stopOnce = sync.Once{}
	}

	relay.running = true
	relay.cancelFunc = cancel

	return true
}

func (relay *Relay) clearRun() {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	relay.running = false
	relay.cancelFunc = nil
}

type aggregateGroup struct {
	key      string
	messages []*Message
}

// groupByAggregateKey splits a leased batch into per-key groups, preserving
// the batch's (aggregate_key, created_at) ordering inside each group and
// first-seen order across groups.
func groupByAggregateKey(messages []*Message) []aggregateGroup {
	index := make(map[string]int, len(messages))
	groups := make([]aggregateGroup, 0, len(messages))

	for _, message := range messages {
		if message == nil {
			continue
		}

		position, seen := index[message.AggregateKey]
		if !seen {
			index[message.AggregateKey] = len(groups)
			groups = append(groups, aggregateGroup{key: message.AggregateKey})
			position = len(groups) - 1
		}

		groups[position].messages = append(groups[position].messages, message)
	}

	return groups
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}

	return host + "/" + uuid.NewString()[:8]
}
