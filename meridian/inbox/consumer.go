package inbox

import (
	"context"
	"fmt"
	"strings"

	meridian "github.com/SandboxServers/MeridianConsole-sub018/meridian"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	libLog "github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
	libOpentelemetry "github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/outbox"
)

// Handler applies one message's effect. Handlers run at most once per
// (consumer, message) pair; a handler error surfaces to the transport for
// redelivery, and the redelivery is skipped unless the handler rolled its
// receipt back via TryBeginProcessingTx.
type Handler interface {
	Handle(ctx context.Context, envelope outbox.Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, envelope outbox.Envelope) error

func (fn HandlerFunc) Handle(ctx context.Context, envelope outbox.Envelope) error {
	if fn == nil {
		return ErrHandlerRequired
	}

	return fn(ctx, envelope)
}

// Consumer guards a handler with the inbox claim: claim first, apply second,
// skip silently when the claim is lost.
type Consumer struct {
	consumerID string
	dedup      Dedup
	handler    Handler
	logger     libLog.Logger
}

// NewConsumer creates a deduplicating consumer. consumerID names the logical
// consumer group; two consumers with different IDs each apply every message
// once.
func NewConsumer(consumerID string, dedup Dedup, handler Handler, logger libLog.Logger) (*Consumer, error) {
	consumerID = strings.TrimSpace(consumerID)
	if consumerID == "" {
		return nil, ErrConsumerIDRequired
	}

	if nilcheck.Interface(dedup) {
		return nil, ErrDedupRequired
	}

	if nilcheck.Interface(handler) {
		return nil, ErrHandlerRequired
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	return &Consumer{
		consumerID: consumerID,
		dedup:      dedup,
		handler:    handler,
		logger:     logger,
	}, nil
}

// ConsumerID returns the logical consumer group name.
func (consumer *Consumer) ConsumerID() string {
	return consumer.consumerID
}

// Consume processes one envelope: the inbox claim decides whether the
// handler runs at all. A false claim means the effect was already applied
// (or is being applied concurrently) and the envelope is acknowledged
// without side effects.
func (consumer *Consumer) Consume(ctx context.Context, envelope outbox.Envelope) error {
	if consumer == nil || consumer.dedup == nil || consumer.handler == nil {
		return ErrDedupRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)
	if nilcheck.Interface(logger) {
		logger = consumer.logger
	}

	ctx, span := tracer.Start(ctx, "inbox.consume")
	defer span.End()

	claimed, err := consumer.dedup.TryBeginProcessing(ctx, consumer.consumerID, envelope.MessageID)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to claim inbox receipt", err)

		return fmt.Errorf("claiming inbox receipt: %w", err)
	}

	if !claimed {
		logger.Log(ctx, libLog.LevelDebug, "duplicate delivery skipped",
			libLog.String("consumer_id", consumer.consumerID),
			libLog.String("message_id", envelope.MessageID.String()),
		)

		return nil
	}

	if err := consumer.handler.Handle(ctx, envelope); err != nil {
		libOpentelemetry.HandleSpanError(&span, "inbox handler failed", err)

		return fmt.Errorf("handling message %s: %w", envelope.MessageID, err)
	}

	return nil
}
