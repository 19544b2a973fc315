package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	meridian "github.com/SandboxServers/MeridianConsole-sub018/meridian"
	constants "github.com/SandboxServers/MeridianConsole-sub018/meridian/constants"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	libOpentelemetry "github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/outbox"
)

// ConfirmedPublisher is the slice of ConfirmablePublisher the envelope
// adapter needs.
type ConfirmedPublisher interface {
	PublishAndWaitConfirm(ctx context.Context, routingKey string, publishing amqp.Publishing) error
}

// EnvelopePublisher adapts a confirm-mode publisher to outbox.Publisher.
// The message type doubles as the routing key, so consumers bind queues by
// event kind, and the aggregate key rides in a header for anyone who shards
// downstream.
type EnvelopePublisher struct {
	publisher ConfirmedPublisher
}

var _ outbox.Publisher = (*EnvelopePublisher)(nil)

// NewEnvelopePublisher creates the adapter.
func NewEnvelopePublisher(publisher ConfirmedPublisher) (*EnvelopePublisher, error) {
	if nilcheck.Interface(publisher) {
		return nil, outbox.ErrPublisherRequired
	}

	return &EnvelopePublisher{publisher: publisher}, nil
}

// Publish implements outbox.Publisher. The publishing is persistent so a
// broker restart cannot drop a message the outbox already marked delivered.
func (envelopePublisher *EnvelopePublisher) Publish(ctx context.Context, envelope outbox.Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, tracer, headerID, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.publish_envelope")
	defer span.End()

	body, err := json.Marshal(envelope)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to marshal envelope", err)

		return fmt.Errorf("marshaling envelope %s: %w", envelope.MessageID, err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.MessageID.String(),
		Timestamp:    envelope.CreatedAt,
		Body:         body,
		Headers: amqp.Table{
			constants.HeaderMessageID:    envelope.MessageID.String(),
			constants.HeaderAggregateKey: envelope.AggregateKey,
			constants.HeaderMessageType:  envelope.MessageType,
			constants.HeaderID:           headerID,
		},
	}

	if err := envelopePublisher.publisher.PublishAndWaitConfirm(ctx, envelope.MessageType, publishing); err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to publish envelope", err)

		return err
	}

	return nil
}
