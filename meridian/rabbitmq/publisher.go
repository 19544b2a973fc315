package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker confirm.
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
)

var (
	// ErrChannelRequired is returned when the publisher is built without a channel.
	ErrChannelRequired = errors.New("rabbitmq channel is required")
	// ErrPublishNacked is returned when the broker refuses a publishing.
	ErrPublishNacked = errors.New("rabbitmq broker nacked the publishing")
	// ErrConfirmTimeout is returned when no confirm arrives in time.
	ErrConfirmTimeout = errors.New("timed out waiting for rabbitmq publish confirm")
	// ErrPublisherClosed is returned when the underlying channel closed.
	ErrPublisherClosed = errors.New("rabbitmq publisher channel is closed")
)

// ConfirmableChannel is the slice of *amqp.Channel the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// PublisherOption configures a ConfirmablePublisher.
type PublisherOption func(*ConfirmablePublisher)

// WithConfirmTimeout overrides the per-publishing confirm wait.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(publisher *ConfirmablePublisher) {
		if timeout > 0 {
			publisher.confirmTimeout = timeout
		}
	}
}

// WithPublisherLogger sets the structured logger.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(publisher *ConfirmablePublisher) {
		if nilcheck.Interface(logger) {
			return
		}

		publisher.logger = logger
	}
}

// ConfirmablePublisher publishes on a confirm-mode channel and blocks each
// publishing until the broker acks it. Publishes are serialized so that the
// next confirmation on the channel always belongs to the in-flight
// publishing; the relay gets its throughput from running publishers on
// separate channels, not from pipelining one.
type ConfirmablePublisher struct {
	channel        ConfirmableChannel
	exchange       string
	confirmTimeout time.Duration
	logger         log.Logger

	publishMu sync.Mutex
	confirms  chan amqp.Confirmation
	closedCh  chan *amqp.Error
}

// NewConfirmablePublisher puts the channel in confirm mode and wires the
// confirm and close notifications.
func NewConfirmablePublisher(channel ConfirmableChannel, exchange string, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("enabling confirm mode: %w", err)
	}

	publisher := &ConfirmablePublisher{
		channel:        channel,
		exchange:       exchange,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         log.NewNop(),
		confirms:       channel.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer)),
		closedCh:       channel.NotifyClose(make(chan *amqp.Error, 1)),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	return publisher, nil
}

// PublishAndWaitConfirm publishes one message and waits for the broker's
// confirm. A nack, a closed channel, a timeout, and a cancelled context are
// all failures; the caller retries through its own machinery.
func (publisher *ConfirmablePublisher) PublishAndWaitConfirm(
	ctx context.Context,
	routingKey string,
	publishing amqp.Publishing,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	publisher.publishMu.Lock()
	defer publisher.publishMu.Unlock()

	if err := publisher.channel.PublishWithContext(ctx, publisher.exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("publishing to %s/%s: %w", publisher.exchange, routingKey, err)
	}

	return publisher.waitForConfirm(ctx, routingKey)
}

func (publisher *ConfirmablePublisher) waitForConfirm(ctx context.Context, routingKey string) error {
	timer := time.NewTimer(publisher.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmation, ok := <-publisher.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmation.Ack {
			publisher.logger.Log(ctx, log.LevelWarn, "broker nacked publishing",
				log.String("routing_key", routingKey),
				log.Uint64("delivery_tag", confirmation.DeliveryTag),
			)

			return ErrPublishNacked
		}

		return nil
	case closeErr := <-publisher.closedCh:
		if closeErr != nil {
			return fmt.Errorf("%w: %s", ErrPublisherClosed, closeErr.Error())
		}

		return ErrPublisherClosed
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrConfirmTimeout, publisher.confirmTimeout)
	case <-ctx.Done():
		return fmt.Errorf("waiting for publish confirm: %w", ctx.Err())
	}
}
