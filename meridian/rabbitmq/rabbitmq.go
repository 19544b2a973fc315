// Package rabbitmq is the broker egress for the outbox relay: a singleton
// connection hub, a confirm-mode publisher, and the envelope adapter that
// turns outbox messages into persistent AMQP publishings.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
)

var (
	// ErrNilConnection is returned when a method runs on a nil connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrNotConnected is returned when a channel is requested before Connect.
	ErrNotConnected = errors.New("rabbitmq connection is not established")
	// ErrExchangeRequired is returned when the connection has no exchange configured.
	ErrExchangeRequired = errors.New("rabbitmq exchange is required")
)

var amqpCredentialsPattern = regexp.MustCompile(`amqps?://[^@\s]+@`)

// Connection is a hub that keeps a singleton connection and channel with
// rabbitmq and declares the outbox exchange on connect.
type Connection struct {
	ConnectionStringSource string `json:"-"`
	Exchange               string
	Logger                 log.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	dialer func(string) (*amqp.Connection, error)
}

// Connect establishes the connection, opens the shared channel, and
// declares the exchange as a durable topic exchange.
func (rc *Connection) Connect(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.Logger == nil {
		rc.Logger = log.NewNop()
	}

	if rc.Exchange == "" {
		return ErrExchangeRequired
	}

	if rc.connected && rc.conn != nil && !rc.conn.IsClosed() {
		return nil
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	dial := rc.dialer
	if dial == nil {
		dial = amqp.Dial
	}

	conn, err := dial(rc.ConnectionStringSource)
	if err != nil {
		sanitized := sanitizeAMQPError(err)
		rc.Logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.String("error", sanitized))

		return fmt.Errorf("connecting to rabbitmq: %s", sanitized)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("opening rabbitmq channel: %w", err)
	}

	if err := channel.ExchangeDeclare(rc.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()

		return fmt.Errorf("declaring exchange %q: %w", rc.Exchange, err)
	}

	rc.conn = conn
	rc.channel = channel
	rc.connected = true

	rc.Logger.Log(ctx, log.LevelInfo, "connected to rabbitmq", log.String("exchange", rc.Exchange))

	return nil
}

// NewChannel opens a fresh dedicated channel. Confirm-mode publishers each
// take their own channel; the shared one is for declarations and consumers.
func (rc *Connection) NewChannel() (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.connected || rc.conn == nil || rc.conn.IsClosed() {
		return nil, ErrNotConnected
	}

	channel, err := rc.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}

	return channel, nil
}

// ChannelSnapshot returns the shared channel, or nil before Connect.
func (rc *Connection) ChannelSnapshot() *amqp.Channel {
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.channel
}

// IsConnected reports whether the connection is established and open.
func (rc *Connection) IsConnected() bool {
	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.connected && rc.conn != nil && !rc.conn.IsClosed()
}

// Close tears down the channel and connection.
func (rc *Connection) Close() error {
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.connected = false

	var errs []error

	if rc.channel != nil && !rc.channel.IsClosed() {
		if err := rc.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing rabbitmq channel: %w", err))
		}
	}

	rc.channel = nil

	if rc.conn != nil && !rc.conn.IsClosed() {
		if err := rc.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing rabbitmq connection: %w", err))
		}
	}

	rc.conn = nil

	return errors.Join(errs...)
}

// sanitizeAMQPError strips credentials embedded in AMQP URLs (CWE-209).
func sanitizeAMQPError(err error) string {
	if nilcheck.Interface(err) {
		return ""
	}

	return amqpCredentialsPattern.ReplaceAllString(err.Error(), "amqp://***@")
}
