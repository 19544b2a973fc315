package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/assert"
)

// DefaultMaxPayloadBytes bounds a single message payload.
const DefaultMaxPayloadBytes = 1 << 20

// Message is one queued event awaiting delivery. It is owned by the writing
// transaction at creation and by the leasing relay worker during delivery.
type Message struct {
	ID            uuid.UUID
	AggregateKey  string
	MessageType   string
	Payload       []byte
	Status        Status
	Attempts      int
	NextAttemptAt *time.Time
	LockedBy      string
	LockExpiresAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   *time.Time
}

// NewMessage creates a valid message initialized as pending.
func NewMessage(
	ctx context.Context,
	aggregateKey string,
	messageType string,
	payload []byte,
) (*Message, error) {
	return NewMessageWithID(ctx, uuid.New(), aggregateKey, messageType, payload)
}

// NewMessageWithID creates a valid pending message using a caller-provided
// ID. Producers that derive the message id from the domain row use this to
// keep consumer-side deduplication stable across enqueue retries.
func NewMessageWithID(
	ctx context.Context,
	messageID uuid.UUID,
	aggregateKey string,
	messageType string,
	payload []byte,
) (*Message, error) {
	asserter := assert.New(ctx, nil, "outbox", "outbox.new_message")

	if err := asserter.That(ctx, messageID != uuid.Nil, "message id is required"); err != nil {
		return nil, fmt.Errorf("outbox message id: %w", err)
	}

	aggregateKey = strings.TrimSpace(aggregateKey)

	if err := asserter.NotEmpty(ctx, aggregateKey, "aggregate key is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAggregateKeyRequired, err)
	}

	messageType = strings.TrimSpace(messageType)

	if err := asserter.NotEmpty(ctx, messageType, "message type is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessageTypeRequired, err)
	}

	if err := asserter.That(ctx, len(payload) > 0, "payload is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadRequired, err)
	}

	if err := asserter.That(ctx, len(payload) <= DefaultMaxPayloadBytes, "payload exceeds max size"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
	}

	if err := asserter.That(ctx, json.Valid(payload), "payload must be valid JSON"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
	}

	now := time.Now().UTC()

	return &Message{
		ID:           messageID,
		AggregateKey: aggregateKey,
		MessageType:  messageType,
		Payload:      payload,
		Status:       StatusPending,
		Attempts:     0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Envelope returns the transport envelope for this message.
func (message *Message) Envelope() Envelope {
	return Envelope{
		MessageID:    message.ID,
		AggregateKey: message.AggregateKey,
		MessageType:  message.MessageType,
		Payload:      json.RawMessage(message.Payload),
		CreatedAt:    message.CreatedAt,
	}
}
