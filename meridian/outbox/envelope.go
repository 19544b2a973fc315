package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the transport representation of one outbox message. The
// payload travels as raw JSON so brokers and consumers never re-encode it.
type Envelope struct {
	MessageID    uuid.UUID       `json:"message_id"`
	AggregateKey string          `json:"aggregate_key"`
	MessageType  string          `json:"message_type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Publisher pushes one envelope to the downstream broker. Publish must not
// return nil unless the broker has durably accepted the envelope; the relay
// marks the message delivered on a nil return.
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, envelope Envelope) error

func (fn PublisherFunc) Publish(ctx context.Context, envelope Envelope) error {
	if fn == nil {
		return ErrPublisherRequired
	}

	return fn(ctx, envelope)
}
