package outbox

import "errors"

var (
	ErrMessageRequired         = errors.New("outbox message is required")
	ErrRepositoryRequired      = errors.New("outbox repository is required")
	ErrPublisherRequired       = errors.New("outbox publisher is required")
	ErrRelayRequired           = errors.New("outbox relay is required")
	ErrRelayRunning            = errors.New("outbox relay is already running")
	ErrAggregateKeyRequired    = errors.New("aggregate key is required")
	ErrMessageTypeRequired     = errors.New("message type is required")
	ErrPayloadRequired         = errors.New("outbox message payload is required")
	ErrPayloadTooLarge         = errors.New("outbox message payload exceeds maximum allowed size")
	ErrPayloadNotJSON          = errors.New("outbox message payload must be valid JSON (stored as JSONB)")
	ErrUnknownMessageType      = errors.New("unknown outbox message type")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrStatusTransitionInvalid = errors.New("invalid outbox status transition")
)
