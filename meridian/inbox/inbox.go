// Package inbox makes message handling idempotent under at-least-once
// delivery. A receipt keyed (consumer_id, message_id) is claimed with one
// atomic check-and-insert; only the first claim wins, so a redelivered
// message is skipped instead of re-applied.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConsumerIDRequired = errors.New("consumer id is required")
	ErrMessageIDRequired  = errors.New("message id is required")
	ErrDedupRequired      = errors.New("inbox dedup is required")
	ErrHandlerRequired    = errors.New("inbox handler is required")
)

// Receipt records that a consumer has applied a message's effect. Receipts
// are write-once and never deleted during normal operation; retention
// cleanup is an explicit operator action.
type Receipt struct {
	ConsumerID  string
	MessageID   uuid.UUID
	ProcessedAt time.Time
}

// Dedup is the atomic check-and-insert over receipts.
type Dedup interface {
	// TryBeginProcessing claims (consumerID, messageID). It returns true
	// exactly once per pair; every later call returns false. The claim and
	// the existence check are one atomic operation, never check-then-insert.
	TryBeginProcessing(ctx context.Context, consumerID string, messageID uuid.UUID) (bool, error)

	// TryBeginProcessingTx is the same claim riding the caller's
	// transaction, so the receipt and the consumer's domain write commit or
	// roll back together. Handlers that mutate state should prefer this.
	TryBeginProcessingTx(ctx context.Context, tx *sql.Tx, consumerID string, messageID uuid.UUID) (bool, error)

	// DeleteProcessedBefore trims receipts older than cutoff. Retention
	// only; shrinking the window below the broker's redelivery horizon
	// reopens the duplicate-effect race.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Memory is an in-process Dedup for tests and single-node deployments.
type Memory struct {
	mu       sync.Mutex
	receipts map[memoryKey]time.Time
}

type memoryKey struct {
	consumerID string
	messageID  uuid.UUID
}

var _ Dedup = (*Memory)(nil)

// NewMemory creates an empty in-memory dedup.
func NewMemory() *Memory {
	return &Memory{receipts: make(map[memoryKey]time.Time)}
}

// TryBeginProcessing implements Dedup.
func (memory *Memory) TryBeginProcessing(_ context.Context, consumerID string, messageID uuid.UUID) (bool, error) {
	if consumerID == "" {
		return false, ErrConsumerIDRequired
	}

	if messageID == uuid.Nil {
		return false, ErrMessageIDRequired
	}

	key := memoryKey{consumerID: consumerID, messageID: messageID}

	memory.mu.Lock()
	defer memory.mu.Unlock()

	if _, exists := memory.receipts[key]; exists {
		return false, nil
	}

	memory.receipts[key] = time.Now().UTC()

	return true, nil
}

// TryBeginProcessingTx implements Dedup. The transaction handle is ignored;
// in-memory receipts cannot join a database transaction.
func (memory *Memory) TryBeginProcessingTx(ctx context.Context, _ *sql.Tx, consumerID string, messageID uuid.UUID) (bool, error) {
	return memory.TryBeginProcessing(ctx, consumerID, messageID)
}

// DeleteProcessedBefore implements Dedup.
func (memory *Memory) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	var deleted int64

	for key, processedAt := range memory.receipts {
		if processedAt.Before(cutoff) {
			delete(memory.receipts, key)
			deleted++
		}
	}

	return deleted, nil
}
