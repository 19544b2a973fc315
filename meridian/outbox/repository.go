package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrMessageNotFound is returned by lookups and conditional updates when no
// row matches. Conditional updates treat a lost lease the same way: the row
// exists but another worker owns it now.
var ErrMessageNotFound = errors.New("outbox message not found")

// Repository persists outbox messages and implements the lease protocol the
// relay depends on. All mutating operations besides CreateWithTx manage their
// own transactions; CreateWithTx rides the caller's domain transaction so the
// message and the domain write commit atomically.
type Repository interface {
	// CreateWithTx inserts a pending message on the caller's transaction.
	CreateWithTx(ctx context.Context, tx *sql.Tx, message *Message) error

	// LeaseBatch atomically claims up to limit deliverable rows for workerID:
	// PENDING rows plus FAILED rows whose next_attempt_at has passed, ordered
	// by (aggregate_key, created_at) ascending. Claimed rows become
	// DELIVERING with lock_expires_at = now + leaseFor. Rows claimed by
	// concurrent workers are skipped, never blocked on.
	LeaseBatch(ctx context.Context, workerID string, limit int, leaseFor time.Duration) ([]*Message, error)

	// ReclaimExpired returns DELIVERING rows with expired leases to PENDING,
	// preserving attempts. It reports how many rows were reclaimed.
	ReclaimExpired(ctx context.Context, limit int) (int, error)

	// MarkDelivered finalizes a message. The update is conditional on the
	// row still being DELIVERING and locked by workerID; a lost lease yields
	// ErrMessageNotFound.
	MarkDelivered(ctx context.Context, messageID uuid.UUID, workerID string, deliveredAt time.Time) error

	// MarkFailed records a delivery failure: attempts+1, lease released, and
	// either FAILED with nextAttemptAt or DEAD_LETTERED once attempts reach
	// maxAttempts. Conditional on DELIVERING + workerID ownership.
	MarkFailed(ctx context.Context, messageID uuid.UUID, workerID string, reason string, nextAttemptAt time.Time, maxAttempts int) error

	// MarkDeadLettered parks a message permanently, recording the reason.
	// Conditional on DELIVERING + workerID ownership.
	MarkDeadLettered(ctx context.Context, messageID uuid.UUID, workerID string, reason string) error

	// ListDeadLettered returns dead-lettered messages, oldest first.
	ListDeadLettered(ctx context.Context, limit int) ([]*Message, error)

	// Requeue returns a dead-lettered message to PENDING with zeroed
	// attempts so the relay picks it up again.
	Requeue(ctx context.Context, messageID uuid.UUID) error

	// GetByID fetches one message regardless of status.
	GetByID(ctx context.Context, messageID uuid.UUID) (*Message, error)
}
