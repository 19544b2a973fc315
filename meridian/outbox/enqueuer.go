package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	meridian "github.com/SandboxServers/MeridianConsole-sub018/meridian"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	libOpentelemetry "github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry"
)

// ErrTransactionRequired is returned when Enqueue is called without the
// caller's domain transaction.
var ErrTransactionRequired = errors.New("outbox enqueue requires the caller's transaction")

// Enqueuer appends messages to the outbox on the caller's transaction. It
// never publishes inline and never opens a transaction of its own; atomicity
// with the domain write is the whole point.
type Enqueuer struct {
	repo Repository
}

// NewEnqueuer creates an outbox writer over the given repository.
func NewEnqueuer(repo Repository) (*Enqueuer, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	return &Enqueuer{repo: repo}, nil
}

// Enqueue validates and inserts a pending message on tx.
func (enqueuer *Enqueuer) Enqueue(
	ctx context.Context,
	tx *sql.Tx,
	aggregateKey string,
	messageType string,
	payload []byte,
) (*Message, error) {
	return enqueuer.EnqueueWithID(ctx, tx, uuid.New(), aggregateKey, messageType, payload)
}

// EnqueueWithID inserts a pending message with a caller-chosen message id.
// Reusing the domain row's id keeps consumer-side deduplication stable when
// the enclosing transaction is retried.
func (enqueuer *Enqueuer) EnqueueWithID(
	ctx context.Context,
	tx *sql.Tx,
	messageID uuid.UUID,
	aggregateKey string,
	messageType string,
	payload []byte,
) (*Message, error) {
	if enqueuer == nil || enqueuer.repo == nil {
		return nil, ErrRepositoryRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return nil, ErrTransactionRequired
	}

	_, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox.enqueue")
	defer span.End()

	message, err := NewMessageWithID(ctx, messageID, aggregateKey, messageType, payload)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "invalid outbox message", err)

		return nil, err
	}

	if err := enqueuer.repo.CreateWithTx(ctx, tx, message); err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to insert outbox message", err)

		return nil, fmt.Errorf("inserting outbox message: %w", err)
	}

	return message, nil
}
