// Package postgres backs the inbox with a receipts table whose primary key
// is (consumer_id, message_id). The claim is INSERT ... ON CONFLICT DO
// NOTHING with a rows-affected check — one statement, so two concurrent
// deliveries of the same message cannot both win.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	meridian "github.com/SandboxServers/MeridianConsole-sub018/meridian"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/inbox"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	libLog "github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
	libOpentelemetry "github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry"
	libPostgres "github.com/SandboxServers/MeridianConsole-sub018/meridian/postgres"
)

const receiptsTable = "inbox_receipts"

var (
	ErrClientRequired      = errors.New("postgres client is required")
	ErrTransactionRequired = errors.New("postgres transaction is required")
)

// Option configures the dedup.
type Option func(*Dedup)

// WithLogger sets the structured logger.
func WithLogger(logger libLog.Logger) Option {
	return func(dedup *Dedup) {
		if nilcheck.Interface(logger) {
			return
		}

		dedup.logger = logger
	}
}

// Dedup implements inbox.Dedup on PostgreSQL.
type Dedup struct {
	client *libPostgres.Client
	logger libLog.Logger
}

var _ inbox.Dedup = (*Dedup)(nil)

// NewDedup creates a postgres-backed inbox dedup.
func NewDedup(client *libPostgres.Client, opts ...Option) (*Dedup, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	dedup := &Dedup{
		client: client,
		logger: libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dedup)
		}
	}

	return dedup, nil
}

// TryBeginProcessing implements inbox.Dedup.
func (dedup *Dedup) TryBeginProcessing(ctx context.Context, consumerID string, messageID uuid.UUID) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := dedup.client.Primary(ctx)
	if err != nil {
		return false, err
	}

	return dedup.claim(ctx, db, consumerID, messageID)
}

// TryBeginProcessingTx implements inbox.Dedup on the caller's transaction,
// so the receipt rolls back with the handler's domain write.
func (dedup *Dedup) TryBeginProcessingTx(ctx context.Context, tx *sql.Tx, consumerID string, messageID uuid.UUID) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return false, ErrTransactionRequired
	}

	return dedup.claim(ctx, tx, consumerID, messageID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (dedup *Dedup) claim(ctx context.Context, db execer, consumerID string, messageID uuid.UUID) (bool, error) {
	if consumerID == "" {
		return false, inbox.ErrConsumerIDRequired
	}

	if messageID == uuid.Nil {
		return false, inbox.ErrMessageIDRequired
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_inbox_receipt")
	defer span.End()

	query := "INSERT INTO " + receiptsTable + " (consumer_id, message_id, processed_at)" +
		" VALUES ($1, $2, $3) ON CONFLICT (consumer_id, message_id) DO NOTHING"

	result, err := db.ExecContext(ctx, query, consumerID, messageID, time.Now().UTC())
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to claim inbox receipt", err)
		libLog.SafeError(logger, ctx, "failed to claim inbox receipt", err, false)

		return false, fmt.Errorf("claiming inbox receipt: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("counting inbox receipt rows: %w", err)
	}

	return inserted == 1, nil
}

// DeleteProcessedBefore implements inbox.Dedup. Retention cleanup only; the
// cutoff must stay beyond the broker's redelivery horizon.
func (dedup *Dedup) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.trim_inbox_receipts")
	defer span.End()

	db, err := dedup.client.Primary(ctx)
	if err != nil {
		return 0, err
	}

	query := "DELETE FROM " + receiptsTable + " WHERE processed_at < $1"

	result, err := db.ExecContext(ctx, query, cutoff)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to trim inbox receipts", err)
		libLog.SafeError(logger, ctx, "failed to trim inbox receipts", err, false)

		return 0, fmt.Errorf("trimming inbox receipts: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting trimmed inbox receipts: %w", err)
	}

	return deleted, nil
}
