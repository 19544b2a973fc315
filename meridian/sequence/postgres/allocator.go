// Package postgres backs the sequence allocator with a per-server counter
// row. The upsert runs on the caller's transaction, so the number and the
// history entry it orders commit or roll back together.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	meridian "github.com/SandboxServers/MeridianConsole-sub018/meridian"
	libOpentelemetry "github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/sequence"
)

const sequenceTable = "console_sequences"

// Postgres serialization_failure and deadlock_detected. Under concurrent
// writers to the same server the upsert can lose a race; the caller retries
// the whole transaction.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// ErrTransactionRequired is returned when no transaction handle is supplied.
var ErrTransactionRequired = errors.New("postgres transaction is required")

// Allocator implements sequence.Allocator on a counter table.
type Allocator struct{}

var _ sequence.Allocator = (*Allocator)(nil)

// NewAllocator creates a postgres-backed allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next implements sequence.Allocator.
func (a *Allocator) Next(ctx context.Context, tx *sql.Tx, serverID uuid.UUID) (uint64, error) {
	return a.NextN(ctx, tx, serverID, 1)
}

// NextN implements sequence.Allocator. The counter row advances by count in
// one statement and the new value is returned; the first allocated number is
// value-count+1.
func (a *Allocator) NextN(ctx context.Context, tx *sql.Tx, serverID uuid.UUID, count int) (uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return 0, ErrTransactionRequired
	}

	if serverID == uuid.Nil {
		return 0, sequence.ErrServerIDRequired
	}

	if count <= 0 {
		return 0, sequence.ErrCountMustBePositive
	}

	_, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.allocate_sequence")
	defer span.End()

	query := "INSERT INTO " + sequenceTable + " (server_id, value) VALUES ($1, $2)" +
		" ON CONFLICT (server_id) DO UPDATE SET value = " + sequenceTable + ".value + $2" +
		" RETURNING value"

	var last uint64

	if err := tx.QueryRowContext(ctx, query, serverID, count).Scan(&last); err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to allocate sequence", err)

		if isSerializationError(err) {
			return 0, fmt.Errorf("%w: %w", sequence.ErrConflict, err)
		}

		return 0, fmt.Errorf("allocating sequence: %w", err)
	}

	return last - uint64(count) + 1, nil
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}
