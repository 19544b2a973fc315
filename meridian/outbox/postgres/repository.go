// Package postgres persists outbox messages and implements the lease
// protocol with row-level claims. Claims use FOR UPDATE SKIP LOCKED so
// competing relay workers partition the backlog instead of blocking on it,
// and every post-claim update is conditional on (status, locked_by) so a
// worker that lost its lease can never finalize another worker's row.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	meridian "github.com/SandboxServers/MeridianConsole-sub018/meridian"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	libLog "github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
	libOpentelemetry "github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/outbox"
	libPostgres "github.com/SandboxServers/MeridianConsole-sub018/meridian/postgres"
)

const (
	messagesTable = "outbox_messages"

	messageColumns = "id, aggregate_key, message_type, payload, status, attempts, " +
		"next_attempt_at, locked_by, lock_expires_at, last_error, created_at, updated_at, delivered_at"
)

var (
	ErrClientRequired      = errors.New("postgres client is required")
	ErrTransactionRequired = errors.New("postgres transaction is required")
	ErrWorkerIDRequired    = errors.New("worker id is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
)

// Option configures the repository.
type Option func(*Repository)

// WithLogger sets the structured logger.
func WithLogger(logger libLog.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

// Repository implements outbox.Repository on PostgreSQL.
type Repository struct {
	client *libPostgres.Client
	logger libLog.Logger
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates an outbox repository.
func NewRepository(client *libPostgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	repo := &Repository{
		client: client,
		logger: libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	return repo, nil
}

// CreateWithTx inserts a pending message on the caller's transaction so the
// message and the domain write commit or roll back together.
func (repo *Repository) CreateWithTx(ctx context.Context, tx *sql.Tx, message *outbox.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return ErrTransactionRequired
	}

	if message == nil {
		return outbox.ErrMessageRequired
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_message")
	defer span.End()

	query := "INSERT INTO " + messagesTable +
		" (id, aggregate_key, message_type, payload, status, attempts, created_at, updated_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

	_, err := tx.ExecContext(ctx, query,
		message.ID,
		message.AggregateKey,
		message.MessageType,
		message.Payload,
		message.Status.String(),
		message.Attempts,
		message.CreatedAt,
		message.UpdatedAt,
	)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to insert outbox message", err)
		libLog.SafeError(logger, ctx, "failed to insert outbox message", err, false)

		return fmt.Errorf("inserting outbox message: %w", err)
	}

	return nil
}

// LeaseBatch claims up to limit deliverable rows for workerID. The inner
// select orders by (aggregate_key, created_at) and refuses any row with an
// earlier same-key sibling that is DELIVERING or FAILED and not yet due, so
// a backed-off or in-flight head holds its successors back. SKIP LOCKED
// makes racing workers take disjoint rows; because two workers claiming the
// same key in the same instant can each see the other's rows as still
// unclaimed, a release pass afterwards returns any claimed row whose head
// ended up elsewhere.
func (repo *Repository) LeaseBatch(ctx context.Context, workerID string, limit int, leaseFor time.Duration) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if workerID == "" {
		return nil, ErrWorkerIDRequired
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.lease_outbox_batch")
	defer span.End()

	db, err := repo.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	query := "UPDATE " + messagesTable + " SET" +
		" status = 'DELIVERING', locked_by = $1, lock_expires_at = $2, updated_at = $3" +
		" WHERE id IN (" +
		" SELECT m.id FROM " + messagesTable + " m" +
		" WHERE (m.status = 'PENDING' OR (m.status = 'FAILED' AND m.next_attempt_at <= $3))" +
		" AND NOT EXISTS (" +
		" SELECT 1 FROM " + messagesTable + " h" +
		" WHERE h.aggregate_key = m.aggregate_key" +
		" AND (h.created_at < m.created_at OR (h.created_at = m.created_at AND h.id < m.id))" +
		" AND (h.status = 'DELIVERING'" +
		" OR (h.status = 'FAILED' AND (h.next_attempt_at IS NULL OR h.next_attempt_at > $3))))" +
		" ORDER BY m.aggregate_key, m.created_at" +
		" LIMIT $4" +
		" FOR UPDATE SKIP LOCKED)" +
		" RETURNING " + messageColumns

	rows, err := db.QueryContext(ctx, query, workerID, now.Add(leaseFor), now, limit)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to lease outbox batch", err)
		libLog.SafeError(logger, ctx, "failed to lease outbox batch", err, false)

		return nil, fmt.Errorf("leasing outbox batch: %w", err)
	}

	messages, err := collectMessages(rows, limit)

	rows.Close()

	if err != nil {
		return nil, err
	}

	released, err := repo.releaseOvertakenClaims(ctx, db, workerID, now)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to release overtaken outbox claims", err)
		libLog.SafeError(logger, ctx, "failed to release overtaken outbox claims", err, false)

		return nil, fmt.Errorf("releasing overtaken outbox claims: %w", err)
	}

	if len(released) > 0 {
		kept := messages[:0]

		for _, message := range messages {
			if _, overtaken := released[message.ID]; !overtaken {
				kept = append(kept, message)
			}
		}

		messages = kept
	}

	// RETURNING does not guarantee the inner select's order.
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].AggregateKey != messages[j].AggregateKey {
			return messages[i].AggregateKey < messages[j].AggregateKey
		}

		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

// releaseOvertakenClaims returns just-claimed rows to PENDING when an earlier
// same-key row ended up outside this worker's claim. The claim statement's
// snapshot cannot see a concurrent worker's uncommitted lease on the head, so
// SKIP LOCKED can hand this worker a successor while the head is in flight
// elsewhere; releasing the successor preserves per-key delivery order.
func (repo *Repository) releaseOvertakenClaims(ctx context.Context, db *sql.DB, workerID string, now time.Time) (map[uuid.UUID]struct{}, error) {
	query := "UPDATE " + messagesTable + " SET" +
		" status = 'PENDING', locked_by = NULL, lock_expires_at = NULL, updated_at = $2" +
		" WHERE locked_by = $1 AND status = 'DELIVERING'" +
		" AND EXISTS (" +
		" SELECT 1 FROM " + messagesTable + " h" +
		" WHERE h.aggregate_key = " + messagesTable + ".aggregate_key" +
		" AND (h.created_at < " + messagesTable + ".created_at" +
		" OR (h.created_at = " + messagesTable + ".created_at AND h.id < " + messagesTable + ".id))" +
		" AND h.status NOT IN ('DELIVERED', 'DEAD_LETTERED')" +
		" AND NOT (h.status = 'DELIVERING' AND h.locked_by = $1))" +
		" RETURNING id"

	rows, err := db.QueryContext(ctx, query, workerID, now)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	released := make(map[uuid.UUID]struct{})

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		released[id] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return released, nil
}

// ReclaimExpired returns expired DELIVERING rows to PENDING, preserving
// attempts. This is the watchdog path for crashed or cancelled workers.
func (repo *Repository) ReclaimExpired(ctx context.Context, limit int) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reclaim_expired_leases")
	defer span.End()

	db, err := repo.client.Primary(ctx)
	if err != nil {
		return 0, err
	}

	query := "UPDATE " + messagesTable + " SET" +
		" status = 'PENDING', locked_by = NULL, lock_expires_at = NULL, updated_at = $1" +
		" WHERE id IN (" +
		" SELECT id FROM " + messagesTable +
		" WHERE status = 'DELIVERING' AND lock_expires_at <= $1" +
		" LIMIT $2" +
		" FOR UPDATE SKIP LOCKED)"

	result, err := db.ExecContext(ctx, query, time.Now().UTC(), limit)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to reclaim expired leases", err)
		libLog.SafeError(logger, ctx, "failed to reclaim expired leases", err, false)

		return 0, fmt.Errorf("reclaiming expired leases: %w", err)
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting reclaimed leases: %w", err)
	}

	return int(reclaimed), nil
}

// MarkDelivered finalizes a message, conditional on lease ownership.
func (repo *Repository) MarkDelivered(ctx context.Context, messageID uuid.UUID, workerID string, deliveredAt time.Time) error {
	query := "UPDATE " + messagesTable + " SET" +
		" status = 'DELIVERED', delivered_at = $3, locked_by = NULL, lock_expires_at = NULL, updated_at = $4" +
		" WHERE id = $1 AND status = 'DELIVERING' AND locked_by = $2"

	return repo.conditionalUpdate(ctx, "postgres.mark_outbox_delivered", query,
		messageID, workerID, deliveredAt, time.Now().UTC())
}

// MarkFailed records a failed attempt. The row dead-letters in the same
// statement when the incremented attempt count reaches maxAttempts, so there
// is no window where an exhausted message is still leasable.
func (repo *Repository) MarkFailed(ctx context.Context, messageID uuid.UUID, workerID string, reason string, nextAttemptAt time.Time, maxAttempts int) error {
	query := "UPDATE " + messagesTable + " SET" +
		" attempts = attempts + 1," +
		" status = CASE WHEN attempts + 1 >= $5 THEN 'DEAD_LETTERED' ELSE 'FAILED' END," +
		" next_attempt_at = CASE WHEN attempts + 1 >= $5 THEN NULL ELSE $4 END," +
		" last_error = $3, locked_by = NULL, lock_expires_at = NULL, updated_at = $6" +
		" WHERE id = $1 AND status = 'DELIVERING' AND locked_by = $2"

	return repo.conditionalUpdate(ctx, "postgres.mark_outbox_failed", query,
		messageID, workerID, reason, nextAttemptAt, maxAttempts, time.Now().UTC())
}

// MarkDeadLettered parks a message permanently, conditional on lease ownership.
func (repo *Repository) MarkDeadLettered(ctx context.Context, messageID uuid.UUID, workerID string, reason string) error {
	query := "UPDATE " + messagesTable + " SET" +
		" attempts = attempts + 1, status = 'DEAD_LETTERED', next_attempt_at = NULL," +
		" last_error = $3, locked_by = NULL, lock_expires_at = NULL, updated_at = $4" +
		" WHERE id = $1 AND status = 'DELIVERING' AND locked_by = $2"

	return repo.conditionalUpdate(ctx, "postgres.mark_outbox_dead_lettered", query,
		messageID, workerID, reason, time.Now().UTC())
}

// ListDeadLettered returns parked messages, oldest first.
func (repo *Repository) ListDeadLettered(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_dead_lettered")
	defer span.End()

	resolver, err := repo.client.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + messageColumns + " FROM " + messagesTable +
		" WHERE status = 'DEAD_LETTERED' ORDER BY created_at ASC LIMIT $1"

	rows, err := resolver.QueryContext(ctx, query, limit)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to list dead-lettered messages", err)
		libLog.SafeError(logger, ctx, "failed to list dead-lettered messages", err, false)

		return nil, fmt.Errorf("listing dead-lettered messages: %w", err)
	}

	defer rows.Close()

	return collectMessages(rows, limit)
}

// Requeue returns a dead-lettered message to PENDING with a clean slate.
func (repo *Repository) Requeue(ctx context.Context, messageID uuid.UUID) error {
	query := "UPDATE " + messagesTable + " SET" +
		" status = 'PENDING', attempts = 0, next_attempt_at = NULL, last_error = NULL," +
		" locked_by = NULL, lock_expires_at = NULL, updated_at = $2" +
		" WHERE id = $1 AND status = 'DEAD_LETTERED'"

	return repo.conditionalUpdate(ctx, "postgres.requeue_outbox_message", query,
		messageID, time.Now().UTC())
}

// GetByID fetches one message regardless of status. The read goes to the
// primary because callers typically inspect a row they just mutated.
func (repo *Repository) GetByID(ctx context.Context, messageID uuid.UUID) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_outbox_message")
	defer span.End()

	db, err := repo.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + messageColumns + " FROM " + messagesTable + " WHERE id = $1"

	message, err := scanMessage(db.QueryRowContext(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrMessageNotFound
		}

		libOpentelemetry.HandleSpanError(&span, "failed to get outbox message", err)
		libLog.SafeError(logger, ctx, "failed to get outbox message", err, false)

		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	return message, nil
}

// conditionalUpdate runs a guarded single-row update and maps zero affected
// rows to ErrMessageNotFound. Lost leases and missing rows are deliberately
// indistinguishable to callers.
func (repo *Repository) conditionalUpdate(ctx context.Context, spanName, query string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	db, err := repo.client.Primary(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "outbox update failed", err)
		libLog.SafeError(logger, ctx, "outbox update failed", err, false)

		return fmt.Errorf("updating outbox message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting updated outbox rows: %w", err)
	}

	if affected == 0 {
		return outbox.ErrMessageNotFound
	}

	return nil
}

func collectMessages(rows *sql.Rows, capacity int) ([]*outbox.Message, error) {
	messages := make([]*outbox.Message, 0, capacity)

	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}

	return messages, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*outbox.Message, error) {
	var (
		message       outbox.Message
		status        string
		nextAttemptAt sql.NullTime
		lockedBy      sql.NullString
		lockExpiresAt sql.NullTime
		lastError     sql.NullString
		deliveredAt   sql.NullTime
	)

	if err := scanner.Scan(
		&message.ID,
		&message.AggregateKey,
		&message.MessageType,
		&message.Payload,
		&status,
		&message.Attempts,
		&nextAttemptAt,
		&lockedBy,
		&lockExpiresAt,
		&lastError,
		&message.CreatedAt,
		&message.UpdatedAt,
		&deliveredAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	message.Status = outbox.Status(status)

	if nextAttemptAt.Valid {
		value := nextAttemptAt.Time
		message.NextAttemptAt = &value
	}

	if lockedBy.Valid {
		message.LockedBy = lockedBy.String
	}

	if lockExpiresAt.Valid {
		value := lockExpiresAt.Time
		message.LockExpiresAt = &value
	}

	if lastError.Valid {
		message.LastError = lastError.String
	}

	if deliveredAt.Valid {
		value := deliveredAt.Time
		message.DeliveredAt = &value
	}

	return &message, nil
}
