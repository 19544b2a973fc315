// Package postgres persists console audit and history entries. Appends run
// on the caller's transaction; reads run against the replica resolver and
// lean on the (server, executed_at) and (server, sequence_number) composite
// indexes so server-scoped queries never scan the full table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	meridian "github.com/SandboxServers/MeridianConsole-sub018/meridian"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/console"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	libLog "github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
	libOpentelemetry "github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry"
	libPostgres "github.com/SandboxServers/MeridianConsole-sub018/meridian/postgres"
)

const (
	auditTable   = "console_audit_entries"
	historyTable = "console_history_entries"

	auditColumns = "id, server_id, organization_id, user_id, command, allowed, " +
		"block_reason, result_status, client_ip_hash, connection_id, executed_at"
	historyColumns = "id, server_id, organization_id, session_id, sequence_number, " +
		"content, output_type, recorded_at"

	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

var (
	ErrClientRequired      = errors.New("postgres client is required")
	ErrTransactionRequired = errors.New("postgres transaction is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
	ErrServerIDRequired    = errors.New("server id is required")
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

// Repository implements console.AuditStore and console.HistoryStore on
// PostgreSQL.
type Repository struct {
	client *libPostgres.Client
	logger libLog.Logger
}

var (
	_ console.AuditStore   = (*Repository)(nil)
	_ console.HistoryStore = (*Repository)(nil)
)

// NewRepository creates a console repository.
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

// AppendAudit inserts an audit entry using the caller's transaction. The
// entry is never updated afterwards; there is deliberately no UPDATE or
// DELETE statement in this package for audit rows.
func (repo *Repository) AppendAudit(ctx context.Context, tx *sql.Tx, entry *console.AuditEntry) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return ErrTransactionRequired
	}

	if entry == nil {
		return console.ErrEntryRequired
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.append_audit_entry")
	defer span.End()

	query := "INSERT INTO " + auditTable + " (" + auditColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

	_, err := tx.ExecContext(ctx, query,
		entry.ID,
		entry.ServerID,
		entry.OrganizationID,
		entry.UserID,
		entry.Command,
		entry.Allowed,
		nullableString(entry.BlockReason),
		entry.ResultStatus.String(),
		entry.ClientIPHash,
		nullableString(entry.ConnectionID),
		entry.ExecutedAt,
	)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to append audit entry", err)
		libLog.SafeError(logger, ctx, "failed to append audit entry", err, false)

		return fmt.Errorf("appending audit entry: %w", err)
	}

	return nil
}

// AppendHistory inserts a history entry using the caller's transaction.
// A unique index on (server_id, sequence_number) backs the never-reused
// sequence invariant; a violation here means the sequence allocator was
// bypassed and surfaces as a constraint error for the caller to retry.
func (repo *Repository) AppendHistory(ctx context.Context, tx *sql.Tx, entry *console.HistoryEntry) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return ErrTransactionRequired
	}

	if entry == nil {
		return console.ErrEntryRequired
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.append_history_entry")
	defer span.End()

	query := "INSERT INTO " + historyTable + " (" + historyColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

	_, err := tx.ExecContext(ctx, query,
		entry.ID,
		entry.ServerID,
		entry.OrganizationID,
		nullableUUID(entry.SessionID),
		entry.SequenceNumber,
		entry.Content,
		entry.OutputType.String(),
		entry.Timestamp,
	)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to append history entry", err)
		libLog.SafeError(logger, ctx, "failed to append history entry", err, false)

		return fmt.Errorf("appending history entry: %w", err)
	}

	return nil
}

// RecentHistory returns the newest limit entries for a server in ascending
// sequence order. The query walks the (server_id, sequence_number) index
// backwards and the result is reversed in memory.
func (repo *Repository) RecentHistory(ctx context.Context, serverID uuid.UUID, limit int) ([]*console.HistoryEntry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if serverID == uuid.Nil {
		return nil, ErrServerIDRequired
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.recent_history")
	defer span.End()

	resolver, err := repo.client.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + historyColumns + " FROM " + historyTable +
		" WHERE server_id = $1 ORDER BY sequence_number DESC LIMIT $2"

	rows, err := resolver.QueryContext(ctx, query, serverID, limit)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to query recent history", err)
		libLog.SafeError(logger, ctx, "failed to query recent history", err, false)

		return nil, fmt.Errorf("querying recent history: %w", err)
	}

	defer rows.Close()

	entries := make([]*console.HistoryEntry, 0, limit)

	for rows.Next() {
		entry, scanErr := scanHistoryEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	reverseHistory(entries)

	return entries, nil
}

// SearchAudit returns audit entries matching the search, newest first.
func (repo *Repository) SearchAudit(ctx context.Context, search console.AuditSearch) ([]*console.AuditEntry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if search.ServerID == uuid.Nil {
		return nil, ErrServerIDRequired
	}

	limit := search.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	logger, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.search_audit")
	defer span.End()

	resolver, err := repo.client.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	query, args := buildAuditSearchQuery(search, limit)

	rows, err := resolver.QueryContext(ctx, query, args...)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to search audit entries", err)
		libLog.SafeError(logger, ctx, "failed to search audit entries", err, false)

		return nil, fmt.Errorf("searching audit entries: %w", err)
	}

	defer rows.Close()

	entries := make([]*console.AuditEntry, 0, limit)

	for rows.Next() {
		entry, scanErr := scanAuditEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}

	return entries, nil
}

// buildAuditSearchQuery assembles the filtered query. The WHERE clause
// always leads with server_id so the planner stays on the composite
// (server_id, executed_at) index.
func buildAuditSearchQuery(search console.AuditSearch, limit int) (string, []any) {
	var builder strings.Builder

	builder.WriteString("SELECT " + auditColumns + " FROM " + auditTable + " WHERE server_id = $1")

	args := []any{search.ServerID}

	appendFilter := func(clause string, value any) {
		args = append(args, value)
		fmt.Fprintf(&builder, " AND "+clause, len(args))
	}

	if search.From != nil {
		appendFilter("executed_at >= $%d", *search.From)
	}

	if search.To != nil {
		appendFilter("executed_at < $%d", *search.To)
	}

	if search.Allowed != nil {
		appendFilter("allowed = $%d", *search.Allowed)
	}

	if trimmed := strings.TrimSpace(search.CommandContains); trimmed != "" {
		appendFilter("command ILIKE $%d", "%"+escapeLike(trimmed)+"%")
	}

	if search.Before != nil {
		appendFilter("executed_at < $%d", *search.Before)
	}

	args = append(args, limit)
	fmt.Fprintf(&builder, " ORDER BY executed_at DESC, id DESC LIMIT $%d", len(args))

	return builder.String(), args
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

	return replacer.Replace(value)
}

func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (*console.AuditEntry, error) {
	var (
		entry        console.AuditEntry
		blockReason  sql.NullString
		connectionID sql.NullString
		resultStatus string
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.ServerID,
		&entry.OrganizationID,
		&entry.UserID,
		&entry.Command,
		&entry.Allowed,
		&blockReason,
		&resultStatus,
		&entry.ClientIPHash,
		&connectionID,
		&entry.ExecutedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}

	entry.ResultStatus = console.ResultStatus(resultStatus)

	if blockReason.Valid {
		entry.BlockReason = blockReason.String
	}

	if connectionID.Valid {
		entry.ConnectionID = connectionID.String
	}

	return &entry, nil
}

func scanHistoryEntry(scanner interface{ Scan(dest ...any) error }) (*console.HistoryEntry, error) {
	var (
		entry      console.HistoryEntry
		sessionID  uuid.NullUUID
		outputType string
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.ServerID,
		&entry.OrganizationID,
		&sessionID,
		&entry.SequenceNumber,
		&entry.Content,
		&outputType,
		&entry.Timestamp,
	); err != nil {
		return nil, fmt.Errorf("scanning history entry: %w", err)
	}

	entry.OutputType = console.OutputType(outputType)

	if sessionID.Valid {
		entry.SessionID = sessionID.UUID
	}

	return &entry, nil
}

func reverseHistory(entries []*console.HistoryEntry) {
	for left, right := 0, len(entries)-1; left < right; left, right = left+1, right-1 {
		entries[left], entries[right] = entries[right], entries[left]
	}
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}

	return value
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}

	return id
}
