// Package query is the stateless read path over the console audit and
// history stores. Tenant scoping is structural: every call carries an
// Identity, the target server is resolved through the directory, and an
// organization mismatch is rejected before any store query runs.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	meridian "github.com/SandboxServers/MeridianConsole-sub018/meridian"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/console"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/directory"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/internal/nilcheck"
	libLog "github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
	libOpentelemetry "github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry"
)

const (
	// MinHistoryLines and MaxHistoryLines bound GetHistory's line count.
	// Out-of-range requests are clamped, never rejected.
	MinHistoryLines = 1
	MaxHistoryLines = 1000
)

var (
	ErrNotAuthorized        = errors.New("organization does not own this server")
	ErrIdentityRequired     = errors.New("caller identity is required")
	ErrServerIDRequired     = errors.New("server id is required")
	ErrResolverRequired     = errors.New("directory resolver is required")
	ErrAuditStoreRequired   = errors.New("audit store is required")
	ErrHistoryStoreRequired = errors.New("history store is required")
)

// Identity is the tenant on whose behalf a read runs.
type Identity struct {
	OrganizationID uuid.UUID
}

// HistoryPage is one window of console history, oldest entry first.
type HistoryPage struct {
	Entries       []*console.HistoryEntry
	HasMore       bool
	LastTimestamp *time.Time
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger libLog.Logger) Option {
	return func(service *Service) {
		if nilcheck.Interface(logger) {
			return
		}

		service.logger = logger
	}
}

// Service serves tenant-scoped reads. It never mutates anything.
type Service struct {
	resolver directory.Resolver
	audit    console.AuditStore
	history  console.HistoryStore
	logger   libLog.Logger
}

// NewService creates a query service.
func NewService(
	resolver directory.Resolver,
	audit console.AuditStore,
	history console.HistoryStore,
	opts ...Option,
) (*Service, error) {
	if nilcheck.Interface(resolver) {
		return nil, ErrResolverRequired
	}

	if nilcheck.Interface(audit) {
		return nil, ErrAuditStoreRequired
	}

	if nilcheck.Interface(history) {
		return nil, ErrHistoryStoreRequired
	}

	service := &Service{
		resolver: resolver,
		audit:    audit,
		history:  history,
		logger:   libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}

	return service, nil
}

// GetHistory returns the newest lineCount history entries for a server in
// ascending order. lineCount is clamped to [MinHistoryLines,
// MaxHistoryLines]. HasMore reports whether older entries exist beyond the
// returned window.
func (service *Service) GetHistory(
	ctx context.Context,
	identity Identity,
	serverID uuid.UUID,
	lineCount int,
) (*HistoryPage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	_, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "query.get_history")
	defer span.End()

	if err := service.authorize(ctx, identity, serverID); err != nil {
		libOpentelemetry.HandleSpanError(&span, "history read rejected", err)

		return nil, err
	}

	lineCount = clampLineCount(lineCount)

	// One extra entry decides HasMore without a second count query.
	entries, err := service.history.RecentHistory(ctx, serverID, lineCount+1)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to read history", err)

		return nil, fmt.Errorf("reading history: %w", err)
	}

	page := &HistoryPage{Entries: entries}

	if len(entries) > lineCount {
		// Entries are ascending; the extra one is the oldest.
		page.Entries = entries[1:]
		page.HasMore = true
	}

	if count := len(page.Entries); count > 0 {
		last := page.Entries[count-1].Timestamp
		page.LastTimestamp = &last
	}

	return page, nil
}

// SearchAudit returns audit entries matching the search, newest first. The
// search's ServerID must belong to the caller's organization.
func (service *Service) SearchAudit(
	ctx context.Context,
	identity Identity,
	search console.AuditSearch,
) ([]*console.AuditEntry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	_, tracer, _, _ := meridian.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "query.search_audit")
	defer span.End()

	if err := service.authorize(ctx, identity, search.ServerID); err != nil {
		libOpentelemetry.HandleSpanError(&span, "audit search rejected", err)

		return nil, err
	}

	entries, err := service.audit.SearchAudit(ctx, search)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to search audit", err)

		return nil, fmt.Errorf("searching audit: %w", err)
	}

	return entries, nil
}

// authorize resolves the server and matches its owning organization against
// the caller. The lookup includes soft-deleted servers: the audit trail of a
// deleted server stays readable by its owner.
func (service *Service) authorize(ctx context.Context, identity Identity, serverID uuid.UUID) error {
	if identity.OrganizationID == uuid.Nil {
		return ErrIdentityRequired
	}

	if serverID == uuid.Nil {
		return ErrServerIDRequired
	}

	server, err := service.resolver.ResolveServer(ctx, serverID, directory.IncludeDeleted)
	if err != nil {
		return fmt.Errorf("resolving server: %w", err)
	}

	if server.OrganizationID != identity.OrganizationID {
		service.logger.Log(ctx, libLog.LevelWarn, "cross-tenant read rejected",
			libLog.String("server_id", serverID.String()),
		)

		return ErrNotAuthorized
	}

	return nil
}

func clampLineCount(lineCount int) int {
	if lineCount < MinHistoryLines {
		return MinHistoryLines
	}

	if lineCount > MaxHistoryLines {
		return MaxHistoryLines
	}

	return lineCount
}
