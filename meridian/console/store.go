package console

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AuditSearch filters a server-scoped audit query. ServerID is mandatory;
// the remaining filters are optional. Pages are keyset-based on ExecutedAt
// descending: pass the last entry's ExecutedAt as Before to fetch the next
// page.
type AuditSearch struct {
	ServerID        uuid.UUID
	From            *time.Time
	To              *time.Time
	Allowed         *bool
	CommandContains string
	Before          *time.Time
	Limit           int
}

// AuditStore persists the command audit trail. Appends run on the caller's
// transaction; reads go to the replica resolver.
type AuditStore interface {
	AppendAudit(ctx context.Context, tx *sql.Tx, entry *AuditEntry) error
	SearchAudit(ctx context.Context, search AuditSearch) ([]*AuditEntry, error)
}

// HistoryStore persists console history lines. AppendHistory runs on the
// caller's transaction, alongside the sequence allocation that numbered the
// entry. RecentHistory returns the newest limit entries in ascending
// sequence order.
type HistoryStore interface {
	AppendHistory(ctx context.Context, tx *sql.Tx, entry *HistoryEntry) error
	RecentHistory(ctx context.Context, serverID uuid.UUID, limit int) ([]*HistoryEntry, error)
}
