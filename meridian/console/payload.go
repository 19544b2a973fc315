package console

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandAuditedPayload is the outbox payload enqueued next to an audit
// entry. Field names are part of the cross-service contract; do not rename.
type CommandAuditedPayload struct {
	AuditEntryID uuid.UUID    `json:"audit_entry_id"`
	ServerID     uuid.UUID    `json:"server_id"`
	UserID       uuid.UUID    `json:"user_id"`
	Allowed      bool         `json:"allowed"`
	ResultStatus ResultStatus `json:"result_status"`
	ExecutedAt   time.Time    `json:"executed_at"`
}

// NewCommandAuditedPayload builds the payload for an audit entry.
func NewCommandAuditedPayload(entry *AuditEntry) (*CommandAuditedPayload, error) {
	if entry == nil {
		return nil, ErrEntryRequired
	}

	return &CommandAuditedPayload{
		AuditEntryID: entry.ID,
		ServerID:     entry.ServerID,
		UserID:       entry.UserID,
		Allowed:      entry.Allowed,
		ResultStatus: entry.ResultStatus,
		ExecutedAt:   entry.ExecutedAt,
	}, nil
}

// ModDownloadRecordedPayload signals a workshop mod download was tallied for
// a server. The download row itself is written by the mods service; only the
// identifiers travel on the wire.
type ModDownloadRecordedPayload struct {
	ServerID     uuid.UUID `json:"server_id"`
	ModID        uuid.UUID `json:"mod_id"`
	Version      string    `json:"version"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// EncodePayload marshals a payload for the outbox. All payloads are JSON;
// the outbox validates size and well-formedness again at enqueue time.
func EncodePayload(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	return raw, nil
}
