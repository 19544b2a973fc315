package console

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/assert"
)

// MaxCommandLength bounds the audited command text.
const MaxCommandLength = 2000

const clientIPHashHexLength = sha256.Size * 2

// ResultStatus is the terminal outcome of an audited console command.
type ResultStatus string

const (
	ResultExecuted ResultStatus = "EXECUTED"
	ResultBlocked  ResultStatus = "BLOCKED"
	ResultFailed   ResultStatus = "FAILED"
	ResultTimedOut ResultStatus = "TIMED_OUT"
)

// IsValid reports whether the status is a known command outcome.
func (status ResultStatus) IsValid() bool {
	switch status {
	case ResultExecuted, ResultBlocked, ResultFailed, ResultTimedOut:
		return true
	default:
		return false
	}
}

func (status ResultStatus) String() string {
	return string(status)
}

// AuditEntry is one line of the console command audit trail. It is immutable
// once created: the store exposes no update or hard-delete path, and
// "deleting" a server only soft-marks the umbrella server record.
type AuditEntry struct {
	ID             uuid.UUID
	ServerID       uuid.UUID
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	Command        string
	Allowed        bool
	BlockReason    string
	ResultStatus   ResultStatus
	ClientIPHash   string
	ConnectionID   string
	ExecutedAt     time.Time
}

// NewAuditEntry creates a valid audit entry. Validation runs here, before
// any persistence is attempted: a blocked command without a reason, an
// over-length command, or a raw (non-hashed) client address never reaches
// the store.
func NewAuditEntry(
	ctx context.Context,
	serverID, organizationID, userID uuid.UUID,
	command string,
	allowed bool,
	blockReason string,
	resultStatus ResultStatus,
	clientIPHash, connectionID string,
) (*AuditEntry, error) {
	asserter := assert.New(ctx, nil, "console", "console.new_audit_entry")

	if err := asserter.That(ctx, serverID != uuid.Nil, "server id is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServerIDRequired, err)
	}

	if err := asserter.That(ctx, organizationID != uuid.Nil, "organization id is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOrganizationRequired, err)
	}

	if err := asserter.That(ctx, userID != uuid.Nil, "user id is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserIDRequired, err)
	}

	command = strings.TrimRight(command, "\r\n")

	if err := asserter.NotEmpty(ctx, strings.TrimSpace(command), "command is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommandRequired, err)
	}

	if err := asserter.That(ctx, utf8.RuneCountInString(command) <= MaxCommandLength, "command exceeds max length"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommandTooLong, err)
	}

	blockReason = strings.TrimSpace(blockReason)

	if !allowed {
		if err := asserter.NotEmpty(ctx, blockReason, "block reason is required when command is blocked"); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBlockReasonRequired, err)
		}
	}

	if err := asserter.That(ctx, resultStatus.IsValid(), "result status must be valid"); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrResultStatusInvalid, resultStatus)
	}

	if err := asserter.That(ctx, isSHA256Hex(clientIPHash), "client ip hash must be sha-256 hex"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientIPHashMalformed, err)
	}

	return &AuditEntry{
		ID:             uuid.New(),
		ServerID:       serverID,
		OrganizationID: organizationID,
		UserID:         userID,
		Command:        command,
		Allowed:        allowed,
		BlockReason:    blockReason,
		ResultStatus:   resultStatus,
		ClientIPHash:   strings.ToLower(clientIPHash),
		ConnectionID:   strings.TrimSpace(connectionID),
		ExecutedAt:     time.Now().UTC(),
	}, nil
}

// HashClientIP returns the canonical SHA-256 hex digest stored instead of
// the raw client address.
func HashClientIP(clientIP string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(clientIP)))

	return hex.EncodeToString(sum[:])
}

func isSHA256Hex(value string) bool {
	if len(value) != clientIPHashHexLength {
		return false
	}

	_, err := hex.DecodeString(value)

	return err == nil
}
