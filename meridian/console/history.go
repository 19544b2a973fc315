package console

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/assert"
)

// MaxContentLength bounds one console line. Game servers occasionally dump
// stack traces as a single line; anything larger is split by the capture
// layer before it gets here.
const MaxContentLength = 8192

// OutputType classifies a console history line.
type OutputType string

const (
	OutputStdout OutputType = "STDOUT"
	OutputStderr OutputType = "STDERR"
	OutputInput  OutputType = "INPUT"
	OutputSystem OutputType = "SYSTEM"
)

// IsValid reports whether the output type is known.
func (outputType OutputType) IsValid() bool {
	switch outputType {
	case OutputStdout, OutputStderr, OutputInput, OutputSystem:
		return true
	default:
		return false
	}
}

func (outputType OutputType) String() string {
	return string(outputType)
}

// HistoryEntry is one captured console line. SequenceNumber is unique and
// strictly increasing per server; readers order by it, never by Timestamp,
// since wall clocks across capture nodes drift.
type HistoryEntry struct {
	ID             uuid.UUID
	ServerID       uuid.UUID
	OrganizationID uuid.UUID
	SessionID      uuid.UUID
	SequenceNumber uint64
	Content        string
	OutputType     OutputType
	Timestamp      time.Time
}

// NewHistoryEntry creates a valid history entry with the given sequence
// number. The number must come from the sequence allocator inside the same
// transaction that persists the entry.
func NewHistoryEntry(
	ctx context.Context,
	serverID, organizationID, sessionID uuid.UUID,
	sequenceNumber uint64,
	content string,
	outputType OutputType,
) (*HistoryEntry, error) {
	asserter := assert.New(ctx, nil, "console", "console.new_history_entry")

	if err := asserter.That(ctx, serverID != uuid.Nil, "server id is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServerIDRequired, err)
	}

	if err := asserter.That(ctx, organizationID != uuid.Nil, "organization id is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOrganizationRequired, err)
	}

	if err := asserter.That(ctx, sequenceNumber > 0, "sequence number is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSequenceRequired, err)
	}

	if err := asserter.That(ctx, content != "", "content is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContentRequired, err)
	}

	if err := asserter.That(ctx, utf8.RuneCountInString(content) <= MaxContentLength, "content exceeds max length"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContentTooLong, err)
	}

	if err := asserter.That(ctx, outputType.IsValid(), "output type must be valid"); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrOutputTypeInvalid, outputType)
	}

	return &HistoryEntry{
		ID:             uuid.New(),
		ServerID:       serverID,
		OrganizationID: organizationID,
		SessionID:      sessionID,
		SequenceNumber: sequenceNumber,
		Content:        content,
		OutputType:     outputType,
		Timestamp:      time.Now().UTC(),
	}, nil
}
