package console

import "errors"

var (
	ErrEntryRequired         = errors.New("console entry is required")
	ErrServerIDRequired      = errors.New("server id is required")
	ErrOrganizationRequired  = errors.New("organization id is required")
	ErrUserIDRequired        = errors.New("user id is required")
	ErrCommandRequired       = errors.New("command is required")
	ErrCommandTooLong        = errors.New("command exceeds maximum length")
	ErrBlockReasonRequired   = errors.New("block reason is required for blocked commands")
	ErrResultStatusInvalid   = errors.New("invalid command result status")
	ErrContentRequired       = errors.New("content is required")
	ErrContentTooLong        = errors.New("content exceeds maximum length")
	ErrOutputTypeInvalid     = errors.New("invalid console output type")
	ErrSequenceRequired      = errors.New("sequence number is required")
	ErrClientIPHashMalformed = errors.New("client ip hash must be sha-256 hex")
)
