package outbox

import "fmt"

// Status represents a valid outbox message lifecycle state.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusDelivering   Status = "DELIVERING"
	StatusDelivered    Status = "DELIVERED"
	StatusFailed       Status = "FAILED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the message lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusDelivering, StatusDelivered, StatusFailed, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a message in this status is never leased again
// without operator intervention.
func (status Status) IsTerminal() bool {
	return status == StatusDelivered || status == StatusDeadLettered
}

// CanTransitionTo reports whether a transition from status to next is allowed.
//
// PENDING -> DELIVERING is the lease claim. DELIVERING -> PENDING is the
// watchdog reclaim of an expired lease. FAILED -> DELIVERING is a retry
// claim once the backoff elapses. DEAD_LETTERED -> PENDING is an explicit
// operator requeue; DELIVERED is final.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusDelivering
	case StatusDelivering:
		return next == StatusPending || next == StatusDelivered ||
			next == StatusFailed || next == StatusDeadLettered
	case StatusFailed:
		return next == StatusDelivering || next == StatusDeadLettered
	case StatusDeadLettered:
		return next == StatusPending
	case StatusDelivered:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
