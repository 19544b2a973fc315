//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	status, err := ParseStatus("PENDING")
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	_, err = ParseStatus("published")
	require.ErrorIs(t, err, ErrStatusInvalid)

	_, err = ParseStatus("")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := []struct {
		from Status
		to   Status
	}{
		{StatusPending, StatusDelivering},
		{StatusDelivering, StatusDelivered},
		{StatusDelivering, StatusFailed},
		{StatusDelivering, StatusDeadLettered},
		{StatusDelivering, StatusPending},
		{StatusFailed, StatusDelivering},
		{StatusFailed, StatusDeadLettered},
		{StatusDeadLettered, StatusPending},
	}

	for _, transition := range allowed {
		require.True(t, transition.from.CanTransitionTo(transition.to),
			"%s -> %s should be allowed", transition.from, transition.to)
	}

	denied := []struct {
		from Status
		to   Status
	}{
		{StatusPending, StatusDelivered},
		{StatusPending, StatusFailed},
		{StatusDelivered, StatusPending},
		{StatusDelivered, StatusDelivering},
		{StatusDeadLettered, StatusDelivering},
		{StatusFailed, StatusPending},
		{StatusFailed, StatusDelivered},
	}

	for _, transition := range denied {
		require.False(t, transition.from.CanTransitionTo(transition.to),
			"%s -> %s should be denied", transition.from, transition.to)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StatusDelivered.IsTerminal())
	require.True(t, StatusDeadLettered.IsTerminal())
	require.False(t, StatusPending.IsTerminal())
	require.False(t, StatusDelivering.IsTerminal())
	require.False(t, StatusFailed.IsTerminal())
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition("PENDING", "DELIVERING"))
	require.ErrorIs(t, ValidateTransition("DELIVERED", "PENDING"), ErrStatusTransitionInvalid)
	require.ErrorIs(t, ValidateTransition("bogus", "PENDING"), ErrStatusInvalid)
}
