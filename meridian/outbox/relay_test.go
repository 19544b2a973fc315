//go:build unit

package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeRepository implements the lease protocol in memory so relay behavior
// can be tested without a database.
type fakeRepository struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*Message
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{messages: make(map[uuid.UUID]*Message)}
}

func (repo *fakeRepository) CreateWithTx(_ context.Context, _ *sql.Tx, message *Message) error {
	if message == nil {
		return ErrMessageRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	copied := *message
	repo.messages[message.ID] = &copied

	return nil
}

func (repo *fakeRepository) add(message *Message) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	copied := *message
	repo.messages[message.ID] = &copied
}

func (repo *fakeRepository) LeaseBatch(_ context.Context, workerID string, limit int, leaseFor time.Duration) ([]*Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	now := time.Now().UTC()

	ordered := make([]*Message, 0, len(repo.messages))
	for _, message := range repo.messages {
		ordered = append(ordered, message)
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].AggregateKey != ordered[j].AggregateKey {
			return ordered[i].AggregateKey < ordered[j].AggregateKey
		}

		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	// A key whose oldest undelivered row is not deliverable yields nothing:
	// successors must not overtake a backed-off or in-flight head.
	blocked := make(map[string]bool)
	eligible := make([]*Message, 0, len(ordered))

	for _, message := range ordered {
		if blocked[message.AggregateKey] {
			continue
		}

		switch message.Status {
		case StatusDelivered, StatusDeadLettered:
			continue
		case StatusPending:
			eligible = append(eligible, message)
		case StatusFailed:
			if message.NextAttemptAt != nil && !message.NextAttemptAt.After(now) {
				eligible = append(eligible, message)
			} else {
				blocked[message.AggregateKey] = true
			}
		case StatusDelivering:
			blocked[message.AggregateKey] = true
		}
	}

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	leased := make([]*Message, 0, len(eligible))
	expires := now.Add(leaseFor)

	for _, message := range eligible {
		message.Status = StatusDelivering
		message.LockedBy = workerID
		message.LockExpiresAt = &expires
		message.UpdatedAt = now

		copied := *message
		leased = append(leased, &copied)
	}

	return leased, nil
}

func (repo *fakeRepository) ReclaimExpired(_ context.Context, limit int) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	now := time.Now().UTC()
	reclaimed := 0

	for _, message := range repo.messages {
		if reclaimed >= limit {
			break
		}

		if message.Status == StatusDelivering && message.LockExpiresAt != nil && !message.LockExpiresAt.After(now) {
			message.Status = StatusPending
			message.LockedBy = ""
			message.LockExpiresAt = nil
			reclaimed++
		}
	}

	return reclaimed, nil
}

func (repo *fakeRepository) MarkDelivered(_ context.Context, messageID uuid.UUID, workerID string, deliveredAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[messageID]
	if !ok || message.Status != StatusDelivering || message.LockedBy != workerID {
		return ErrMessageNotFound
	}

	message.Status = StatusDelivered
	message.LockedBy = ""
	message.LockExpiresAt = nil
	message.DeliveredAt = &deliveredAt

	return nil
}

func (repo *fakeRepository) MarkFailed(_ context.Context, messageID uuid.UUID, workerID string, reason string, nextAttemptAt time.Time, maxAttempts int) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[messageID]
	if !ok || message.Status != StatusDelivering || message.LockedBy != workerID {
		return ErrMessageNotFound
	}

	message.Attempts++
	message.LockedBy = ""
	message.LockExpiresAt = nil
	message.LastError = reason

	if message.Attempts >= maxAttempts {
		message.Status = StatusDeadLettered
		message.NextAttemptAt = nil

		return nil
	}

	message.Status = StatusFailed
	message.NextAttemptAt = &nextAttemptAt

	return nil
}

func (repo *fakeRepository) MarkDeadLettered(_ context.Context, messageID uuid.UUID, workerID string, reason string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[messageID]
	if !ok || message.Status != StatusDelivering || message.LockedBy != workerID {
		return ErrMessageNotFound
	}

	message.Attempts++
	message.Status = StatusDeadLettered
	message.LockedBy = ""
	message.LockExpiresAt = nil
	message.NextAttemptAt = nil
	message.LastError = reason

	return nil
}

func (repo *fakeRepository) ListDeadLettered(_ context.Context, limit int) ([]*Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	result := make([]*Message, 0, limit)

	for _, message := range repo.messages {
		if message.Status != StatusDeadLettered {
			continue
		}

		copied := *message
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	if len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

func (repo *fakeRepository) Requeue(_ context.Context, messageID uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[messageID]
	if !ok || message.Status != StatusDeadLettered {
		return ErrMessageNotFound
	}

	message.Status = StatusPending
	message.Attempts = 0
	message.NextAttemptAt = nil
	message.LastError = ""

	return nil
}

func (repo *fakeRepository) GetByID(_ context.Context, messageID uuid.UUID) (*Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}

	copied := *message

	return &copied, nil
}

func (repo *fakeRepository) statusOf(t *testing.T, messageID uuid.UUID) Status {
	t.Helper()

	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[messageID]
	require.True(t, ok)

	return message.Status
}

// recordingPublisher captures publish order per aggregate key and can fail
// selected messages.
type recordingPublisher struct {
	mu       sync.Mutex
	byKey    map[string][]uuid.UUID
	failWith map[uuid.UUID]error
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{
		byKey:    make(map[string][]uuid.UUID),
		failWith: make(map[uuid.UUID]error),
	}
}

func (publisher *recordingPublisher) Publish(_ context.Context, envelope Envelope) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if err, ok := publisher.failWith[envelope.MessageID]; ok {
		return err
	}

	publisher.byKey[envelope.AggregateKey] = append(publisher.byKey[envelope.AggregateKey], envelope.MessageID)

	return nil
}

func (publisher *recordingPublisher) published(key string) []uuid.UUID {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	return append([]uuid.UUID(nil), publisher.byKey[key]...)
}

func (publisher *recordingPublisher) total() int {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	count := 0
	for _, ids := range publisher.byKey {
		count += len(ids)
	}

	return count
}

func newTestMessage(t *testing.T, key string, createdAt time.Time) *Message {
	t.Helper()

	message, err := NewMessage(context.Background(), key, "console.command.executed", []byte(`{"n":1}`))
	require.NoError(t, err)

	message.CreatedAt = createdAt
	message.UpdatedAt = createdAt

	return message
}

func TestNewRelayValidation(t *testing.T) {
	t.Parallel()

	publisher := newRecordingPublisher()

	_, err := NewRelay(nil, publisher, nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewRelay(newFakeRepository(), nil, nil, nil)
	require.ErrorIs(t, err, ErrPublisherRequired)

	relay, err := NewRelay(newFakeRepository(), publisher, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, relay.WorkerID())
}

func TestDeliverOncePublishesPerKeyInOrder(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	publisher := newRecordingPublisher()

	base := time.Now().UTC().Add(-time.Minute)

	alphaFirst := newTestMessage(t, "server-alpha", base)
	alphaSecond := newTestMessage(t, "server-alpha", base.Add(time.Second))
	alphaThird := newTestMessage(t, "server-alpha", base.Add(2*time.Second))
	betaFirst := newTestMessage(t, "server-beta", base.Add(time.Millisecond))

	for _, message := range []*Message{alphaThird, betaFirst, alphaFirst, alphaSecond} {
		repo.add(message)
	}

	relay, err := NewRelay(repo, publisher, nil, nil, WithPublishConcurrency(4))
	require.NoError(t, err)

	result := relay.DeliverOnce(context.Background())
	require.Equal(t, 4, result.Leased)
	require.Equal(t, 4, result.Delivered)
	require.Zero(t, result.Failed)

	require.Equal(t, []uuid.UUID{alphaFirst.ID, alphaSecond.ID, alphaThird.ID}, publisher.published("server-alpha"))
	require.Equal(t, []uuid.UUID{betaFirst.ID}, publisher.published("server-beta"))

	for _, message := range []*Message{alphaFirst, alphaSecond, alphaThird, betaFirst} {
		require.Equal(t, StatusDelivered, repo.statusOf(t, message.ID))
	}
}

func TestDeliverOnceTransientFailureStopsGroupNotSiblings(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	publisher := newRecordingPublisher()

	base := time.Now().UTC().Add(-time.Minute)

	alphaFirst := newTestMessage(t, "server-alpha", base)
	alphaSecond := newTestMessage(t, "server-alpha", base.Add(time.Second))
	betaFirst := newTestMessage(t, "server-beta", base)

	publisher.failWith[alphaFirst.ID] = errors.New("broker unavailable")

	for _, message := range []*Message{alphaFirst, alphaSecond, betaFirst} {
		repo.add(message)
	}

	relay, err := NewRelay(repo, publisher, nil, nil, WithMaxAttempts(5))
	require.NoError(t, err)

	result := relay.DeliverOnce(context.Background())
	require.Equal(t, 3, result.Leased)
	require.Equal(t, 1, result.Delivered)
	require.Equal(t, 1, result.Failed)

	// Head failed with a retry schedule; successor stays leased for the
	// watchdog so it cannot jump ahead of the head.
	require.Equal(t, StatusFailed, repo.statusOf(t, alphaFirst.ID))
	require.Equal(t, StatusDelivering, repo.statusOf(t, alphaSecond.ID))
	require.Equal(t, StatusDelivered, repo.statusOf(t, betaFirst.ID))
	require.Empty(t, publisher.published("server-alpha"))

	failedHead, err := repo.GetByID(context.Background(), alphaFirst.ID)
	require.NoError(t, err)
	require.Equal(t, 1, failedHead.Attempts)
	require.NotNil(t, failedHead.NextAttemptAt)
	require.NotEmpty(t, failedHead.LastError)
}

func TestBackedOffHeadHoldsReclaimedSuccessorUntilDue(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	publisher := newRecordingPublisher()

	base := time.Now().UTC().Add(-time.Minute)

	head := newTestMessage(t, "server-alpha", base)
	successor := newTestMessage(t, "server-alpha", base.Add(time.Second))

	publisher.failWith[head.ID] = errors.New("broker unavailable")

	repo.add(head)
	repo.add(successor)

	relay, err := NewRelay(repo, publisher, nil, nil,
		WithMaxAttempts(5),
		WithRetryBackoffBase(time.Hour),
		WithLeaseDuration(10*time.Millisecond),
	)
	require.NoError(t, err)

	first := relay.DeliverOnce(context.Background())
	require.Equal(t, 1, first.Failed)
	require.Equal(t, StatusFailed, repo.statusOf(t, head.ID))
	require.Equal(t, StatusDelivering, repo.statusOf(t, successor.ID))

	// Jitter draws the retry delay from [0, base); pin the schedule so the
	// head is deterministically not yet due.
	farOut := time.Now().UTC().Add(time.Hour)

	repo.mu.Lock()
	repo.messages[head.ID].NextAttemptAt = &farOut
	repo.mu.Unlock()

	// Let the successor's lease expire so the watchdog returns it to PENDING.
	time.Sleep(20 * time.Millisecond)

	// The head's retry is an hour out; the reclaimed successor must not be
	// leased, let alone published, ahead of it.
	second := relay.DeliverOnce(context.Background())
	require.Equal(t, 1, second.Reclaimed)
	require.Zero(t, second.Leased)
	require.Zero(t, second.Delivered)
	require.Equal(t, StatusPending, repo.statusOf(t, successor.ID))
	require.Empty(t, publisher.published("server-alpha"))

	publisher.mu.Lock()
	delete(publisher.failWith, head.ID)
	publisher.mu.Unlock()

	due := time.Now().UTC().Add(-time.Second)

	repo.mu.Lock()
	repo.messages[head.ID].NextAttemptAt = &due
	repo.mu.Unlock()

	// Once the head is due again the pair delivers in order.
	third := relay.DeliverOnce(context.Background())
	require.Equal(t, 2, third.Delivered)
	require.Equal(t, []uuid.UUID{head.ID, successor.ID}, publisher.published("server-alpha"))
}

func TestDeliverOncePermanentFailureDeadLettersAndContinues(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	publisher := newRecordingPublisher()

	base := time.Now().UTC().Add(-time.Minute)

	poison := newTestMessage(t, "server-alpha", base)
	successor := newTestMessage(t, "server-alpha", base.Add(time.Second))

	permanentErr := errors.New("no handler registered for message type")
	publisher.failWith[poison.ID] = permanentErr

	repo.add(poison)
	repo.add(successor)

	relay, err := NewRelay(repo, publisher, nil, nil,
		WithRetryClassifier(RetryClassifierFunc(func(err error) bool {
			return errors.Is(err, permanentErr)
		})),
	)
	require.NoError(t, err)

	result := relay.DeliverOnce(context.Background())
	require.Equal(t, 1, result.DeadLettered)
	require.Equal(t, 1, result.Delivered)

	require.Equal(t, StatusDeadLettered, repo.statusOf(t, poison.ID))
	require.Equal(t, StatusDelivered, repo.statusOf(t, successor.ID))
}

func TestDeliverOnceAttemptExhaustionDeadLetters(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	publisher := newRecordingPublisher()

	message := newTestMessage(t, "server-alpha", time.Now().UTC().Add(-time.Minute))
	publisher.failWith[message.ID] = errors.New("broker unavailable")
	repo.add(message)

	relay, err := NewRelay(repo, publisher, nil, nil, WithMaxAttempts(1))
	require.NoError(t, err)

	result := relay.DeliverOnce(context.Background())
	require.Equal(t, 1, result.Failed)
	require.Equal(t, StatusDeadLettered, repo.statusOf(t, message.ID))

	// Dead-lettered rows are excluded from subsequent leases.
	second := relay.DeliverOnce(context.Background())
	require.Zero(t, second.Leased)

	parked, err := repo.ListDeadLettered(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	require.Equal(t, message.ID, parked[0].ID)
}

func TestRequeueReturnsDeadLetteredToDelivery(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	publisher := newRecordingPublisher()

	message := newTestMessage(t, "server-alpha", time.Now().UTC().Add(-time.Minute))
	publisher.failWith[message.ID] = errors.New("broker unavailable")
	repo.add(message)

	relay, err := NewRelay(repo, publisher, nil, nil, WithMaxAttempts(1))
	require.NoError(t, err)

	relay.DeliverOnce(context.Background())
	require.Equal(t, StatusDeadLettered, repo.statusOf(t, message.ID))

	require.NoError(t, repo.Requeue(context.Background(), message.ID))

	publisher.mu.Lock()
	delete(publisher.failWith, message.ID)
	publisher.mu.Unlock()

	result := relay.DeliverOnce(context.Background())
	require.Equal(t, 1, result.Delivered)
	require.Equal(t, StatusDelivered, repo.statusOf(t, message.ID))
}

func TestReclaimExpiredLeaseMakesMessageDeliverableAgain(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	publisher := newRecordingPublisher()

	message := newTestMessage(t, "server-alpha", time.Now().UTC().Add(-time.Minute))
	message.Status = StatusDelivering
	message.LockedBy = "dead-worker/1234"
	expired := time.Now().UTC().Add(-time.Second)
	message.LockExpiresAt = &expired
	repo.add(message)

	relay, err := NewRelay(repo, publisher, nil, nil)
	require.NoError(t, err)

	result := relay.DeliverOnce(context.Background())
	require.Equal(t, 1, result.Reclaimed)
	require.Equal(t, 1, result.Delivered)
	require.Equal(t, StatusDelivered, repo.statusOf(t, message.ID))
}

func TestConcurrentRelaysDeliverEachMessageOnce(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	publisher := newRecordingPublisher()

	base := time.Now().UTC().Add(-time.Minute)

	const total = 40

	for i := 0; i < total; i++ {
		key := "server-alpha"
		if i%2 == 0 {
			key = "server-beta"
		}

		repo.add(newTestMessage(t, key, base.Add(time.Duration(i)*time.Millisecond)))
	}

	relayA, err := NewRelay(repo, publisher, nil, nil, WithBatchSize(total))
	require.NoError(t, err)

	relayB, err := NewRelay(repo, publisher, nil, nil, WithBatchSize(total))
	require.NoError(t, err)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		relayA.DeliverOnce(context.Background())
	}()
	go func() {
		defer wg.Done()

		relayB.DeliverOnce(context.Background())
	}()

	wg.Wait()

	// Leasing is the only coordination; each message must be published
	// exactly once across both workers.
	require.Equal(t, total, publisher.total())
}

func TestGroupByAggregateKeyPreservesOrder(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC()

	first := newTestMessage(t, "a", base)
	second := newTestMessage(t, "a", base.Add(time.Second))
	other := newTestMessage(t, "b", base)

	groups := groupByAggregateKey([]*Message{first, other, second, nil})
	require.Len(t, groups, 2)
	require.Equal(t, "a", groups[0].key)
	require.Equal(t, []*Message{first, second}, groups[0].messages)
	require.Equal(t, []*Message{other}, groups[1].messages)
}

func TestEnqueuerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEnqueuer(nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	enqueuer, err := NewEnqueuer(newFakeRepository())
	require.NoError(t, err)

	_, err = enqueuer.Enqueue(context.Background(), nil, "server-1", "console.command.executed", []byte(`{}`))
	require.ErrorIs(t, err, ErrTransactionRequired)
}

func TestEnqueuerInsertsPendingMessage(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()

	enqueuer, err := NewEnqueuer(repo)
	require.NoError(t, err)

	message, err := enqueuer.Enqueue(context.Background(), new(sql.Tx), "server-1", "console.command.executed", []byte(`{"ok":true}`))
	require.NoError(t, err)

	stored, err := repo.GetByID(context.Background(), message.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, "server-1", stored.AggregateKey)
}
