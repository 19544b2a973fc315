//go:build unit

package query

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/console"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/directory"
)

// fakeStores serves canned history/audit data and records the limits it was
// asked for.
type fakeStores struct {
	history       []*console.HistoryEntry
	audit         []*console.AuditEntry
	lastLimit     int
	lastSearch    console.AuditSearch
	searchInvoked bool
}

func (fake *fakeStores) AppendAudit(context.Context, *sql.Tx, *console.AuditEntry) error {
	return nil
}

func (fake *fakeStores) SearchAudit(_ context.Context, search console.AuditSearch) ([]*console.AuditEntry, error) {
	fake.searchInvoked = true
	fake.lastSearch = search

	return fake.audit, nil
}

func (fake *fakeStores) AppendHistory(context.Context, *sql.Tx, *console.HistoryEntry) error {
	return nil
}

func (fake *fakeStores) RecentHistory(_ context.Context, _ uuid.UUID, limit int) ([]*console.HistoryEntry, error) {
	fake.lastLimit = limit

	if len(fake.history) <= limit {
		return fake.history, nil
	}

	// Newest limit entries, still ascending.
	return fake.history[len(fake.history)-limit:], nil
}

type fixture struct {
	service  *Service
	stores   *fakeStores
	identity Identity
	serverID uuid.UUID
}

func newFixture(t *testing.T, historyCount int) *fixture {
	t.Helper()

	organizationID := uuid.New()
	arena := directory.NewArena()

	server, err := directory.NewServer(organizationID, "survival-main")
	require.NoError(t, err)
	arena.PutServer(server)

	stores := &fakeStores{}
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < historyCount; i++ {
		entry, err := console.NewHistoryEntry(
			context.Background(),
			server.ID,
			organizationID,
			uuid.Nil,
			uint64(i+1),
			"line",
			console.OutputStdout,
		)
		require.NoError(t, err)

		entry.Timestamp = base.Add(time.Duration(i) * time.Second)
		stores.history = append(stores.history, entry)
	}

	service, err := NewService(arena, stores, stores)
	require.NoError(t, err)

	return &fixture{
		service:  service,
		stores:   stores,
		identity: Identity{OrganizationID: organizationID},
		serverID: server.ID,
	}
}

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	arena := directory.NewArena()
	stores := &fakeStores{}

	_, err := NewService(nil, stores, stores)
	require.ErrorIs(t, err, ErrResolverRequired)

	_, err = NewService(arena, nil, stores)
	require.ErrorIs(t, err, ErrAuditStoreRequired)

	_, err = NewService(arena, stores, nil)
	require.ErrorIs(t, err, ErrHistoryStoreRequired)
}

func TestGetHistoryReturnsAllWhenFewerThanRequested(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 30)

	page, err := fx.service.GetHistory(context.Background(), fx.identity, fx.serverID, 50)
	require.NoError(t, err)
	require.Len(t, page.Entries, 30)
	require.False(t, page.HasMore)
	require.NotNil(t, page.LastTimestamp)
	require.Equal(t, fx.stores.history[29].Timestamp, *page.LastTimestamp)
}

func TestGetHistoryReportsHasMore(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 80)

	page, err := fx.service.GetHistory(context.Background(), fx.identity, fx.serverID, 50)
	require.NoError(t, err)
	require.Len(t, page.Entries, 50)
	require.True(t, page.HasMore)

	// Ascending, strictly increasing sequence numbers, no duplicates.
	var prev uint64

	for _, entry := range page.Entries {
		require.Greater(t, entry.SequenceNumber, prev)
		prev = entry.SequenceNumber
	}

	// The newest 50 of 80.
	require.Equal(t, uint64(31), page.Entries[0].SequenceNumber)
	require.Equal(t, uint64(80), page.Entries[49].SequenceNumber)
}

func TestGetHistoryClampsLineCount(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 5)

	// Over the cap: treated as MaxHistoryLines, fetched with one extra.
	_, err := fx.service.GetHistory(context.Background(), fx.identity, fx.serverID, 2000)
	require.NoError(t, err)
	require.Equal(t, MaxHistoryLines+1, fx.stores.lastLimit)

	// Under the floor: treated as MinHistoryLines.
	page, err := fx.service.GetHistory(context.Background(), fx.identity, fx.serverID, -3)
	require.NoError(t, err)
	require.Equal(t, MinHistoryLines+1, fx.stores.lastLimit)
	require.Len(t, page.Entries, 1)
	require.True(t, page.HasMore)
}

func TestGetHistoryEmptyServer(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)

	page, err := fx.service.GetHistory(context.Background(), fx.identity, fx.serverID, 50)
	require.NoError(t, err)
	require.Empty(t, page.Entries)
	require.False(t, page.HasMore)
	require.Nil(t, page.LastTimestamp)
}

func TestGetHistoryRejectsCrossTenantRead(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 10)

	intruder := Identity{OrganizationID: uuid.New()}

	_, err := fx.service.GetHistory(context.Background(), intruder, fx.serverID, 50)
	require.ErrorIs(t, err, ErrNotAuthorized)

	// The store is never consulted on a rejected read.
	require.Zero(t, fx.stores.lastLimit)
}

func TestGetHistoryValidatesInput(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 10)

	_, err := fx.service.GetHistory(context.Background(), Identity{}, fx.serverID, 50)
	require.ErrorIs(t, err, ErrIdentityRequired)

	_, err = fx.service.GetHistory(context.Background(), fx.identity, uuid.Nil, 50)
	require.ErrorIs(t, err, ErrServerIDRequired)
}

func TestSearchAuditForwardsServerScopedSearch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)

	allowed := false
	search := console.AuditSearch{
		ServerID:        fx.serverID,
		Allowed:         &allowed,
		CommandContains: "ban",
		Limit:           25,
	}

	_, err := fx.service.SearchAudit(context.Background(), fx.identity, search)
	require.NoError(t, err)
	require.True(t, fx.stores.searchInvoked)
	require.Equal(t, search, fx.stores.lastSearch)
}

func TestSearchAuditRejectsCrossTenantRead(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)

	_, err := fx.service.SearchAudit(context.Background(), Identity{OrganizationID: uuid.New()},
		console.AuditSearch{ServerID: fx.serverID})
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.False(t, fx.stores.searchInvoked)
}
