package directory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Resolver resolves a server to its owning organization. The query service
// depends on this interface for tenant scoping; the Arena is the in-process
// implementation.
type Resolver interface {
	ResolveServer(ctx context.Context, serverID uuid.UUID, visibility Visibility) (*Server, error)
}

// Arena is a mutex-guarded in-memory entity store addressed by ID.
// Relationships are resolved by lookup, never by embedded pointers, so the
// organization/user/membership graph stays acyclic and snapshot reads return
// copies the caller can hold freely.
type Arena struct {
	mu            sync.RWMutex
	organizations map[uuid.UUID]Organization
	servers       map[uuid.UUID]Server
	users         map[uuid.UUID]User
	memberships   []Membership
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{
		organizations: make(map[uuid.UUID]Organization),
		servers:       make(map[uuid.UUID]Server),
		users:         make(map[uuid.UUID]User),
	}
}

// PutOrganization stores or replaces an organization.
func (a *Arena) PutOrganization(org *Organization) {
	if org == nil || org.ID == uuid.Nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.organizations[org.ID] = *org
}

// Organization returns a copy of the organization under the given policy.
func (a *Arena) Organization(id uuid.UUID, visibility Visibility) (*Organization, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	org, ok := a.organizations[id]
	if !ok || !visibility.Allows(org.DeletedAt) {
		return nil, ErrOrganizationNotFound
	}

	return &org, nil
}

// PutServer stores or replaces a server.
func (a *Arena) PutServer(server *Server) {
	if server == nil || server.ID == uuid.Nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.servers[server.ID] = *server
}

// Server returns a copy of the server under the given policy.
func (a *Arena) Server(id uuid.UUID, visibility Visibility) (*Server, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	server, ok := a.servers[id]
	if !ok || !visibility.Allows(server.DeletedAt) {
		return nil, ErrServerNotFound
	}

	return &server, nil
}

// MarkServerDeleted sets the soft-delete marker on the umbrella server
// record. Console log lines referencing the server are untouched.
func (a *Arena) MarkServerDeleted(id uuid.UUID, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	server, ok := a.servers[id]
	if !ok {
		return ErrServerNotFound
	}

	deletedAt := at.UTC()
	server.DeletedAt = &deletedAt
	a.servers[id] = server

	return nil
}

// PutUser stores or replaces a user.
func (a *Arena) PutUser(user *User) {
	if user == nil || user.ID == uuid.Nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.users[user.ID] = *user
}

// User returns a copy of the user under the given policy.
func (a *Arena) User(id uuid.UUID, visibility Visibility) (*User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	user, ok := a.users[id]
	if !ok || !visibility.Allows(user.DeletedAt) {
		return nil, ErrUserNotFound
	}

	return &user, nil
}

// AddMembership records a user's membership in an organization.
func (a *Arena) AddMembership(membership *Membership) {
	if membership == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.memberships = append(a.memberships, *membership)
}

// MembershipsForUser returns all memberships held by the given user.
func (a *Arena) MembershipsForUser(userID uuid.UUID) []Membership {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []Membership

	for _, membership := range a.memberships {
		if membership.UserID == userID {
			result = append(result, membership)
		}
	}

	return result
}

// ResolveServer implements Resolver.
func (a *Arena) ResolveServer(_ context.Context, serverID uuid.UUID, visibility Visibility) (*Server, error) {
	return a.Server(serverID, visibility)
}
