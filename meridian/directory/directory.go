// Package directory holds the platform's tenancy entities: organizations,
// the game servers they own, users, and memberships. Entities are addressed
// by stable UUIDs and related by lookup through the arena instead of
// embedded object references, so the ownership graph carries no cycles.
package directory

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNameRequired is returned when an entity name is empty or whitespace.
	ErrNameRequired = errors.New("name is required")
	// ErrOrganizationIDRequired is returned when an organization id is nil.
	ErrOrganizationIDRequired = errors.New("organization id is required")
	// ErrUserIDRequired is returned when a user id is nil.
	ErrUserIDRequired = errors.New("user id is required")
	// ErrServerNotFound is returned when a server lookup misses.
	ErrServerNotFound = errors.New("server not found")
	// ErrOrganizationNotFound is returned when an organization lookup misses.
	ErrOrganizationNotFound = errors.New("organization not found")
	// ErrUserNotFound is returned when a user lookup misses.
	ErrUserNotFound = errors.New("user not found")
)

// Visibility is the soft-delete policy applied to every arena read. It is
// passed explicitly by callers; there is no ambient default.
type Visibility uint8

const (
	// ActiveOnly hides soft-deleted entities.
	ActiveOnly Visibility = iota

	// IncludeDeleted returns entities regardless of deletion markers.
	// Compliance reads over the audit trail use this: the umbrella server
	// record may be deleted while its log lines remain.
	IncludeDeleted
)

// Allows reports whether an entity with the given deletion marker is visible
// under this policy.
func (v Visibility) Allows(deletedAt *time.Time) bool {
	if v == IncludeDeleted {
		return true
	}

	return deletedAt == nil
}

// Organization is a paying tenant. Servers and memberships reference it by ID.
type Organization struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// NewOrganization creates a valid organization.
func NewOrganization(name string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	return &Organization{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Server is a hosted game server owned by exactly one organization. Its ID
// doubles as the aggregate key for console events about it.
type Server struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// NewServer creates a valid server owned by the given organization.
func NewServer(organizationID uuid.UUID, name string) (*Server, error) {
	if organizationID == uuid.Nil {
		return nil, ErrOrganizationIDRequired
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	return &Server{
		ID:             uuid.New(),
		OrganizationID: organizationID,
		Name:           name,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// User is a panel account. Organization access is granted via memberships.
type User struct {
	ID        uuid.UUID
	Username  string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// NewUser creates a valid user.
func NewUser(username string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrNameRequired
	}

	return &User{
		ID:        uuid.New(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Role is a membership role within an organization.
type Role string

const (
	RoleOwner    Role = "OWNER"
	RoleAdmin    Role = "ADMIN"
	RoleOperator Role = "OPERATOR"
)

// Membership links a user to an organization with a role. Both sides are
// referenced by ID only.
type Membership struct {
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	Role           Role
	CreatedAt      time.Time
}

// NewMembership creates a valid membership.
func NewMembership(organizationID, userID uuid.UUID, role Role) (*Membership, error) {
	if organizationID == uuid.Nil {
		return nil, ErrOrganizationIDRequired
	}

	if userID == uuid.Nil {
		return nil, ErrUserIDRequired
	}

	if role == "" {
		role = RoleOperator
	}

	return &Membership{
		OrganizationID: organizationID,
		UserID:         userID,
		Role:           role,
		CreatedAt:      time.Now().UTC(),
	}, nil
}
