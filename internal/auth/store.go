package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Implementations must be safe for concurrent use.
type Store interface {
	UserStore
	RoleStore
	InvitationStore
}

// UserStore manages user records and their role assignments.
//
// UserByID and UserByEmail return users of any status. ListUsers skips
// deleted users unless the filter asks for them.
type UserStore interface {
	CreateUser(ctx context.Context, u NewUser) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]User, error)
	DeleteUser(ctx context.Context, id string, at time.Time) (User, error)
	// UpdateUser changes profile fields of a user that is not deleted. A
	// username held by another user, compared case-insensitively, fails with
	// ErrConflict.
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error)
	SetPasswordHash(ctx context.Context, id, hash string, at time.Time) error
	SetUserRoles(ctx context.Context, userID string, roleIDs []string) (User, error)
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
}

// RoleStore manages the permission catalog and roles.
type RoleStore interface {
	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)

	CreateRole(ctx context.Context, name, description string, permissions []string) (Role, error)
	RoleByID(ctx context.Context, id string) (Role, error)
	RoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	SetRolePermissions(ctx context.Context, id string, permissions []string) (Role, error)
	// DeleteRole fails with ErrRoleInUse while a user or a pending invitation
	// references the role. The check and the delete happen atomically.
	DeleteRole(ctx context.Context, id string) error
}

// InvitationStore manages invitation records.
type InvitationStore interface {
	CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error)
	InvitationByID(ctx context.Context, id string) (Invitation, error)
	InvitationByCode(ctx context.Context, code string) (Invitation, error)
	ListInvitations(ctx context.Context, filter InvitationFilter) ([]Invitation, error)

	// RedeemInvitation atomically moves the invitation identified by code from
	// pending to accepted and creates u with the invitation's roles. It fails
	// with ErrInvitationExpired when now is at or past the expiry and with
	// ErrInvitationNotPending when another caller already moved it.
	RedeemInvitation(ctx context.Context, code string, u NewUser, now time.Time) (User, Invitation, error)
	// CancelInvitation moves a pending, unexpired invitation to cancelled.
	CancelInvitation(ctx context.Context, id string, now time.Time) (Invitation, error)
	// ExpireInvitations persists the expired status for pending invitations past their expiry.
	ExpireInvitations(ctx context.Context, now time.Time) (int, error)
}
