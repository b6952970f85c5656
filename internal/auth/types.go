package auth

import (
	"strings"
	"time"
)

// UserStatus is the lifecycle state of an account.
type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

func (s UserStatus) Valid() bool {
	return s == UserStatusActive || s == UserStatusDeleted
}

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Username     string     `json:"username,omitempty"`
	FullName     string     `json:"full_name,omitempty"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	RoleIDs      []string   `json:"role_ids"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the user may authenticate.
func (u User) Active() bool { return u.Status == UserStatusActive }

// NewUser carries the fields needed to insert a user record.
type NewUser struct {
	Email        string
	Username     string
	FullName     string
	PasswordHash string
	Status       UserStatus
	RoleIDs      []string
}

type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	UserCount   int       `json:"user_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserUpdate carries profile changes. Nil fields are left untouched and an
// empty Username clears it.
type UserUpdate struct {
	Username *string
	FullName *string
}

type RoleUpdate struct {
	Name        *string
	Description *string
}

type Permission struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// InvitationStatus is the stored state of an invitation.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationExpired   InvitationStatus = "expired"
	InvitationCancelled InvitationStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s InvitationStatus) Terminal() bool {
	return s == InvitationAccepted || s == InvitationExpired || s == InvitationCancelled
}

// ParseInvitationStatus accepts any case and surrounding whitespace.
func ParseInvitationStatus(raw string) (InvitationStatus, bool) {
	switch s := InvitationStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case InvitationPending, InvitationAccepted, InvitationExpired, InvitationCancelled:
		return s, true
	default:
		return "", false
	}
}

type Invitation struct {
	ID         string           `json:"id"`
	Code       string           `json:"code"`
	Email      string           `json:"email"`
	RoleIDs    []string         `json:"role_ids"`
	Status     InvitationStatus `json:"status"`
	CreatedBy  string           `json:"created_by"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	RedeemedBy string           `json:"redeemed_by,omitempty"`
}

// StatusAt returns the effective status at now. A pending invitation whose
// expiry has passed is reported as expired even before the sweeper persists it.
func (i Invitation) StatusAt(now time.Time) InvitationStatus {
	if i.Status == InvitationPending && !now.Before(i.ExpiresAt) {
		return InvitationExpired
	}
	return i.Status
}

// InvitationFilter narrows invitation listings. Zero values match everything.
type InvitationFilter struct {
	Status InvitationStatus
	Email  string
	RoleID string
	Offset int
	Limit  int
}

// UserFilter narrows user listings. Deleted users are skipped unless IncludeDeleted is set.
type UserFilter struct {
	IncludeDeleted bool
	RoleID         string
	Offset         int
	Limit          int
}

// Identity is the verified content of a token.
type Identity struct {
	UserID      string        `json:"user_id"`
	Email       string        `json:"email"`
	Permissions PermissionSet `json:"permissions"`
	TokenID     string        `json:"-"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Token is a signed session credential.
type Token struct {
	Value     string    `json:"access_token"`
	Type      string    `json:"token_type"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
