package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type RoleInput struct {
	Name        string
	Description string
	Permissions []string
}

type UserInput struct {
	Email    string
	Username string
	FullName string
	Password string
	RoleIDs  []string
}

// RBACService administers roles, users and the permission catalog. Every
// operation is checked against the acting identity.
type RBACService struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

func NewRBACService(store Store, timeout time.Duration) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &RBACService{store: store, timeout: timeout, now: time.Now}, nil
}

func (s *RBACService) CreateRole(ctx context.Context, actor Identity, in RoleInput) (Role, error) {
	if err := Require(actor, PermRoleCreate); err != nil {
		return Role{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fieldError(ErrInvalidInput, "name", "is required")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	role, err := s.store.CreateRole(ctx, name, strings.TrimSpace(in.Description), dedupe(in.Permissions))
	return role, storeError(err)
}

func (s *RBACService) ListRoles(ctx context.Context, actor Identity) ([]Role, error) {
	if err := Require(actor, PermRoleList); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	roles, err := s.store.ListRoles(ctx)
	return roles, storeError(err)
}

func (s *RBACService) GetRole(ctx context.Context, actor Identity, id string) (Role, error) {
	if err := Require(actor, PermRoleRead); err != nil {
		return Role{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	role, err := s.store.RoleByID(ctx, strings.TrimSpace(id))
	return role, storeError(err)
}

func (s *RBACService) UpdateRole(ctx context.Context, actor Identity, id string, upd RoleUpdate) (Role, error) {
	if err := Require(actor, PermRoleUpdate); err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		trimmed := strings.TrimSpace(*upd.Name)
		if trimmed == "" {
			return Role{}, fieldError(ErrInvalidInput, "name", "is required")
		}
		upd.Name = &trimmed
	}
	if upd.Description != nil {
		trimmed := strings.TrimSpace(*upd.Description)
		upd.Description = &trimmed
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	role, err := s.store.UpdateRole(ctx, strings.TrimSpace(id), upd)
	return role, storeError(err)
}

// SetRolePermissions replaces the role's permission set. Keys outside the
// catalog are rejected.
func (s *RBACService) SetRolePermissions(ctx context.Context, actor Identity, id string, keys []string) (Role, error) {
	if err := Require(actor, PermRoleUpdate); err != nil {
		return Role{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	role, err := s.store.SetRolePermissions(ctx, strings.TrimSpace(id), dedupe(keys))
	return role, storeError(err)
}

// DeleteRole removes an unreferenced role; see RoleStore.DeleteRole.
func (s *RBACService) DeleteRole(ctx context.Context, actor Identity, id string) error {
	if err := Require(actor, PermRoleDelete); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return storeError(s.store.DeleteRole(ctx, strings.TrimSpace(id)))
}

func (s *RBACService) ListPermissions(ctx context.Context, actor Identity) ([]Permission, error) {
	if err := Require(actor, PermPermissionList); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	perms, err := s.store.ListPermissions(ctx)
	return perms, storeError(err)
}

// CreateUser provisions an active account directly, bypassing invitations.
func (s *RBACService) CreateUser(ctx context.Context, actor Identity, in UserInput) (User, error) {
	if err := Require(actor, PermUserCreate); err != nil {
		return User{}, err
	}
	email, err := validateEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	if err := ValidatePassword(in.Password, in.Password); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	user, err := s.store.CreateUser(ctx, NewUser{
		Email:        email,
		Username:     strings.TrimSpace(in.Username),
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		Status:       UserStatusActive,
		RoleIDs:      dedupe(in.RoleIDs),
	})
	if errors.Is(err, ErrNotFound) {
		return User{}, fieldError(ErrInvalidInput, "role_ids", "unknown role")
	}
	return user, storeError(err)
}

func (s *RBACService) ListUsers(ctx context.Context, actor Identity, filter UserFilter) ([]User, error) {
	if err := Require(actor, PermUserList); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	users, err := s.store.ListUsers(ctx, filter)
	return users, storeError(err)
}

func (s *RBACService) GetUser(ctx context.Context, actor Identity, id string) (User, error) {
	if err := Require(actor, PermUserRead); err != nil {
		return User{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	user, err := s.store.UserByID(ctx, strings.TrimSpace(id))
	return user, storeError(err)
}

// Me returns the account behind actor. Reading it needs no permission.
func (s *RBACService) Me(ctx context.Context, actor Identity) (User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	user, err := s.store.UserByID(ctx, actor.UserID)
	if err != nil {
		return User{}, storeError(err)
	}
	if !user.Active() {
		return User{}, ErrAccountDisabled
	}
	return user, nil
}

// UpdateUser changes profile fields. Users may edit their own profile;
// editing anyone else requires user.update.
func (s *RBACService) UpdateUser(ctx context.Context, actor Identity, id string, upd UserUpdate) (User, error) {
	id = strings.TrimSpace(id)
	if id != actor.UserID {
		if err := Require(actor, PermUserUpdate); err != nil {
			return User{}, err
		}
	}
	if upd.Username == nil && upd.FullName == nil {
		return User{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if upd.Username != nil {
		trimmed := strings.TrimSpace(*upd.Username)
		if strings.ContainsAny(trimmed, " \t\r\n") {
			return User{}, fieldError(ErrInvalidInput, "username", "must not contain whitespace")
		}
		upd.Username = &trimmed
	}
	if upd.FullName != nil {
		trimmed := strings.TrimSpace(*upd.FullName)
		upd.FullName = &trimmed
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	user, err := s.store.UpdateUser(ctx, id, upd)
	return user, storeError(err)
}

// ChangePassword replaces the actor's own password once the current one is
// confirmed. Tokens issued earlier stay valid until they expire or are revoked.
func (s *RBACService) ChangePassword(ctx context.Context, actor Identity, current, password, confirmation string) error {
	if current == "" {
		return fieldError(ErrInvalidInput, "current_password", "is required")
	}
	if err := ValidatePassword(password, confirmation); err != nil {
		var fe *FieldError
		if errors.As(err, &fe) {
			fe.Field = "new_" + fe.Field
		}
		return err
	}
	if password == current {
		return fieldError(ErrInvalidInput, "new_password", "must differ from the current password")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	user, err := s.store.UserByID(ctx, actor.UserID)
	if err != nil {
		return storeError(err)
	}
	if !user.Active() {
		return ErrAccountDisabled
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return fieldError(ErrInvalidInput, "current_password", "is incorrect")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return storeError(s.store.SetPasswordHash(ctx, user.ID, hash, s.now().UTC()))
}

// DeleteUser logically deletes a user. Tokens already issued stay valid
// until they expire or are revoked, but cannot be refreshed.
func (s *RBACService) DeleteUser(ctx context.Context, actor Identity, id string) (User, error) {
	if err := Require(actor, PermUserDelete); err != nil {
		return User{}, err
	}
	id = strings.TrimSpace(id)
	if id == actor.UserID {
		return User{}, fieldError(ErrInvalidInput, "id", "cannot delete own account")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	user, err := s.store.DeleteUser(ctx, id, s.now().UTC())
	return user, storeError(err)
}

// AssignRoles replaces the user's role set.
func (s *RBACService) AssignRoles(ctx context.Context, actor Identity, userID string, roleIDs []string) (User, error) {
	if err := Require(actor, PermUserAssign); err != nil {
		return User{}, err
	}
	userID = strings.TrimSpace(userID)
	ctx, cancel := s.bound(ctx)
	defer cancel()
	current, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return User{}, storeError(err)
	}
	if !current.Active() {
		return User{}, fmt.Errorf("%w: user is deleted", ErrNotFound)
	}
	user, err := s.store.SetUserRoles(ctx, userID, dedupe(roleIDs))
	if errors.Is(err, ErrNotFound) {
		return User{}, fieldError(ErrInvalidInput, "role_ids", "unknown role")
	}
	return user, storeError(err)
}

func (s *RBACService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
