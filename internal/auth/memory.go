package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gatehouse.dev/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-process concurrency safety.
// Every mutation runs under a single lock, which makes redemption and role
// deletion trivially atomic.
type MemoryStore struct {
	mu sync.RWMutex

	users      map[string]*User
	emails     map[string]string
	usernames  map[string]string
	roles      map[string]*Role
	perms      map[string]Permission
	invites    map[string]*Invitation
	inviteCode map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*User),
		emails:     make(map[string]string),
		usernames:  make(map[string]string),
		roles:      make(map[string]*Role),
		perms:      make(map[string]Permission),
		invites:    make(map[string]*Invitation),
		inviteCode: make(map[string]string),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, u NewUser) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUserLocked(u, time.Now().UTC())
}

func (s *MemoryStore) createUserLocked(u NewUser, now time.Time) (User, error) {
	email := normalizeEmail(u.Email)
	if _, ok := s.emails[email]; ok {
		return User{}, fmt.Errorf("%w: email already registered", ErrConflict)
	}
	username := strings.TrimSpace(u.Username)
	if username != "" {
		if _, ok := s.usernames[strings.ToLower(username)]; ok {
			return User{}, fmt.Errorf("%w: username already taken", ErrConflict)
		}
	}
	for _, id := range u.RoleIDs {
		if _, ok := s.roles[id]; !ok {
			return User{}, fmt.Errorf("%w: role %s", ErrNotFound, id)
		}
	}
	status := u.Status
	if status == "" {
		status = UserStatusActive
	}
	user := &User{
		ID:           ids.New(),
		Email:        email,
		Username:     username,
		FullName:     strings.TrimSpace(u.FullName),
		PasswordHash: u.PasswordHash,
		Status:       status,
		RoleIDs:      dedupe(u.RoleIDs),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[user.ID] = user
	s.emails[email] = user.ID
	if username != "" {
		s.usernames[strings.ToLower(username)] = user.ID
	}
	return copyUser(user), nil
}

func (s *MemoryStore) UserByID(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return copyUser(u), nil
}

func (s *MemoryStore) UserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[normalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return copyUser(s.users[id]), nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if !filter.IncludeDeleted && u.Status == UserStatusDeleted {
			continue
		}
		if filter.RoleID != "" && !contains(u.RoleIDs, filter.RoleID) {
			continue
		}
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, id string, at time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	if u.Status != UserStatusDeleted {
		deletedAt := at.UTC()
		u.Status = UserStatusDeleted
		u.DeletedAt = &deletedAt
		u.UpdatedAt = deletedAt
	}
	return copyUser(u), nil
}

func (s *MemoryStore) SetUserRoles(ctx context.Context, userID string, roleIDs []string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	for _, id := range roleIDs {
		if _, ok := s.roles[id]; !ok {
			return User{}, fmt.Errorf("%w: role %s", ErrNotFound, id)
		}
	}
	u.RoleIDs = dedupe(roleIDs)
	u.UpdatedAt = time.Now().UTC()
	return copyUser(u), nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.Status == UserStatusDeleted {
		return User{}, ErrNotFound
	}
	if upd.Username != nil {
		username := strings.TrimSpace(*upd.Username)
		key := strings.ToLower(username)
		if owner, taken := s.usernames[key]; taken && owner != id {
			return User{}, fmt.Errorf("%w: username already taken", ErrConflict)
		}
		if u.Username != "" {
			delete(s.usernames, strings.ToLower(u.Username))
		}
		if username != "" {
			s.usernames[key] = id
		}
		u.Username = username
	}
	if upd.FullName != nil {
		u.FullName = strings.TrimSpace(*upd.FullName)
	}
	u.UpdatedAt = time.Now().UTC()
	return copyUser(u), nil
}

func (s *MemoryStore) SetPasswordHash(ctx context.Context, id, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.Status == UserStatusDeleted {
		return ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = at.UTC()
	return nil
}

func (s *MemoryStore) RolesForUser(ctx context.Context, userID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Role, 0, len(u.RoleIDs))
	for _, id := range u.RoleIDs {
		if r, ok := s.roles[id]; ok {
			out = append(out, s.copyRoleLocked(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) EnsurePermissions(ctx context.Context, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.perms[p.Key]; ok {
			continue
		}
		s.perms[p.Key] = p
	}
	return nil
}

func (s *MemoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) CreateRole(ctx context.Context, name, description string, permissions []string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleByNameLocked(name) != nil {
		return Role{}, fmt.Errorf("%w: role %q already exists", ErrConflict, name)
	}
	if err := s.checkPermissionsLocked(permissions); err != nil {
		return Role{}, err
	}
	now := time.Now().UTC()
	r := &Role{
		ID:          ids.New(),
		Name:        name,
		Description: description,
		Permissions: NewPermissionSet(permissions...).Keys(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.roles[r.ID] = r
	return s.copyRoleLocked(r), nil
}

func (s *MemoryStore) RoleByID(ctx context.Context, id string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return s.copyRoleLocked(r), nil
}

func (s *MemoryStore) RoleByName(ctx context.Context, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.roleByNameLocked(name)
	if r == nil {
		return Role{}, ErrNotFound
	}
	return s.copyRoleLocked(r), nil
}

func (s *MemoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, s.copyRoleLocked(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.Name != nil {
		if other := s.roleByNameLocked(*upd.Name); other != nil && other.ID != id {
			return Role{}, fmt.Errorf("%w: role %q already exists", ErrConflict, *upd.Name)
		}
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	r.UpdatedAt = time.Now().UTC()
	return s.copyRoleLocked(r), nil
}

func (s *MemoryStore) SetRolePermissions(ctx context.Context, id string, permissions []string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	if err := s.checkPermissionsLocked(permissions); err != nil {
		return Role{}, err
	}
	r.Permissions = NewPermissionSet(permissions...).Keys()
	r.UpdatedAt = time.Now().UTC()
	return s.copyRoleLocked(r), nil
}

func (s *MemoryStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return ErrNotFound
	}
	if n := s.roleUsersLocked(id); n > 0 {
		return fmt.Errorf("%w: %d users hold this role", ErrRoleInUse, n)
	}
	for _, inv := range s.invites {
		if inv.Status == InvitationPending && contains(inv.RoleIDs, id) {
			return fmt.Errorf("%w: pending invitation %s grants this role", ErrRoleInUse, inv.ID)
		}
	}
	delete(s.roles, id)
	return nil
}

func (s *MemoryStore) CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inviteCode[inv.Code]; ok {
		return Invitation{}, fmt.Errorf("%w: invitation code collision", ErrConflict)
	}
	for _, id := range inv.RoleIDs {
		if _, ok := s.roles[id]; !ok {
			return Invitation{}, fmt.Errorf("%w: role %s", ErrNotFound, id)
		}
	}
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	if inv.Status == "" {
		inv.Status = InvitationPending
	}
	inv.Email = normalizeEmail(inv.Email)
	inv.RoleIDs = dedupe(inv.RoleIDs)
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = inv.CreatedAt
	}
	stored := inv
	s.invites[inv.ID] = &stored
	s.inviteCode[inv.Code] = inv.ID
	return copyInvitation(&stored), nil
}

func (s *MemoryStore) InvitationByID(ctx context.Context, id string) (Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invites[id]
	if !ok {
		return Invitation{}, ErrInvitationNotFound
	}
	return copyInvitation(inv), nil
}

func (s *MemoryStore) InvitationByCode(ctx context.Context, code string) (Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.inviteCode[code]
	if !ok {
		return Invitation{}, ErrInvitationNotFound
	}
	return copyInvitation(s.invites[id]), nil
}

func (s *MemoryStore) ListInvitations(ctx context.Context, filter InvitationFilter) ([]Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email := normalizeEmail(filter.Email)
	out := make([]Invitation, 0, len(s.invites))
	for _, inv := range s.invites {
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		if email != "" && inv.Email != email {
			continue
		}
		if filter.RoleID != "" && !contains(inv.RoleIDs, filter.RoleID) {
			continue
		}
		out = append(out, copyInvitation(inv))
	}
	// newest first
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) RedeemInvitation(ctx context.Context, code string, u NewUser, now time.Time) (User, Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.inviteCode[code]
	if !ok {
		return User{}, Invitation{}, ErrInvitationNotFound
	}
	inv := s.invites[id]
	if !now.Before(inv.ExpiresAt) || inv.Status == InvitationExpired {
		return User{}, Invitation{}, ErrInvitationExpired
	}
	if inv.Status != InvitationPending {
		return User{}, Invitation{}, fmt.Errorf("%w: status is %s", ErrInvitationNotPending, inv.Status)
	}
	u.RoleIDs = inv.RoleIDs
	user, err := s.createUserLocked(u, now.UTC())
	if err != nil {
		return User{}, Invitation{}, err
	}
	inv.Status = InvitationAccepted
	inv.RedeemedBy = user.ID
	inv.UpdatedAt = now.UTC()
	return user, copyInvitation(inv), nil
}

func (s *MemoryStore) CancelInvitation(ctx context.Context, id string, now time.Time) (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return Invitation{}, ErrInvitationNotFound
	}
	if st := inv.StatusAt(now); st != InvitationPending {
		return Invitation{}, fmt.Errorf("%w: status is %s", ErrInvitationNotPending, st)
	}
	inv.Status = InvitationCancelled
	inv.UpdatedAt = now.UTC()
	return copyInvitation(inv), nil
}

func (s *MemoryStore) ExpireInvitations(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inv := range s.invites {
		if inv.Status == InvitationPending && !now.Before(inv.ExpiresAt) {
			inv.Status = InvitationExpired
			inv.UpdatedAt = now.UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) roleByNameLocked(name string) *Role {
	for _, r := range s.roles {
		if strings.EqualFold(r.Name, name) {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) roleUsersLocked(roleID string) int {
	n := 0
	for _, u := range s.users {
		if contains(u.RoleIDs, roleID) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) checkPermissionsLocked(keys []string) error {
	for _, k := range keys {
		if _, ok := s.perms[k]; !ok {
			return fieldError(ErrInvalidInput, "permissions", "unknown permission "+k)
		}
	}
	return nil
}

func (s *MemoryStore) copyRoleLocked(r *Role) Role {
	out := *r
	out.Permissions = append([]string(nil), r.Permissions...)
	out.UserCount = s.roleUsersLocked(r.ID)
	return out
}

func copyUser(u *User) User {
	out := *u
	out.RoleIDs = append([]string(nil), u.RoleIDs...)
	if u.DeletedAt != nil {
		t := *u.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

func copyInvitation(inv *Invitation) Invitation {
	out := *inv
	out.RoleIDs = append([]string(nil), inv.RoleIDs...)
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
