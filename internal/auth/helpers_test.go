package auth

import (
	"context"
	"sync"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store  *MemoryStore
	clock  *testClock
	tokens *TokenManager
	roles  map[string]Role
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	if _, err := Bootstrap(context.Background(), store, catalog, AdminSeed{}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	clock := newTestClock()
	tokens, err := NewTokenManager(store, testSecret, WithClock(clock.Now), WithTokenTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	roles, err := store.ListRoles(context.Background())
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	byName := make(map[string]Role, len(roles))
	for _, r := range roles {
		byName[r.Name] = r
	}
	return &fixture{store: store, clock: clock, tokens: tokens, roles: byName}
}

func (f *fixture) role(t *testing.T, name string) Role {
	t.Helper()
	r, ok := f.roles[name]
	if !ok {
		t.Fatalf("role %q not bootstrapped", name)
	}
	return r
}

func (f *fixture) createUser(t *testing.T, email, password string, roleNames ...string) User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	var ids []string
	for _, name := range roleNames {
		ids = append(ids, f.role(t, name).ID)
	}
	u, err := f.store.CreateUser(context.Background(), NewUser{
		Email:        email,
		PasswordHash: hash,
		Status:       UserStatusActive,
		RoleIDs:      ids,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func identityWith(userID string, perms ...string) Identity {
	return Identity{UserID: userID, Permissions: NewPermissionSet(perms...)}
}
