package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRevocationsPrune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryRevocations()
	_ = m.Revoke(ctx, "old", now)
	_ = m.Revoke(ctx, "fresh", now.Add(time.Minute))

	n, err := m.Prune(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("Prune: n=%d err=%v", n, err)
	}
	if ok, _ := m.IsRevoked(ctx, "old"); ok {
		t.Fatal("expired entry should be pruned")
	}
	if ok, _ := m.IsRevoked(ctx, "fresh"); !ok {
		t.Fatal("unexpired entry must survive pruning")
	}
	if m.Len() != 1 {
		t.Fatalf("unexpected len %d", m.Len())
	}
}

type countingRevocations struct {
	*MemoryRevocations
	lookups int
	fail    bool
}

func (c *countingRevocations) IsRevoked(ctx context.Context, id string) (bool, error) {
	c.lookups++
	if c.fail {
		return false, errors.New("down")
	}
	return c.MemoryRevocations.IsRevoked(ctx, id)
}

func TestCachedRevocations(t *testing.T) {
	ctx := context.Background()
	backing := &countingRevocations{MemoryRevocations: NewMemoryRevocations()}
	cached := NewCachedRevocations(backing, 8, time.Hour)

	if ok, err := cached.IsRevoked(ctx, "a"); err != nil || ok {
		t.Fatalf("unexpected %v %v", ok, err)
	}
	if ok, _ := cached.IsRevoked(ctx, "a"); ok {
		t.Fatal("negative lookups must not be cached")
	}
	if backing.lookups != 2 {
		t.Fatalf("expected 2 backing lookups, got %d", backing.lookups)
	}

	// revoked by another instance
	_ = backing.Revoke(ctx, "a", time.Now().Add(time.Hour))
	if ok, _ := cached.IsRevoked(ctx, "a"); !ok {
		t.Fatal("expected revoke from shared track to be visible")
	}
	backing.fail = true
	if ok, err := cached.IsRevoked(ctx, "a"); err != nil || !ok {
		t.Fatalf("cached positive should not hit backing: %v %v", ok, err)
	}
	if _, err := cached.IsRevoked(ctx, "b"); err == nil {
		t.Fatal("expected backing error for uncached id")
	}

	n, err := cached.Prune(ctx, time.Now().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune: n=%d err=%v", n, err)
	}
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
		name string
	}{
		{ErrInvalidCredentials, KindAuthentication, "authentication"},
		{ErrTokenRevoked, KindAuthentication, "authentication"},
		{&MissingPermissionsError{Missing: []string{"a.b"}}, KindAuthorization, "authorization"},
		{ErrInvitationExpired, KindPrecondition, "precondition"},
		{ErrRoleInUse, KindPrecondition, "precondition"},
		{ErrConflict, KindConflict, "conflict"},
		{fieldError(ErrEmailMismatch, "email"), KindValidation, "validation"},
		{&FieldError{Field: "x"}, KindValidation, "validation"},
		{ErrInvitationNotFound, KindNotFound, "not_found"},
		{storeError(errors.New("dial tcp: refused")), KindUnavailable, "unavailable"},
		{errors.New("boom"), KindInternal, "internal"},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind || got.String() != tc.name {
			t.Fatalf("%v: got %v (%s), want %v", tc.err, got, got, tc.kind)
		}
	}
}
