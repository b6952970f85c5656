package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestGatewayCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "pa@example.com", "Str0ng!pass", "Project Admin")
	raw := mustIssue(t, f, "pa@example.com", "Str0ng!pass")
	gw := NewGateway(f.tokens)

	res, err := gw.Check(ctx, raw, CheckRequest{
		Operation:           "/reports/export",
		Method:              "post",
		RequiredPermissions: []string{PermUserList, PermRoleDelete},
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Authorized {
		t.Fatal("expected denial")
	}
	if !reflect.DeepEqual(res.MissingPermissions, []string{PermRoleDelete}) {
		t.Fatalf("unexpected missing %v", res.MissingPermissions)
	}
	if res.UserID != user.ID || res.Method != "POST" || res.Operation != "/reports/export" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = gw.Check(ctx, raw, CheckRequest{RequiredPermissions: []string{PermUserList}})
	if err != nil || !res.Authorized || len(res.MissingPermissions) != 0 {
		t.Fatalf("expected grant, got %+v %v", res, err)
	}

	if _, err := gw.Check(ctx, "garbage", CheckRequest{}); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestGatewayLiveUserCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "live@example.com", "Str0ng!pass", "Basic User")
	raw := mustIssue(t, f, "live@example.com", "Str0ng!pass")

	snapshot := NewGateway(f.tokens)
	live := NewGateway(f.tokens, WithLiveUserCheck(f.store))
	if _, err := live.Authenticate(ctx, raw); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if _, err := f.store.DeleteUser(ctx, user.ID, f.clock.Now()); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := snapshot.Authenticate(ctx, raw); err != nil {
		t.Fatalf("snapshot gateway should accept until expiry, got %v", err)
	}
	if _, err := live.Authenticate(ctx, raw); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestGatewayPermissions(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "b@example.com", "Str0ng!pass", "Basic User")
	raw := mustIssue(t, f, "b@example.com", "Str0ng!pass")

	identity, err := NewGateway(f.tokens).Permissions(context.Background(), raw)
	if err != nil {
		t.Fatalf("Permissions: %v", err)
	}
	if !reflect.DeepEqual(identity.Permissions.Keys(), f.role(t, "Basic User").Permissions) {
		t.Fatalf("unexpected permissions %v", identity.Permissions.Keys())
	}
}

func TestContextIdentity(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatal("empty context must not carry an identity")
	}
	ctx = ContextWithIdentity(ctx, identityWith("u-1", PermRoleList))
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "u-1" {
		t.Fatalf("unexpected user id %q", id)
	}
	ctx = ContextWithToken(ctx, "tok")
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("unexpected token %q", tok)
	}
}
