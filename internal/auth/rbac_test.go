package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newRBAC(t *testing.T, f *fixture) *RBACService {
	t.Helper()
	svc, err := NewRBACService(f.store, 0)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	svc.now = f.clock.Now
	return svc
}

func superAdmin(t *testing.T, f *fixture) Identity {
	t.Helper()
	return identityWith("root", f.role(t, "Super Admin").Permissions...)
}

func TestRoleCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newRBAC(t, f)
	admin := superAdmin(t, f)

	role, err := svc.CreateRole(ctx, admin, RoleInput{Name: " Auditor ", Permissions: []string{"user.list", "user.read", "user.list"}})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.Name != "Auditor" || len(role.Permissions) != 2 {
		t.Fatalf("unexpected role %+v", role)
	}

	if _, err := svc.CreateRole(ctx, admin, RoleInput{Name: "auditor"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate name: expected ErrConflict, got %v", err)
	}
	if _, err := svc.CreateRole(ctx, admin, RoleInput{Name: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank name: expected ErrInvalidInput, got %v", err)
	}

	name := "Reviewer"
	updated, err := svc.UpdateRole(ctx, admin, role.ID, RoleUpdate{Name: &name})
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if updated.Name != "Reviewer" || len(updated.Permissions) != 2 {
		t.Fatalf("unexpected update %+v", updated)
	}
	clash := "Basic User"
	if _, err := svc.UpdateRole(ctx, admin, role.ID, RoleUpdate{Name: &clash}); !errors.Is(err, ErrConflict) {
		t.Fatalf("rename clash: expected ErrConflict, got %v", err)
	}

	replaced, err := svc.SetRolePermissions(ctx, admin, role.ID, []string{"invitation.read"})
	if err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if len(replaced.Permissions) != 1 || replaced.Permissions[0] != "invitation.read" {
		t.Fatalf("unexpected permissions %v", replaced.Permissions)
	}

	got, err := svc.GetRole(ctx, admin, role.ID)
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if got.Name != "Reviewer" {
		t.Fatalf("unexpected role %+v", got)
	}
	roles, err := svc.ListRoles(ctx, admin)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != 4 {
		t.Fatalf("expected 4 roles, got %d", len(roles))
	}

	if err := svc.DeleteRole(ctx, admin, role.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if _, err := svc.GetRole(ctx, admin, role.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := svc.DeleteRole(ctx, admin, role.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestUnknownPermissionKeyRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newRBAC(t, f)
	admin := superAdmin(t, f)

	_, err := svc.CreateRole(ctx, admin, RoleInput{Name: "Odd", Permissions: []string{"user.list", "ledger.write"}})
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Field != "permissions" {
		t.Fatalf("expected permissions field error, got %v", err)
	}
	if _, err := svc.SetRolePermissions(ctx, admin, f.role(t, "Basic User").ID, []string{"nope.nope"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.store.RoleByName(ctx, "Odd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected role must not be stored, got %v", err)
	}
}

func TestDeleteRoleInUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newRBAC(t, f)
	admin := superAdmin(t, f)

	role, err := svc.CreateRole(ctx, admin, RoleInput{Name: "Temp", Permissions: []string{"user.list"}})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	user := f.createUser(t, "holder@example.com", "Str0ng!pass")
	if _, err := svc.AssignRoles(ctx, admin, user.ID, []string{role.ID}); err != nil {
		t.Fatalf("AssignRoles: %v", err)
	}
	err = svc.DeleteRole(ctx, admin, role.ID)
	if !errors.Is(err, ErrRoleInUse) || KindOf(err) != KindPrecondition {
		t.Fatalf("expected ErrRoleInUse precondition, got %v", err)
	}

	if _, err := svc.AssignRoles(ctx, admin, user.ID, nil); err != nil {
		t.Fatalf("AssignRoles: %v", err)
	}
	engine := newEngine(t, f)
	inv, err := engine.Generate(ctx, admin, GenerateRequest{Email: "next@example.com", RoleIDs: []string{role.ID}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := svc.DeleteRole(ctx, admin, role.ID); !errors.Is(err, ErrRoleInUse) {
		t.Fatalf("pending invitation: expected ErrRoleInUse, got %v", err)
	}

	if _, err := engine.Cancel(ctx, inv.ID, admin); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := svc.DeleteRole(ctx, admin, role.ID); err != nil {
		t.Fatalf("DeleteRole after release: %v", err)
	}
}

func TestUserAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newRBAC(t, f)
	admin := superAdmin(t, f)
	basic := f.role(t, "Basic User")

	user, err := svc.CreateUser(ctx, admin, UserInput{Email: "Direct@Example.com", Password: "Str0ng!pass", RoleIDs: []string{basic.ID}})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Email != "direct@example.com" || !user.Active() {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err := svc.CreateUser(ctx, admin, UserInput{Email: "direct@example.com", Password: "Str0ng!pass"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email: expected ErrConflict, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, admin, UserInput{Email: "weak@example.com", Password: "weak"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, admin, UserInput{Email: "x@example.com", Password: "Str0ng!pass", RoleIDs: []string{"ghost"}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown role: expected ErrInvalidInput, got %v", err)
	}

	if _, err := svc.AssignRoles(ctx, admin, user.ID, []string{"ghost"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("assign unknown role: expected ErrInvalidInput, got %v", err)
	}

	self := identityWith(user.ID, PermUserDelete)
	if _, err := svc.DeleteUser(ctx, self, user.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("self delete: expected ErrInvalidInput, got %v", err)
	}
	deleted, err := svc.DeleteUser(ctx, admin, user.ID)
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if deleted.Active() || deleted.DeletedAt == nil {
		t.Fatalf("expected deleted user, got %+v", deleted)
	}

	listed, err := svc.ListUsers(ctx, admin, UserFilter{})
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	for _, u := range listed {
		if u.ID == user.ID {
			t.Fatal("deleted user must not be listed by default")
		}
	}
	withDeleted, err := svc.ListUsers(ctx, admin, UserFilter{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(withDeleted) != len(listed)+1 {
		t.Fatalf("expected deleted user in full listing, got %d vs %d", len(withDeleted), len(listed))
	}
	got, err := svc.GetUser(ctx, admin, user.ID)
	if err != nil || got.Status != UserStatusDeleted {
		t.Fatalf("GetUser: %+v %v", got, err)
	}
	if _, err := svc.AssignRoles(ctx, admin, user.ID, []string{basic.ID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("assign to deleted user: expected ErrNotFound, got %v", err)
	}
}

func TestRBACRequiresPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newRBAC(t, f)
	nobody := identityWith("nobody")

	checks := map[string]func() error{
		"create role": func() error { _, err := svc.CreateRole(ctx, nobody, RoleInput{Name: "x"}); return err },
		"list roles":  func() error { _, err := svc.ListRoles(ctx, nobody); return err },
		"delete role": func() error { return svc.DeleteRole(ctx, nobody, "x") },
		"list perms":  func() error { _, err := svc.ListPermissions(ctx, nobody); return err },
		"create user": func() error { _, err := svc.CreateUser(ctx, nobody, UserInput{}); return err },
		"list users":  func() error { _, err := svc.ListUsers(ctx, nobody, UserFilter{}); return err },
		"assign":      func() error { _, err := svc.AssignRoles(ctx, nobody, "x", nil); return err },
		"update user": func() error {
			name := "x"
			_, err := svc.UpdateUser(ctx, nobody, "someone", UserUpdate{FullName: &name})
			return err
		},
	}
	for name, fn := range checks {
		if err := fn(); !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden, got %v", name, err)
		}
	}

	perms, err := svc.ListPermissions(ctx, identityWith("reader", PermPermissionList))
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	if len(perms) != 16 {
		t.Fatalf("expected 16 catalog permissions, got %d", len(perms))
	}
}

func strPtr(s string) *string { return &s }

func TestUpdateUserProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newRBAC(t, f)
	ada := f.createUser(t, "ada@example.com", "Str0ng!pass", "Basic User")
	bob := f.createUser(t, "bob@example.com", "Str0ng!pass", "Basic User")
	self := identityWith(ada.ID)

	updated, err := svc.UpdateUser(ctx, self, ada.ID, UserUpdate{Username: strPtr(" Ada "), FullName: strPtr(" Ada Lovelace ")})
	if err != nil {
		t.Fatalf("self update: %v", err)
	}
	if updated.Username != "Ada" || updated.FullName != "Ada Lovelace" {
		t.Fatalf("unexpected profile %+v", updated)
	}

	if _, err := svc.UpdateUser(ctx, identityWith(bob.ID), bob.ID, UserUpdate{Username: strPtr("ADA")}); !errors.Is(err, ErrConflict) {
		t.Fatalf("taken username: expected ErrConflict, got %v", err)
	}
	if _, err := svc.UpdateUser(ctx, identityWith(bob.ID), ada.ID, UserUpdate{FullName: strPtr("Mallory")}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign profile: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.UpdateUser(ctx, self, ada.ID, UserUpdate{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty update: expected ErrInvalidInput, got %v", err)
	}
	var fe *FieldError
	if _, err := svc.UpdateUser(ctx, self, ada.ID, UserUpdate{Username: strPtr("ada l")}); !errors.As(err, &fe) || fe.Field != "username" {
		t.Fatalf("spaced username: expected username field error, got %v", err)
	}

	// Renaming frees the old username and keeping your own is not a conflict.
	if _, err := svc.UpdateUser(ctx, self, ada.ID, UserUpdate{Username: strPtr("ada")}); err != nil {
		t.Fatalf("case change of own username: %v", err)
	}
	if _, err := svc.UpdateUser(ctx, self, ada.ID, UserUpdate{Username: strPtr("countess")}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	renamed, err := svc.UpdateUser(ctx, identityWith(bob.ID), bob.ID, UserUpdate{Username: strPtr("Ada")})
	if err != nil || renamed.Username != "Ada" {
		t.Fatalf("claiming freed username = %+v, %v", renamed, err)
	}

	admin := identityWith("root", PermUserUpdate, PermUserDelete)
	cleared, err := svc.UpdateUser(ctx, admin, ada.ID, UserUpdate{Username: strPtr("")})
	if err != nil || cleared.Username != "" || cleared.FullName != "Ada Lovelace" {
		t.Fatalf("admin clear = %+v, %v", cleared, err)
	}

	if _, err := svc.DeleteUser(ctx, admin, bob.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := svc.UpdateUser(ctx, admin, bob.ID, UserUpdate{FullName: strPtr("Ghost")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted user: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.UpdateUser(ctx, admin, "missing", UserUpdate{FullName: strPtr("Ghost")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: expected ErrNotFound, got %v", err)
	}
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newRBAC(t, f)
	ada := f.createUser(t, "ada@example.com", "Str0ng!pass")

	me, err := svc.Me(ctx, identityWith(ada.ID))
	if err != nil || me.ID != ada.ID || me.Email != "ada@example.com" {
		t.Fatalf("Me = %+v, %v", me, err)
	}

	if _, err := svc.DeleteUser(ctx, identityWith("root", PermUserDelete), ada.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := svc.Me(ctx, identityWith(ada.ID)); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("deleted account: expected ErrAccountDisabled, got %v", err)
	}
	if _, err := svc.Me(ctx, identityWith("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown account: expected ErrNotFound, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newRBAC(t, f)
	ada := f.createUser(t, "ada@example.com", "Str0ng!pass")
	self := identityWith(ada.ID)

	fieldOf := func(err error) string {
		t.Helper()
		var fe *FieldError
		if !errors.As(err, &fe) {
			t.Fatalf("expected a field error, got %v", err)
		}
		return fe.Field
	}

	err := svc.ChangePassword(ctx, self, "Wr0ng!pass", "N3w!secret", "N3w!secret")
	if !errors.Is(err, ErrInvalidInput) || fieldOf(err) != "current_password" {
		t.Fatalf("wrong current password: %v", err)
	}
	err = svc.ChangePassword(ctx, self, "", "N3w!secret", "N3w!secret")
	if !errors.Is(err, ErrInvalidInput) || fieldOf(err) != "current_password" {
		t.Fatalf("missing current password: %v", err)
	}
	err = svc.ChangePassword(ctx, self, "Str0ng!pass", "weak", "weak")
	if !errors.Is(err, ErrWeakPassword) || fieldOf(err) != "new_password" {
		t.Fatalf("weak password: %v", err)
	}
	err = svc.ChangePassword(ctx, self, "Str0ng!pass", "N3w!secret", "N3w!secreT")
	if !errors.Is(err, ErrPasswordMismatch) || fieldOf(err) != "new_password_confirmation" {
		t.Fatalf("mismatch: %v", err)
	}
	err = svc.ChangePassword(ctx, self, "Str0ng!pass", "Str0ng!pass", "Str0ng!pass")
	if !errors.Is(err, ErrInvalidInput) || fieldOf(err) != "new_password" {
		t.Fatalf("unchanged password: %v", err)
	}

	f.clock.Advance(time.Minute)
	if err := svc.ChangePassword(ctx, self, "Str0ng!pass", "N3w!secret", "N3w!secret"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	stored, err := f.store.UserByID(ctx, ada.ID)
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if !stored.UpdatedAt.Equal(f.clock.Now()) {
		t.Fatalf("updated_at %v, want %v", stored.UpdatedAt, f.clock.Now())
	}
	if _, _, err := f.tokens.Issue(ctx, "ada@example.com", "Str0ng!pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, _, err := f.tokens.Issue(ctx, "ada@example.com", "N3w!secret"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}

	if _, err := svc.DeleteUser(ctx, identityWith("root", PermUserDelete), ada.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := svc.ChangePassword(ctx, self, "N3w!secret", "An0ther!pass", "An0ther!pass"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("deleted account: expected ErrAccountDisabled, got %v", err)
	}
}
