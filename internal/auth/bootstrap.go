package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// AdminSeed describes the initial administrator. An empty Email skips it.
type AdminSeed struct {
	Email    string
	Password string
	FullName string
	Role     string
}

// BootstrapReport lists what a Bootstrap run inserted.
type BootstrapReport struct {
	RolesCreated []string
	AdminCreated bool
}

// Bootstrap installs the permission catalog, the catalog roles and the
// admin user. Existing rows are never overwritten, so rerunning is safe.
func Bootstrap(ctx context.Context, store Store, catalog Catalog, admin AdminSeed) (BootstrapReport, error) {
	var report BootstrapReport
	if err := store.EnsurePermissions(ctx, catalog.Permissions); err != nil {
		return report, fmt.Errorf("ensure permissions: %w", err)
	}
	roleIDs := make(map[string]string, len(catalog.Roles))
	for _, cr := range catalog.Roles {
		role, err := store.RoleByName(ctx, cr.Name)
		if errors.Is(err, ErrNotFound) {
			role, err = store.CreateRole(ctx, cr.Name, cr.Description, cr.Permissions)
			if errors.Is(err, ErrConflict) {
				// a concurrent bootstrap won the insert
				role, err = store.RoleByName(ctx, cr.Name)
			} else if err == nil {
				report.RolesCreated = append(report.RolesCreated, cr.Name)
			}
		}
		if err != nil {
			return report, fmt.Errorf("ensure role %q: %w", cr.Name, err)
		}
		roleIDs[strings.ToLower(cr.Name)] = role.ID
	}

	email := normalizeEmail(admin.Email)
	if email == "" {
		return report, nil
	}
	if _, err := store.UserByEmail(ctx, email); err == nil {
		return report, nil
	} else if !errors.Is(err, ErrNotFound) {
		return report, fmt.Errorf("lookup admin: %w", err)
	}
	if err := ValidatePassword(admin.Password, admin.Password); err != nil {
		return report, fmt.Errorf("admin password: %w", err)
	}
	roleName := admin.Role
	if strings.TrimSpace(roleName) == "" && len(catalog.Roles) > 0 {
		roleName = catalog.Roles[0].Name
	}
	var roles []string
	if id, ok := roleIDs[strings.ToLower(strings.TrimSpace(roleName))]; ok {
		roles = append(roles, id)
	} else if roleName != "" {
		return report, fmt.Errorf("%w: admin role %q is not in the catalog", ErrInvalidInput, roleName)
	}
	hash, err := HashPassword(admin.Password)
	if err != nil {
		return report, err
	}
	_, err = store.CreateUser(ctx, NewUser{
		Email:        email,
		FullName:     admin.FullName,
		PasswordHash: hash,
		Status:       UserStatusActive,
		RoleIDs:      roles,
	})
	if errors.Is(err, ErrConflict) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("create admin: %w", err)
	}
	report.AdminCreated = true
	return report, nil
}
