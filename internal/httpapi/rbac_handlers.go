package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type createUserRequest struct {
	Email    string   `json:"email"`
	Username string   `json:"username"`
	FullName string   `json:"full_name"`
	Password string   `json:"password"`
	RoleIDs  []string `json:"role_ids"`
}

type updateUserRequest struct {
	Username *string `json:"username"`
	FullName *string `json:"full_name"`
}

type userRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		roles, err := withRetry(r.Context(), func(ctx context.Context) ([]auth.Role, error) {
			return a.rbac.ListRoles(ctx, identity)
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, "body", err)
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), identity, auth.RoleInput{
			Name:        req.Name,
			Description: req.Description,
			Permissions: req.Permissions,
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.role.create", map[string]any{
			"role_id":     role.ID,
			"name":        role.Name,
			"permissions": role.Permissions,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		role, err := withRetry(r.Context(), func(ctx context.Context) (auth.Role, error) {
			return a.rbac.GetRole(ctx, identity, id)
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, "body", err)
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), identity, id, auth.RoleUpdate{Name: req.Name, Description: req.Description})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.role.update", map[string]any{
			"role_id": role.ID,
			"name":    role.Name,
		})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if err := a.rbac.DeleteRole(r.Context(), identity, id); err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.role.delete", map[string]any{"role_id": id})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, "body", err)
		return
	}
	role, err := withRetry(r.Context(), func(ctx context.Context) (auth.Role, error) {
		return a.rbac.SetRolePermissions(ctx, identity, r.PathValue("id"), req.Permissions)
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permissions", map[string]any{
		"role_id":     role.ID,
		"permissions": role.Permissions,
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	perms, err := withRetry(r.Context(), func(ctx context.Context) ([]auth.Permission, error) {
		return a.rbac.ListPermissions(ctx, identity)
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		offset, limit, err := parsePage(r)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		q := r.URL.Query()
		includeDeleted, _ := strconv.ParseBool(q.Get("include_deleted"))
		filter := auth.UserFilter{
			IncludeDeleted: includeDeleted,
			RoleID:         strings.TrimSpace(q.Get("role_id")),
			Offset:         offset,
			Limit:          limit,
		}
		users, err := withRetry(r.Context(), func(ctx context.Context) ([]auth.User, error) {
			return a.rbac.ListUsers(ctx, identity, filter)
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"users":  users,
			"offset": offset,
			"limit":  limit,
		})
	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, "body", err)
			return
		}
		user, err := a.rbac.CreateUser(r.Context(), identity, auth.UserInput{
			Email:    req.Email,
			Username: req.Username,
			FullName: req.FullName,
			Password: req.Password,
			RoleIDs:  req.RoleIDs,
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.user.create", map[string]any{
			"target_user_id": user.ID,
			"role_ids":       user.RoleIDs,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
		writeJSON(w, http.StatusCreated, user)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		user, err := withRetry(r.Context(), func(ctx context.Context) (auth.User, error) {
			return a.rbac.GetUser(ctx, identity, id)
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		user, err := a.rbac.DeleteUser(r.Context(), identity, id)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.user.delete", map[string]any{"target_user_id": user.ID})
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var req updateUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, "body", err)
			return
		}
		user, err := a.rbac.UpdateUser(r.Context(), identity, id, auth.UserUpdate{Username: req.Username, FullName: req.FullName})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.user.update", map[string]any{"target_user_id": user.ID})
		writeJSON(w, http.StatusOK, user)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	var req userRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, "body", err)
		return
	}
	user, err := withRetry(r.Context(), func(ctx context.Context) (auth.User, error) {
		return a.rbac.AssignRoles(ctx, identity, r.PathValue("id"), req.RoleIDs)
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.assign_roles", map[string]any{
		"target_user_id": user.ID,
		"role_ids":       user.RoleIDs,
	})
	writeJSON(w, http.StatusOK, user)
}
