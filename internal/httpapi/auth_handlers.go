package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	auth.Token
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

type checkRequest struct {
	Operation           string   `json:"operation"`
	Method              string   `json:"method"`
	RequiredPermissions []string `json:"required_permissions"`
}

type permissionsResponse struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type meResponse struct {
	auth.User
	Permissions []string `json:"permissions"`
}

type changePasswordRequest struct {
	CurrentPassword         string `json:"current_password"`
	NewPassword             string `json:"new_password"`
	NewPasswordConfirmation string `json:"new_password_confirmation"`
}

func newTokenResponse(token auth.Token, identity auth.Identity) tokenResponse {
	return tokenResponse{Token: token, UserID: identity.UserID, Permissions: identity.Permissions.Keys()}
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, "body", err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeErrorWith(w, r, http.StatusBadRequest, "invalid_input", map[string]any{
			"fields": map[string][]string{"credentials": {"email and password are required"}},
		})
		return
	}

	var identity auth.Identity
	token, err := withRetry(r.Context(), func(ctx context.Context) (auth.Token, error) {
		tok, id, err := a.tokens.Issue(ctx, req.Email, req.Password)
		identity = id
		return tok, err
	})
	obs.ObserveToken("issue", err)
	if err != nil {
		if auth.KindOf(err) == auth.KindAuthentication {
			_ = audit.LogEvent(r.Context(), "auth.token.rejected", map[string]any{
				"reason": err.Error(),
			})
		}
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithIdentity(r.Context(), identity), "auth.token.issued", map[string]any{
		"expires_at": token.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, newTokenResponse(token, identity))
}

func (a *API) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	raw, ok := auth.TokenFromContext(r.Context())
	if !ok {
		unauthenticated(w, r)
		return
	}
	token, identity, err := a.tokens.Refresh(r.Context(), raw)
	obs.ObserveToken("refresh", err)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.refreshed", map[string]any{
		"expires_at": token.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, newTokenResponse(token, identity))
}

func (a *API) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	raw, ok := auth.TokenFromContext(r.Context())
	if !ok {
		unauthenticated(w, r)
		return
	}
	err := a.tokens.Revoke(r.Context(), raw)
	obs.ObserveToken("revoke", err)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.revoked", nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthzCheck answers for external callers. A denial is a 200 with
// authorized=false and the missing set; only bad credentials are errors.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, "body", err)
		return
	}
	result := a.gateway.Evaluate(identity, auth.CheckRequest{
		Operation:           req.Operation,
		Method:              req.Method,
		RequiredPermissions: req.RequiredPermissions,
	})
	obs.ObserveDecision(result.Authorized)
	if !result.Authorized {
		_ = audit.LogEvent(r.Context(), "authz.check.denied", map[string]any{
			"operation": result.Operation,
			"method":    result.Method,
			"missing":   result.MissingPermissions,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleAuthzPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, permissionsResponse{
		UserID:      identity.UserID,
		Email:       identity.Email,
		Permissions: identity.Permissions.Keys(),
		IssuedAt:    identity.IssuedAt,
		ExpiresAt:   identity.ExpiresAt,
	})
}

// handleAuthMe returns the caller's account with the permissions carried by
// the presented token.
func (a *API) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	user, err := withRetry(r.Context(), func(ctx context.Context) (auth.User, error) {
		return a.rbac.Me(ctx, identity)
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: user, Permissions: identity.Permissions.Keys()})
}

func (a *API) handleAuthChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, "body", err)
		return
	}
	if err := a.rbac.ChangePassword(r.Context(), identity, req.CurrentPassword, req.NewPassword, req.NewPasswordConfirmation); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.changed", nil)
	w.WriteHeader(http.StatusNoContent)
}
