package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

type createInvitationRequest struct {
	Email     string     `json:"email"`
	RoleIDs   []string   `json:"role_ids"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type registrationRequest struct {
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	FullName             string `json:"full_name"`
	Username             string `json:"username"`
}

type redeemRequest struct {
	InvitationCode string              `json:"invitation_code"`
	Registration   registrationRequest `json:"registration"`
}

type redeemResponse struct {
	User       auth.User      `json:"user"`
	Invitation invitationView `json:"invitation"`
}

// invitationView hides the code from everyone but the issuing response.
type invitationView struct {
	auth.Invitation
	Code string `json:"code,omitempty"`
}

// codeLookupResponse is what an unauthenticated invitee may learn.
type codeLookupResponse struct {
	Email     string                `json:"email"`
	Status    auth.InvitationStatus `json:"status"`
	Valid     bool                  `json:"valid"`
	ExpiresAt time.Time             `json:"expires_at"`
}

func redact(inv auth.Invitation) invitationView {
	return invitationView{Invitation: inv}
}

func (a *API) handleInvitations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createInvitation(w, r)
	case http.MethodGet:
		a.listInvitations(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createInvitation(w http.ResponseWriter, r *http.Request) {
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	var req createInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, "body", err)
		return
	}
	gen := auth.GenerateRequest{Email: req.Email, RoleIDs: req.RoleIDs}
	if req.ExpiresAt != nil {
		gen.ExpiresAt = *req.ExpiresAt
	}
	inv, err := a.invitations.Generate(r.Context(), identity, gen)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveInvitation(string(auth.InvitationPending))
	_ = audit.LogEvent(r.Context(), "invitation.created", map[string]any{
		"invitation_id": inv.ID,
		"email":         inv.Email,
		"role_ids":      inv.RoleIDs,
		"expires_at":    inv.ExpiresAt.Format(time.RFC3339),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/invitations/%s", inv.ID))
	writeJSON(w, http.StatusCreated, invitationView{Invitation: inv, Code: inv.Code})
}

func (a *API) listInvitations(w http.ResponseWriter, r *http.Request) {
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	offset, limit, err := parsePage(r)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := auth.InvitationFilter{
		Email:  q.Get("email"),
		RoleID: strings.TrimSpace(q.Get("role_id")),
		Offset: offset,
		Limit:  limit,
	}
	if raw := q.Get("status"); raw != "" {
		status, ok := auth.ParseInvitationStatus(raw)
		if !ok {
			status = auth.InvitationStatus(raw)
		}
		filter.Status = status
	}
	list, err := withRetry(r.Context(), func(ctx context.Context) ([]auth.Invitation, error) {
		return a.invitations.List(ctx, identity, filter)
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	out := make([]invitationView, 0, len(list))
	for _, inv := range list {
		out = append(out, redact(inv))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invitations": out,
		"offset":      offset,
		"limit":       limit,
	})
}

func (a *API) handleInvitationResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	inv, err := withRetry(r.Context(), func(ctx context.Context) (auth.Invitation, error) {
		return a.invitations.Get(ctx, identity, r.PathValue("id"))
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(inv))
}

func (a *API) handleInvitationAction(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("action") != "cancel" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identity, ok := actor(w, r)
	if !ok {
		return
	}
	inv, err := a.invitations.Cancel(r.Context(), r.PathValue("id"), identity)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveInvitation(string(inv.Status))
	_ = audit.LogEvent(r.Context(), "invitation.cancelled", map[string]any{
		"invitation_id": inv.ID,
	})
	writeJSON(w, http.StatusOK, redact(inv))
}

func (a *API) handleInvitationLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	inv, err := withRetry(r.Context(), func(ctx context.Context) (auth.Invitation, error) {
		return a.invitations.Lookup(ctx, r.PathValue("code"))
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, codeLookupResponse{
		Email:     inv.Email,
		Status:    inv.Status,
		Valid:     inv.Status == auth.InvitationPending,
		ExpiresAt: inv.ExpiresAt,
	})
}

func (a *API) handleInvitationRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, "body", err)
		return
	}
	user, inv, err := a.invitations.Redeem(r.Context(), req.InvitationCode, auth.RegistrationData{
		Email:                req.Registration.Email,
		Password:             req.Registration.Password,
		PasswordConfirmation: req.Registration.PasswordConfirmation,
		FullName:             req.Registration.FullName,
		Username:             req.Registration.Username,
	})
	if err != nil {
		if auth.KindOf(err) == auth.KindPrecondition {
			_ = audit.LogEvent(r.Context(), "invitation.redeem.rejected", map[string]any{
				"reason": preconditionReason(err),
			})
		}
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveInvitation(string(inv.Status))
	ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{UserID: user.ID, Email: user.Email})
	_ = audit.LogEvent(ctx, "invitation.redeemed", map[string]any{
		"invitation_id": inv.ID,
		"role_ids":      user.RoleIDs,
	})
	writeJSON(w, http.StatusCreated, redeemResponse{User: user, Invitation: redact(inv)})
}
