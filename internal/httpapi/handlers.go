package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

const serviceName = "gatehouse"

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings every registered dependency; the first failure wins.
type ReadyProbe struct {
	Deps map[string]Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	names := make([]string, 0, len(rp.Deps))
	for name := range rp.Deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.Deps[name].Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Deps wires the API to the auth services.
type Deps struct {
	Version        string
	Gateway        *auth.Gateway
	Tokens         *auth.TokenManager
	Invitations    *auth.InvitationEngine
	RBAC           *auth.RBACService
	Ready          readinessChecker
	AllowedOrigins []string
	MaxBodyBytes   int64
	RateBurst      int
	RatePerSecond  int
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	gateway     *auth.Gateway
	tokens      *auth.TokenManager
	invitations *auth.InvitationEngine
	rbac        *auth.RBACService
	ready       readinessChecker
	version     string
	origins     []string
	maxBody     int64
	rateBurst   int
	ratePerSec  int
}

func New(d Deps) *API {
	a := &API{
		mux:         http.NewServeMux(),
		gateway:     d.Gateway,
		tokens:      d.Tokens,
		invitations: d.Invitations,
		rbac:        d.RBAC,
		ready:       d.Ready,
		version:     d.Version,
		origins:     d.AllowedOrigins,
		maxBody:     d.MaxBodyBytes,
		rateBurst:   d.RateBurst,
		ratePerSec:  d.RatePerSecond,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}

	// ops
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// sessions and decisions; credential endpoints are throttled per client
	a.mux.Handle("/v1/auth/token", RateLimit(http.HandlerFunc(a.handleAuthToken), a.rateBurst, a.ratePerSec))
	a.mux.HandleFunc("/v1/auth/refresh", a.handleAuthRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleAuthLogout)
	a.mux.HandleFunc("/v1/auth/me", a.handleAuthMe)
	a.mux.Handle("/v1/auth/change-password", RateLimit(http.HandlerFunc(a.handleAuthChangePassword), a.rateBurst, a.ratePerSec))
	a.mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)
	a.mux.HandleFunc("/v1/authz/permissions", a.handleAuthzPermissions)

	// invitations
	a.mux.HandleFunc("/v1/invitations", a.handleInvitations)
	a.mux.Handle("/v1/invitations/redeem", RateLimit(http.HandlerFunc(a.handleInvitationRedeem), a.rateBurst, a.ratePerSec))
	a.mux.HandleFunc("/v1/invitations/code/{code}", a.handleInvitationLookup)
	a.mux.HandleFunc("/v1/invitations/{id}", a.handleInvitationResource)
	a.mux.HandleFunc("/v1/invitations/{id}/{action}", a.handleInvitationAction)

	// catalog
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/{id}", a.handleRoleResource)
	a.mux.HandleFunc("/v1/roles/{id}/permissions", a.handleRolePermissions)
	a.mux.HandleFunc("/v1/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/{id}", a.handleUserResource)
	a.mux.HandleFunc("/v1/users/{id}/roles", a.handleUserRoles)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
