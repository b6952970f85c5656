package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// CheckRequest names an external operation and the permissions it needs.
type CheckRequest struct {
	Operation           string
	Method              string
	RequiredPermissions []string
}

// CheckResult is the gateway's answer. A denial always carries the missing set.
type CheckResult struct {
	Authorized          bool     `json:"authorized"`
	UserID              string   `json:"user_id"`
	Email               string   `json:"email,omitempty"`
	UserPermissions     []string `json:"user_permissions"`
	RequiredPermissions []string `json:"required_permissions"`
	MissingPermissions  []string `json:"missing_permissions"`
	Operation           string   `json:"operation,omitempty"`
	Method              string   `json:"method,omitempty"`
}

// Gateway is the request-time authorization decision point. Internal
// handlers and external callers go through the same Authenticate and
// Authorize path.
type Gateway struct {
	tokens     *TokenManager
	users      UserStore
	verifyLive bool
	timeout    time.Duration
}

// GatewayOption configures Gateway behavior.
type GatewayOption func(*Gateway)

// WithLiveUserCheck makes every authentication confirm the user is still
// active in the store, trading one read for immediate effect of deletions.
func WithLiveUserCheck(users UserStore) GatewayOption {
	return func(g *Gateway) {
		if users != nil {
			g.users = users
			g.verifyLive = true
		}
	}
}

func NewGateway(tokens *TokenManager, opts ...GatewayOption) *Gateway {
	g := &Gateway{tokens: tokens, timeout: defaultStoreTimeout}
	if tokens != nil {
		g.timeout = tokens.timeout
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate validates raw and returns the identity it carries.
func (g *Gateway) Authenticate(ctx context.Context, raw string) (Identity, error) {
	identity, err := g.tokens.Validate(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	if !g.verifyLive {
		return identity, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	user, err := g.users.UserByID(ctx, identity.UserID)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, ErrAccountDisabled
	}
	if err != nil {
		return Identity{}, storeError(err)
	}
	if !user.Active() {
		return Identity{}, ErrAccountDisabled
	}
	return identity, nil
}

// Check authenticates raw and evaluates req against the token's snapshot.
// An authentication failure is returned as an error; a permission shortfall
// is a successful call with Authorized=false.
func (g *Gateway) Check(ctx context.Context, raw string, req CheckRequest) (CheckResult, error) {
	identity, err := g.Authenticate(ctx, raw)
	if err != nil {
		return CheckResult{}, err
	}
	return g.Evaluate(identity, req), nil
}

// Evaluate decides req for an already authenticated identity.
func (g *Gateway) Evaluate(identity Identity, req CheckRequest) CheckResult {
	d := Authorize(identity.Permissions, req.RequiredPermissions)
	return CheckResult{
		Authorized:          d.Granted,
		UserID:              identity.UserID,
		Email:               identity.Email,
		UserPermissions:     identity.Permissions.Keys(),
		RequiredPermissions: d.Required,
		MissingPermissions:  d.Missing,
		Operation:           strings.TrimSpace(req.Operation),
		Method:              strings.ToUpper(strings.TrimSpace(req.Method)),
	}
}

// Permissions returns the caller's effective permission snapshot.
func (g *Gateway) Permissions(ctx context.Context, raw string) (Identity, error) {
	return g.Authenticate(ctx, raw)
}
