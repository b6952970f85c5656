package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"gatehouse.dev/internal/ids"
)

const (
	defaultInvitationTTL = 7 * 24 * time.Hour
	maxCodeAttempts      = 5
)

// GenerateRequest describes a new invitation. A zero ExpiresAt selects the
// engine's default lifetime.
type GenerateRequest struct {
	Email     string
	RoleIDs   []string
	ExpiresAt time.Time
}

// RegistrationData is supplied by the invitee when redeeming a code.
type RegistrationData struct {
	Email                string
	Password             string
	PasswordConfirmation string
	FullName             string
	Username             string
}

// InvitationEngine drives the invitation lifecycle:
// pending -> accepted | expired | cancelled, with no exits from terminal states.
type InvitationEngine struct {
	store   Store
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	newCode func() (string, error)
}

// InvitationOption configures InvitationEngine behavior.
type InvitationOption func(*InvitationEngine) error

// WithInvitationTTL sets the lifetime applied when a request has no expiry.
func WithInvitationTTL(ttl time.Duration) InvitationOption {
	return func(e *InvitationEngine) error {
		if ttl < 0 {
			return errors.New("auth: invitation ttl must be positive")
		}
		if ttl > 0 {
			e.ttl = ttl
		}
		return nil
	}
}

// WithInvitationClock overrides time source (useful for tests).
func WithInvitationClock(fn func() time.Time) InvitationOption {
	return func(e *InvitationEngine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithCodeGenerator replaces the invitation code source.
func WithCodeGenerator(fn func() (string, error)) InvitationOption {
	return func(e *InvitationEngine) error {
		if fn != nil {
			e.newCode = fn
		}
		return nil
	}
}

// WithInvitationTimeout bounds store calls made by the engine.
func WithInvitationTimeout(d time.Duration) InvitationOption {
	return func(e *InvitationEngine) error {
		if d > 0 {
			e.timeout = d
		}
		return nil
	}
}

// NewInvitationEngine constructs an engine backed by store.
func NewInvitationEngine(store Store, opts ...InvitationOption) (*InvitationEngine, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	e := &InvitationEngine{
		store:   store,
		ttl:     defaultInvitationTTL,
		timeout: defaultStoreTimeout,
		now:     time.Now,
		newCode: ids.Code,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Generate issues a new pending invitation on behalf of issuer.
func (e *InvitationEngine) Generate(ctx context.Context, issuer Identity, req GenerateRequest) (Invitation, error) {
	if err := Require(issuer, PermInvitationCreate); err != nil {
		return Invitation{}, err
	}
	email, err := validateEmail(req.Email)
	if err != nil {
		return Invitation{}, err
	}
	now := e.now().UTC()
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(e.ttl)
	}
	if !expiresAt.After(now) {
		return Invitation{}, fieldError(ErrInvalidExpiration, "expires_at", "must be in the future")
	}
	roleIDs := dedupe(req.RoleIDs)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	for _, id := range roleIDs {
		if _, err := e.store.RoleByID(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return Invitation{}, fieldError(ErrInvalidInput, "role_ids", "unknown role "+id)
			}
			return Invitation{}, storeError(err)
		}
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := e.newCode()
		if err != nil {
			return Invitation{}, fmt.Errorf("generate invitation code: %w", err)
		}
		if _, err := e.store.InvitationByCode(ctx, code); err == nil {
			continue
		} else if !errors.Is(err, ErrInvitationNotFound) {
			return Invitation{}, storeError(err)
		}
		inv, err := e.store.CreateInvitation(ctx, Invitation{
			ID:        ids.New(),
			Code:      code,
			Email:     email,
			RoleIDs:   roleIDs,
			Status:    InvitationPending,
			CreatedBy: issuer.UserID,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: expiresAt.UTC(),
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return Invitation{}, fieldError(ErrInvalidInput, "role_ids", "role removed while generating invitation")
		}
		if err != nil {
			return Invitation{}, storeError(err)
		}
		return inv, nil
	}
	return Invitation{}, fmt.Errorf("%w: could not allocate a unique invitation code", ErrUnavailable)
}

// Redeem consumes a pending invitation and creates the invited user.
//
// Checks run in a fixed order: unknown code, expiry by time (which wins over
// any stored status), status, email, then password policy. The final
// transition is a compare-and-set in the store, so of two concurrent callers
// exactly one succeeds and the other sees ErrInvitationNotPending.
func (e *InvitationEngine) Redeem(ctx context.Context, code string, reg RegistrationData) (User, Invitation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return User{}, Invitation{}, ErrInvitationNotFound
	}
	inv, err := e.byCode(ctx, code)
	if err != nil {
		return User{}, Invitation{}, err
	}
	now := e.now().UTC()
	if !now.Before(inv.ExpiresAt) || inv.Status == InvitationExpired {
		return User{}, Invitation{}, ErrInvitationExpired
	}
	if inv.Status != InvitationPending {
		return User{}, Invitation{}, fmt.Errorf("%w: status is %s", ErrInvitationNotPending, inv.Status)
	}
	if normalizeEmail(reg.Email) != inv.Email {
		return User{}, Invitation{}, fieldError(ErrEmailMismatch, "email", "must match the invited address")
	}
	if err := ValidatePassword(reg.Password, reg.PasswordConfirmation); err != nil {
		return User{}, Invitation{}, err
	}
	hash, err := HashPassword(reg.Password)
	if err != nil {
		return User{}, Invitation{}, err
	}

	// Past this point the redemption either commits fully or not at all, so
	// caller cancellation no longer applies; the timeout still does.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	user, accepted, err := e.store.RedeemInvitation(commitCtx, code, NewUser{
		Email:        inv.Email,
		Username:     strings.TrimSpace(reg.Username),
		FullName:     strings.TrimSpace(reg.FullName),
		PasswordHash: hash,
		Status:       UserStatusActive,
	}, now)
	if err != nil {
		return User{}, Invitation{}, storeError(err)
	}
	return user, accepted, nil
}

// Cancel moves a pending invitation to cancelled. Holders of
// invitation.manage may cancel any invitation; the original issuer may
// cancel their own while holding invitation.create.
func (e *InvitationEngine) Cancel(ctx context.Context, id string, actor Identity) (Invitation, error) {
	manage := actor.Permissions.Has(PermInvitationManage)
	if !manage && !actor.Permissions.Has(PermInvitationCreate) {
		return Invitation{}, Require(actor, PermInvitationManage)
	}
	inv, err := e.byID(ctx, id)
	if err != nil {
		return Invitation{}, err
	}
	if !manage && inv.CreatedBy != actor.UserID {
		return Invitation{}, Require(actor, PermInvitationManage)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	out, err := e.store.CancelInvitation(ctx, inv.ID, e.now().UTC())
	if err != nil {
		return Invitation{}, storeError(err)
	}
	return out, nil
}

// Get returns one invitation with its effective status.
func (e *InvitationEngine) Get(ctx context.Context, actor Identity, id string) (Invitation, error) {
	if err := Require(actor, PermInvitationRead); err != nil {
		return Invitation{}, err
	}
	inv, err := e.byID(ctx, id)
	if err != nil {
		return Invitation{}, err
	}
	inv.Status = inv.StatusAt(e.now())
	return inv, nil
}

// List sweeps expired invitations and then returns those matching filter.
func (e *InvitationEngine) List(ctx context.Context, actor Identity, filter InvitationFilter) ([]Invitation, error) {
	if err := Require(actor, PermInvitationList); err != nil {
		return nil, err
	}
	if filter.Status != "" {
		if _, ok := ParseInvitationStatus(string(filter.Status)); !ok {
			return nil, fieldError(ErrInvalidInput, "status", "unknown status "+string(filter.Status))
		}
	}
	if _, err := e.SweepExpired(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	out, err := e.store.ListInvitations(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	return out, nil
}

// Lookup resolves a code for an unauthenticated invitee, reporting the
// effective status without changing it.
func (e *InvitationEngine) Lookup(ctx context.Context, code string) (Invitation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Invitation{}, ErrInvitationNotFound
	}
	inv, err := e.byCode(ctx, code)
	if err != nil {
		return Invitation{}, err
	}
	inv.Status = inv.StatusAt(e.now())
	return inv, nil
}

// SweepExpired persists the expired status for overdue pending invitations.
func (e *InvitationEngine) SweepExpired(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	n, err := e.store.ExpireInvitations(ctx, e.now().UTC())
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

func (e *InvitationEngine) byCode(ctx context.Context, code string) (Invitation, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	inv, err := e.store.InvitationByCode(ctx, code)
	if err != nil {
		return Invitation{}, storeError(err)
	}
	return inv, nil
}

func (e *InvitationEngine) byID(ctx context.Context, id string) (Invitation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Invitation{}, ErrInvitationNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	inv, err := e.store.InvitationByID(ctx, id)
	if err != nil {
		return Invitation{}, storeError(err)
	}
	return inv, nil
}

func validateEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	if email == "" {
		return "", fieldError(ErrInvalidInput, "email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fieldError(ErrInvalidInput, "email", "is not a valid address")
	}
	return email, nil
}
