package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultTokenTTL = 15 * time.Minute
	defaultIssuer   = "gatehouse"
	minSecretLength = 32
	tokenTypeBearer = "Bearer"
)

// TokenManager issues, validates, refreshes and revokes session tokens.
// Tokens embed a permission snapshot taken at issuance; role changes become
// visible on the next Issue or Refresh.
type TokenManager struct {
	users       UserStore
	resolver    *Resolver
	revocations RevocationStore
	codec       tokenCodec
	ttl         time.Duration
	timeout     time.Duration
	now         func() time.Time
}

// TokenOption configures TokenManager behavior.
type TokenOption func(*TokenManager) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(m *TokenManager) error {
		issuer = strings.TrimSpace(issuer)
		if issuer != "" {
			m.codec.issuer = issuer
		}
		return nil
	}
}

// WithTokenTTL configures token lifetime. Token timestamps have one second
// resolution, so the lifetime must be a whole number of seconds.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) error {
		if ttl < 0 {
			return errors.New("auth: token ttl must be positive")
		}
		if ttl%time.Second != 0 {
			return fmt.Errorf("auth: token ttl %s is not a whole number of seconds", ttl)
		}
		if ttl > 0 {
			m.ttl = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(m *TokenManager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithRevocations replaces the in-process revocation track.
func WithRevocations(r RevocationStore) TokenOption {
	return func(m *TokenManager) error {
		if r != nil {
			m.revocations = r
		}
		return nil
	}
}

// WithStoreTimeout bounds every store and revocation read.
func WithStoreTimeout(d time.Duration) TokenOption {
	return func(m *TokenManager) error {
		if d > 0 {
			m.timeout = d
		}
		return nil
	}
}

// NewTokenManager constructs a TokenManager signing with secret.
func NewTokenManager(users UserStore, secret string, opts ...TokenOption) (*TokenManager, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes", minSecretLength)
	}
	m := &TokenManager{
		users:       users,
		revocations: NewMemoryRevocations(),
		codec:       tokenCodec{secret: []byte(secret), issuer: defaultIssuer},
		ttl:         defaultTokenTTL,
		timeout:     defaultStoreTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.resolver = NewResolver(users, m.timeout)
	return m, nil
}

// TTL returns the configured token lifetime.
func (m *TokenManager) TTL() time.Duration { return m.ttl }

// Revocations exposes the revocation track, e.g. for pruning.
func (m *TokenManager) Revocations() RevocationStore { return m.revocations }

// Issue authenticates credentials and mints a token. Unknown emails and
// wrong passwords both yield ErrInvalidCredentials; ErrAccountDisabled is
// only reported once the password has been verified.
func (m *TokenManager) Issue(ctx context.Context, email, password string) (Token, Identity, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Token{}, Identity{}, ErrInvalidCredentials
	}
	user, err := m.lookup(ctx, func(ctx context.Context) (User, error) {
		return m.users.UserByEmail(ctx, email)
	})
	if errors.Is(err, ErrNotFound) {
		_ = VerifyPassword(string(dummyHash), password)
		return Token{}, Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Token{}, Identity{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Token{}, Identity{}, ErrInvalidCredentials
	}
	if !user.Active() {
		return Token{}, Identity{}, ErrAccountDisabled
	}
	return m.mint(ctx, user)
}

// Validate verifies a raw token and returns the identity it carries.
func (m *TokenManager) Validate(ctx context.Context, raw string) (Identity, error) {
	claims, err := m.codec.parse(raw, m.now())
	if err != nil {
		return Identity{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	revoked, err := m.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: revocation lookup: %v", ErrUnavailable, err)
	}
	if revoked {
		return Identity{}, ErrTokenRevoked
	}
	return identityFromClaims(claims), nil
}

// Refresh exchanges a valid token for a new one carrying a freshly computed
// permission snapshot. The presented token is revoked.
func (m *TokenManager) Refresh(ctx context.Context, raw string) (Token, Identity, error) {
	current, err := m.Validate(ctx, raw)
	if err != nil {
		return Token{}, Identity{}, err
	}
	user, err := m.lookup(ctx, func(ctx context.Context) (User, error) {
		return m.users.UserByID(ctx, current.UserID)
	})
	if errors.Is(err, ErrNotFound) {
		return Token{}, Identity{}, ErrTokenInvalid
	}
	if err != nil {
		return Token{}, Identity{}, err
	}
	if !user.Active() {
		return Token{}, Identity{}, ErrAccountDisabled
	}
	token, identity, err := m.mint(ctx, user)
	if err != nil {
		return Token{}, Identity{}, err
	}
	if err := m.revoke(ctx, current); err != nil {
		return Token{}, Identity{}, err
	}
	return token, identity, nil
}

// Revoke invalidates raw until its natural expiry. Revoking an already
// revoked token is a no-op.
func (m *TokenManager) Revoke(ctx context.Context, raw string) error {
	identity, err := m.Validate(ctx, raw)
	if errors.Is(err, ErrTokenRevoked) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.revoke(ctx, identity)
}

func (m *TokenManager) revoke(ctx context.Context, identity Identity) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.revocations.Revoke(ctx, identity.TokenID, identity.ExpiresAt); err != nil {
		return fmt.Errorf("%w: revoke token: %v", ErrUnavailable, err)
	}
	return nil
}

func (m *TokenManager) mint(ctx context.Context, user User) (Token, Identity, error) {
	perms, err := m.resolver.EffectivePermissions(ctx, user.ID)
	if err != nil {
		return Token{}, Identity{}, err
	}
	signed, claims, err := m.codec.sign(user, perms, m.now(), m.ttl)
	if err != nil {
		return Token{}, Identity{}, err
	}
	identity := identityFromClaims(&claims)
	return Token{
		Value:     signed,
		Type:      tokenTypeBearer,
		IssuedAt:  identity.IssuedAt,
		ExpiresAt: identity.ExpiresAt,
	}, identity, nil
}

func (m *TokenManager) lookup(ctx context.Context, fn func(context.Context) (User, error)) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	user, err := fn(ctx)
	if err != nil {
		return User{}, storeError(err)
	}
	return user, nil
}
