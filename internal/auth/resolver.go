package auth

import (
	"context"
	"fmt"
	"time"
)

const defaultStoreTimeout = 3 * time.Second

// Resolver computes effective permissions from the store. It never caches:
// every call reflects the current role assignments.
type Resolver struct {
	users   UserStore
	timeout time.Duration
}

// NewResolver builds a resolver. A non-positive timeout selects the default.
func NewResolver(users UserStore, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &Resolver{users: users, timeout: timeout}
}

// EffectivePermissions returns the union of permissions of the user's roles.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID string) (PermissionSet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	roles, err := r.users.RolesForUser(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	return Effective(roles), nil
}

// Authorize evaluates required against the user's current permissions.
func (r *Resolver) Authorize(ctx context.Context, userID string, required []string) (Decision, error) {
	have, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return Authorize(have, required), nil
}

// storeError keeps domain errors intact and reports anything else, deadline
// overruns included, as ErrUnavailable.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
