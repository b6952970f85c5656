// Package redisstore keeps revoked token ids in Redis so every API replica
// sees the same revocations.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"gatehouse.dev/internal/auth"
)

const defaultPrefix = "gatehouse:revoked"

// Revocations stores one key per revoked token id. Keys expire with the token,
// so Redis does the pruning.
type Revocations struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ auth.RevocationStore = (*Revocations)(nil)

// Option configures Revocations.
type Option func(*Revocations)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) Option {
	return func(r *Revocations) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithClock overrides the time source used to compute key lifetimes.
func WithClock(fn func() time.Time) Option {
	return func(r *Revocations) {
		if fn != nil {
			r.now = fn
		}
	}
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Revocations {
	r := &Revocations{client: client, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open parses a redis:// URL and returns a connected store.
func Open(ctx context.Context, url string, opts ...Option) (*Revocations, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r := New(redis.NewClient(options), opts...)
	if err := r.Ping(ctx); err != nil {
		_ = r.client.Close()
		return nil, err
	}
	return r, nil
}

func (r *Revocations) key(tokenID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, tokenID)
}

// Revoke records tokenID until expiresAt. Tokens that already expired need no
// entry because validation rejects them anyway.
func (r *Revocations) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.key(tokenID), expiresAt.UTC().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Revocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *Revocations) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Revocations) Close() error { return r.client.Close() }
