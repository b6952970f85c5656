package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse.dev/internal/auth"
)

func newTestStore(t *testing.T, now time.Time) (*Revocations, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, WithPrefix("test"), WithClock(func() time.Time { return now })), mr
}

func TestRevokeExpiresWithToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mr := newTestStore(t, now)
	ctx := context.Background()

	require.NoError(t, store.Revoke(ctx, "tok-1", now.Add(10*time.Minute)))
	assert.True(t, mr.Exists("test:tok-1"))
	assert.Equal(t, 10*time.Minute, mr.TTL("test:tok-1"))

	revoked, err := store.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = store.IsRevoked(ctx, "tok-2")
	require.NoError(t, err)
	assert.False(t, revoked)

	mr.FastForward(10 * time.Minute)
	revoked, err = store.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeSkipsExpiredTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mr := newTestStore(t, now)

	require.NoError(t, store.Revoke(context.Background(), "old", now.Add(-time.Second)))
	assert.False(t, mr.Exists("test:old"))
}

func TestUnreachableRedisFailsClosed(t *testing.T) {
	now := time.Now()
	store, mr := newTestStore(t, now)
	mr.Close()

	_, err := store.IsRevoked(context.Background(), "tok-1")
	require.Error(t, err)
	assert.Error(t, store.Ping(context.Background()))
}

func TestTokenManagerWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	users := auth.NewMemoryStore()
	catalog, err := auth.DefaultCatalog()
	require.NoError(t, err)
	_, err = auth.Bootstrap(ctx, users, catalog, auth.AdminSeed{Email: "root@example.com", Password: "Sup3r!secret"})
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tokens, err := auth.NewTokenManager(users, "0123456789abcdef0123456789abcdef", auth.WithRevocations(New(client)))
	require.NoError(t, err)

	token, _, err := tokens.Issue(ctx, "root@example.com", "Sup3r!secret")
	require.NoError(t, err)
	require.NoError(t, tokens.Revoke(ctx, token.Value))

	_, err = tokens.Validate(ctx, token.Value)
	assert.ErrorIs(t, err, auth.ErrTokenRevoked)

	other, _, err := tokens.Issue(ctx, "root@example.com", "Sup3r!secret")
	require.NoError(t, err)
	mr.Close()
	_, err = tokens.Validate(ctx, other.Value)
	assert.True(t, errors.Is(err, auth.ErrUnavailable), "got %v", err)
}
