package auth

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// RevocationStore tracks token ids invalidated before their natural expiry.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RevocationPruner is implemented by tracks that need explicit cleanup.
type RevocationPruner interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

// MemoryRevocations is a process-local revocation track.
type MemoryRevocations struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{entries: make(map[string]time.Time)}
}

func (m *MemoryRevocations) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tokenID] = expiresAt
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[tokenID]
	return ok, nil
}

// Prune drops entries whose token has expired by now; such tokens fail
// validation on expiry alone.
func (m *MemoryRevocations) Prune(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of tracked ids.
func (m *MemoryRevocations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// CachedRevocations keeps recent positive lookups in an expirable LRU in
// front of a shared track. Negative answers are never cached, so a revoke on
// another instance is visible on the next lookup.
type CachedRevocations struct {
	next  RevocationStore
	cache *lru.LRU[string, struct{}]
}

// NewCachedRevocations wraps next. ttl should be at least the token lifetime.
func NewCachedRevocations(next RevocationStore, size int, ttl time.Duration) *CachedRevocations {
	if size <= 0 {
		size = 4096
	}
	return &CachedRevocations{
		next:  next,
		cache: lru.NewLRU[string, struct{}](size, nil, ttl),
	}
}

func (c *CachedRevocations) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if err := c.next.Revoke(ctx, tokenID, expiresAt); err != nil {
		return err
	}
	c.cache.Add(tokenID, struct{}{})
	return nil
}

func (c *CachedRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if _, ok := c.cache.Get(tokenID); ok {
		return true, nil
	}
	revoked, err := c.next.IsRevoked(ctx, tokenID)
	if err != nil {
		return false, err
	}
	if revoked {
		c.cache.Add(tokenID, struct{}{})
	}
	return revoked, nil
}

// Prune forwards to the wrapped track when it supports pruning.
func (c *CachedRevocations) Prune(ctx context.Context, now time.Time) (int, error) {
	if p, ok := c.next.(RevocationPruner); ok {
		return p.Prune(ctx, now)
	}
	return 0, nil
}
