package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse.dev/internal/auth"
)

type stubSweeper struct {
	n     int
	err   error
	calls int
}

func (s *stubSweeper) SweepExpired(context.Context) (int, error) {
	s.calls++
	return s.n, s.err
}

func TestRunOnce(t *testing.T) {
	s := NewScheduler(time.Second)
	sweeper := &stubSweeper{n: 3}
	revocations := auth.NewMemoryRevocations()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, revocations.Revoke(ctx, "old", now.Add(-time.Minute)))
	require.NoError(t, revocations.Revoke(ctx, "live", now.Add(time.Minute)))

	require.NoError(t, s.Add("invitation_sweep", "@every 1m", InvitationSweep(sweeper)))
	require.NoError(t, s.Add("revocation_prune", "@every 5m", RevocationPrune(revocations, func() time.Time { return now })))

	counts, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"invitation_sweep": 3, "revocation_prune": 1}, counts)
	assert.Equal(t, 1, sweeper.calls)
	assert.Equal(t, 1, revocations.Len())
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	s := NewScheduler(time.Second)
	failing := &stubSweeper{err: errors.New("store down")}
	healthy := &stubSweeper{n: 1}
	require.NoError(t, s.Add("a_failing", "@every 1m", InvitationSweep(failing)))
	require.NoError(t, s.Add("b_healthy", "@every 1m", InvitationSweep(healthy)))

	counts, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a_failing")
	assert.Equal(t, 1, counts["b_healthy"])
	assert.Equal(t, 1, healthy.calls)
}

func TestAddValidation(t *testing.T) {
	s := NewScheduler(0)
	job := InvitationSweep(&stubSweeper{})
	assert.Error(t, s.Add("", "@every 1m", job))
	assert.Error(t, s.Add("sweep", "not a schedule", job))
	require.NoError(t, s.Add("sweep", "@every 1m", job))
	assert.Error(t, s.Add("sweep", "@every 1m", job))
}

func TestRunStopsWithContext(t *testing.T) {
	s := NewScheduler(time.Second)
	require.NoError(t, s.Add("sweep", "@every 1h", InvitationSweep(&stubSweeper{})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
