// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

// Job performs one maintenance pass and reports how many records it changed.
type Job func(ctx context.Context) (int, error)

// Scheduler owns the cron instance and the registered jobs.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]Job
}

// NewScheduler returns a Scheduler whose runs are bounded by timeout.
func NewScheduler(timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
		jobs:    make(map[string]Job),
	}
}

// Add registers job under name with a cron spec such as "@every 1m".
func (s *Scheduler) Add(name, spec string, job Job) error {
	if name == "" || job == nil {
		return errors.New("jobs: name and job are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("jobs: %s already registered", name)
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(context.Background(), name, job) }); err != nil {
		return fmt.Errorf("jobs: schedule %s: %w", name, err)
	}
	s.jobs[name] = job
	return nil
}

// Run starts the schedule and blocks until ctx is done, then waits for
// in-flight runs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	obs.Logger().WithField("jobs", s.names()).Info("jobs_started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	obs.Logger().Info("jobs_stopped")
	return nil
}

// RunOnce runs every registered job immediately in name order and returns
// the per-job counts. The first error is returned after all jobs ran.
func (s *Scheduler) RunOnce(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	var firstErr error
	for _, name := range s.names() {
		s.mu.Lock()
		job := s.jobs[name]
		s.mu.Unlock()
		n, err := s.run(ctx, name, job)
		out[name] = n
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
	}
	return out, firstErr
}

func (s *Scheduler) run(ctx context.Context, name string, job Job) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	n, err := job(ctx)
	obs.ObserveJob(name, n, err)
	entry := obs.Logger().WithField("job", name).WithField("affected", n).
		WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		entry.WithError(err).Warn("job_failed")
	} else if n > 0 {
		entry.Info("job_complete")
	} else {
		entry.Debug("job_complete")
	}
	return n, err
}

func (s *Scheduler) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Sweeper persists expiry for pending invitations past their deadline.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// InvitationSweep adapts an invitation engine to a Job.
func InvitationSweep(sweeper Sweeper) Job {
	return sweeper.SweepExpired
}

// RevocationPrune drops revocation entries whose tokens have expired anyway.
func RevocationPrune(pruner auth.RevocationPruner, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (int, error) {
		return pruner.Prune(ctx, now())
	}
}
