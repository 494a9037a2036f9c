package launcher

import (
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/argonne-lcf/balsam/internal/acquisition"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/common/logging"
	"github.com/argonne-lcf/balsam/internal/metrics"
	"github.com/argonne-lcf/balsam/internal/model"
)

// Acquirer hands out jobs held by a lease. Implemented by session.Session.
type Acquirer interface {
	Acquire(ctx *balsamcontext.Context, budget model.Budget) ([]*model.Job, error)
}

// JobSource supplies the launcher with jobs that fit the given budget.
type JobSource interface {
	Jobs(ctx *balsamcontext.Context, budget model.Budget) ([]*model.Job, error)
}

type RetryConfig struct {
	// Total attempts, including the first.
	Attempts uint
	// Delay before the first retry. Doubles after every attempt.
	Delay time.Duration
}

// acquireWithRetry retries transient errors with exponential backoff. Errors that cannot succeed on retry,
// such as a lost lease, are returned immediately.
func acquireWithRetry(ctx *balsamcontext.Context, acquirer Acquirer, budget model.Budget, config RetryConfig) ([]*model.Job, error) {
	var jobs []*model.Job
	err := retry.Do(
		func() error {
			var err error
			jobs, err = acquirer.Acquire(ctx, budget)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(config.Attempts),
		retry.Delay(config.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(balsamerrors.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			logging.WithStacktrace(ctx.Log, err).Warnf("Acquire attempt %d failed; retrying", n+1)
		}),
	)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// SynchronousJobSource acquires exactly what the launcher asks for, when it asks.
type SynchronousJobSource struct {
	acquirer Acquirer
	retry    RetryConfig
}

func NewSynchronousJobSource(acquirer Acquirer, retry RetryConfig) *SynchronousJobSource {
	return &SynchronousJobSource{
		acquirer: acquirer,
		retry:    retry,
	}
}

func (s *SynchronousJobSource) Jobs(ctx *balsamcontext.Context, budget model.Budget) ([]*model.Job, error) {
	return acquireWithRetry(ctx, s.acquirer, budget, s.retry)
}

// PrefetchJobSource keeps up to depth acquired jobs buffered so that freed nodes can be refilled without a
// round trip to the store. Buffered jobs are already held by the lease.
type PrefetchJobSource struct {
	acquirer Acquirer
	retry    RetryConfig
	depth    int
	// Budget used to fill the buffer. Its job count and aggregate node cap are overridden.
	template model.Budget
	mu       sync.Mutex
	buffer   []*model.Job
}

func NewPrefetchJobSource(acquirer Acquirer, retry RetryConfig, depth int, template model.Budget) *PrefetchJobSource {
	return &PrefetchJobSource{
		acquirer: acquirer,
		retry:    retry,
		depth:    depth,
		template: template,
		buffer:   []*model.Job{},
	}
}

// Fill tops the buffer up to its depth. Errors are logged; the next call tries again.
func (s *PrefetchJobSource) Fill(ctx *balsamcontext.Context) {
	if err := s.fill(ctx); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Failed to prefetch jobs")
	}
}

func (s *PrefetchJobSource) fill(ctx *balsamcontext.Context) error {
	wanted := s.depth - s.Buffered()
	if wanted <= 0 {
		return nil
	}
	budget := s.template
	budget.MaxNumJobs = wanted
	budget.MaxAggregateNodes = 0
	jobs, err := acquireWithRetry(ctx, s.acquirer, budget, s.retry)
	if err != nil {
		return errors.WithMessage(err, "error acquiring jobs")
	}
	if len(jobs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, jobs...)
	metrics.PrefetchedJobs.Set(float64(len(s.buffer)))
	ctx.Log.Debugf("Prefetched %d jobs; %d buffered", len(jobs), len(s.buffer))
	return nil
}

// Jobs removes and returns the buffered jobs that fit budget, packed the same way as an acquisition.
func (s *PrefetchJobSource) Jobs(_ *balsamcontext.Context, budget model.Budget) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taken := acquisition.PackHeld(s.buffer, budget)
	if len(taken) == 0 {
		return taken, nil
	}
	takenIDs := make(map[int64]bool, len(taken))
	for _, job := range taken {
		takenIDs[job.ID] = true
	}
	remaining := make([]*model.Job, 0, len(s.buffer)-len(taken))
	for _, job := range s.buffer {
		if !takenIDs[job.ID] {
			remaining = append(remaining, job)
		}
	}
	s.buffer = remaining
	metrics.PrefetchedJobs.Set(float64(len(s.buffer)))
	return taken, nil
}

func (s *PrefetchJobSource) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
