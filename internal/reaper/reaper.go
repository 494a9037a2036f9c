package reaper

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/logging"
	"github.com/argonne-lcf/balsam/internal/leader"
	"github.com/argonne-lcf/balsam/internal/metrics"
	"github.com/argonne-lcf/balsam/internal/store"
)

type Config struct {
	// How often to look for expired leases.
	SweepPeriod time.Duration
	// A lease whose last heartbeat is at least this old is dead.
	ExpirationPeriod time.Duration
}

// Reaper removes leases whose holders have stopped heartbeating and returns their jobs to the pool.
// Sweeps are idempotent, so any number of reapers may run; the leader controller only avoids redundant work.
type Reaper struct {
	leases           store.LeaseStore
	pool             store.JobPool
	leaderController leader.LeaderController
	clock            clock.WithTicker
	config           Config
}

func New(leases store.LeaseStore, pool store.JobPool, leaderController leader.LeaderController, clock clock.WithTicker, config Config) *Reaper {
	return &Reaper{
		leases:           leases,
		pool:             pool,
		leaderController: leaderController,
		clock:            clock,
		config:           config,
	}
}

// Run sweeps every SweepPeriod until ctx is cancelled. Sweep errors are logged and retried on the next period.
func (r *Reaper) Run(ctx *balsamcontext.Context) error {
	ctx = balsamcontext.WithLogField(ctx, "service", "reaper")
	ctx.Log.Infof("Starting lease reaper with sweep period %s and expiration %s", r.config.SweepPeriod, r.config.ExpirationPeriod)
	ticker := r.clock.NewTicker(r.config.SweepPeriod)
	defer ticker.Stop()
	for {
		if err := r.sweepIfLeader(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("Lease sweep failed")
		}
		select {
		case <-ctx.Done():
			ctx.Log.Info("Stopping lease reaper")
			return nil
		case <-ticker.C():
		}
	}
}

func (r *Reaper) sweepIfLeader(ctx *balsamcontext.Context) error {
	token := r.leaderController.GetToken()
	if !r.leaderController.ValidateToken(token) {
		ctx.Log.Debug("Not the leader; skipping sweep")
		return nil
	}
	return r.Sweep(ctx)
}

// Sweep reaps every lease that has expired, then resolves job dependencies. A failure to reap one lease does
// not stop the others from being reaped; all failures are returned together.
func (r *Reaper) Sweep(ctx *balsamcontext.Context) error {
	start := r.clock.Now()
	cutoff := start.Add(-r.config.ExpirationPeriod)

	expired, err := r.leases.ListExpiredLeases(ctx, cutoff)
	if err != nil {
		return errors.WithMessage(err, "error listing expired leases")
	}

	var result *multierror.Error
	reaped := 0
	for _, lease := range expired {
		jobs, err := r.leases.ReapLease(ctx, lease.ID, cutoff)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "error reaping lease %s", lease.ID))
			continue
		}
		reaped++
		metrics.LeasesReaped.Inc()
		metrics.JobsReverted.Add(float64(len(jobs)))
		jobIDs := make([]int64, len(jobs))
		for i, job := range jobs {
			jobIDs[i] = job.ID
		}
		ctx.Log.WithFields(logrus.Fields{
			"lease":         lease.ID,
			"site":          lease.SiteID,
			"lastHeartbeat": lease.Heartbeat,
			"jobs":          jobIDs,
		}).Warnf("Reaped expired lease, returning %d jobs to the pool", len(jobs))
	}

	resolved, err := r.pool.ResolveDependencies(ctx)
	if err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "error resolving dependencies"))
	} else if resolved > 0 {
		metrics.DependenciesResolved.Add(float64(resolved))
		ctx.Log.Infof("Resolved dependencies of %d jobs", resolved)
	}

	if len(expired) > 0 {
		ctx.Log.Infof("Reaped %d of %d expired leases in %s", reaped, len(expired), r.clock.Since(start))
	}
	return result.ErrorOrNil()
}
