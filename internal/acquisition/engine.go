package acquisition

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/apps"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/metrics"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
)

// Engine hands out bounded batches of runnable jobs to leases.
type Engine struct {
	pool       store.JobPool
	leases     store.LeaseStore
	apps       *apps.Cache
	clock      clock.Clock
	expiration time.Duration
	pack       store.PackFunc
}

func NewEngine(pool store.JobPool, leases store.LeaseStore, appCache *apps.Cache, clock clock.Clock, expiration time.Duration) *Engine {
	return &Engine{
		pool:       pool,
		leases:     leases,
		apps:       appCache,
		clock:      clock,
		expiration: expiration,
		pack:       Pack,
	}
}

// Acquire atomically assigns up to budget.MaxNumJobs runnable jobs to the lease and returns them.
// Runnable jobs are moved to RUNNING. An empty result is not an error.
func (e *Engine) Acquire(ctx *balsamcontext.Context, leaseID string, budget model.Budget) ([]*model.Job, error) {
	start := e.clock.Now()
	jobs, err := e.acquire(ctx, leaseID, budget)
	taken := e.clock.Since(start)
	if err != nil {
		metrics.AcquireLatency.WithLabelValues("error").Observe(taken.Seconds())
		return nil, err
	}
	metrics.AcquireLatency.WithLabelValues("success").Observe(taken.Seconds())
	return jobs, nil
}

func (e *Engine) acquire(ctx *balsamcontext.Context, leaseID string, budget model.Budget) ([]*model.Job, error) {
	if err := budget.Validate(); err != nil {
		return nil, err
	}
	ctx = balsamcontext.WithLogField(ctx, "lease", leaseID)

	lease, err := e.leases.GetLease(ctx, leaseID)
	if err != nil {
		return nil, errors.WithMessage(err, "error looking up lease")
	}
	siteApps, err := e.apps.SiteAppIDs(ctx, lease.SiteID)
	if err != nil {
		return nil, errors.WithMessagef(err, "error looking up apps for site %d", lease.SiteID)
	}
	budget.AppIDs = restrictApps(budget.AppIDs, siteApps)
	if len(budget.AppIDs) == 0 {
		ctx.Log.Debugf("No apps registered for site %d; nothing to acquire", lease.SiteID)
		return []*model.Job{}, nil
	}

	jobs, err := e.pool.AcquireJobs(ctx, store.AcquireRequest{
		LeaseID:     leaseID,
		Budget:      budget,
		LeaseCutoff: e.clock.Now().Add(-e.expiration),
		Pack:        e.pack,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "error acquiring jobs")
	}
	if len(jobs) > 0 {
		metrics.JobsAcquired.WithLabelValues(strconv.FormatInt(lease.SiteID, 10)).Add(float64(len(jobs)))
		ctx.Log.WithFields(logrus.Fields{
			"jobs":      jobIDs(jobs),
			"footprint": totalFootprint(jobs),
		}).Infof("Acquired %d jobs", len(jobs))
	}
	return jobs, nil
}

// restrictApps intersects the apps requested in a budget with the apps of the lease's site.
// Both inputs are treated as sets; an empty request means every app of the site.
func restrictApps(requested []int64, site []int64) []int64 {
	if len(requested) == 0 {
		return slices.Clone(site)
	}
	allowed := make([]int64, 0, len(requested))
	for _, id := range requested {
		if slices.Contains(site, id) && !slices.Contains(allowed, id) {
			allowed = append(allowed, id)
		}
	}
	return allowed
}

func jobIDs(jobs []*model.Job) []int64 {
	ids := make([]int64, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids
}

func totalFootprint(jobs []*model.Job) float64 {
	total := 0.0
	for _, job := range jobs {
		total += job.NodeFootprint()
	}
	return total
}
