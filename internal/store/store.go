// Package store defines the transactional job pool and lease store shared by all launchers.
// Every operation that reads and then writes pool state runs inside a single transaction of the
// backing implementation, so that concurrent launchers never observe or produce a job held by two leases.
package store

import (
	"time"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/model"
)

// PackFunc chooses which of the candidate jobs to assign. It must return a subset of candidates.
type PackFunc func(candidates []*model.Job, budget model.Budget) []*model.Job

// AcquireRequest is the input to JobPool.AcquireJobs.
type AcquireRequest struct {
	LeaseID string
	Budget  model.Budget
	// LeaseCutoff is the heartbeat time at or before which a lease is considered dead.
	LeaseCutoff time.Time
	Pack        PackFunc
}

// JobPool is the shared collection of jobs.
type JobPool interface {
	// CreateJobs adds jobs to the pool. Jobs with unfinished parents start in AWAITING_PARENTS.
	CreateJobs(ctx *balsamcontext.Context, specs []model.JobSpec) ([]*model.Job, error)
	// GetJobs returns the jobs with the given ids. Unknown ids are ignored.
	GetJobs(ctx *balsamcontext.Context, ids []int64) ([]*model.Job, error)
	// GetLeaseJobs returns all jobs currently held by the lease.
	GetLeaseJobs(ctx *balsamcontext.Context, leaseID string) ([]*model.Job, error)
	// AcquireJobs atomically selects candidate jobs, packs them and assigns them to the lease.
	AcquireJobs(ctx *balsamcontext.Context, req AcquireRequest) ([]*model.Job, error)
	// UpdateJobs applies state updates reported by the holder of leaseID. The whole batch is rejected if
	// the lease is dead or any job is not held by it.
	UpdateJobs(ctx *balsamcontext.Context, leaseID string, leaseCutoff time.Time, updates []model.StateUpdate) ([]*model.Job, error)
	// ResolveDependencies moves jobs out of AWAITING_PARENTS once their parents have finished or failed.
	// Returns the number of jobs that changed state.
	ResolveDependencies(ctx *balsamcontext.Context) (int, error)
	// ListEvents returns the state history of a job, oldest first.
	ListEvents(ctx *balsamcontext.Context, jobID int64) ([]*model.Event, error)
	// PruneJobs removes terminal jobs (and their events) last updated before cutoff.
	PruneJobs(ctx *balsamcontext.Context, cutoff time.Time, batchSize int) (int, error)
}

// LeaseStore holds the leases of all running launchers.
type LeaseStore interface {
	CreateLease(ctx *balsamcontext.Context, siteID int64, batchJobID *int64) (*model.Lease, error)
	GetLease(ctx *balsamcontext.Context, leaseID string) (*model.Lease, error)
	// TickLease sets the lease heartbeat to now. Fails with ErrNotFound if the lease no longer exists.
	TickLease(ctx *balsamcontext.Context, leaseID string) (*model.Lease, error)
	// ListExpiredLeases returns leases whose heartbeat is at or before cutoff.
	ListExpiredLeases(ctx *balsamcontext.Context, cutoff time.Time) ([]*model.Lease, error)
	// ReapLease deletes the lease if it is still expired with respect to cutoff, reverting RUNNING jobs to
	// RESTART_READY and clearing the lease from all of its jobs. Reaping a missing or live lease is a no-op.
	ReapLease(ctx *balsamcontext.Context, leaseID string, cutoff time.Time) ([]*model.Job, error)
	// ReleaseLease deletes the lease, moving RUNNING jobs to RUN_TIMEOUT and clearing the lease from all of
	// its jobs. Releasing a missing lease is a no-op.
	ReleaseLease(ctx *balsamcontext.Context, leaseID string) ([]*model.Job, error)
}

// AppStore holds registered apps.
type AppStore interface {
	CreateApp(ctx *balsamcontext.Context, app model.App) (*model.App, error)
	GetApp(ctx *balsamcontext.Context, id int64) (*model.App, error)
	ListApps(ctx *balsamcontext.Context, siteID int64) ([]*model.App, error)
	UpdateApp(ctx *balsamcontext.Context, app model.App) (*model.App, error)
}

type Store interface {
	JobPool
	LeaseStore
	AppStore
}
