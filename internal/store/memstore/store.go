// Package memstore is an in-process implementation of the job pool and lease store built on
// https://github.com/hashicorp/go-memdb. memdb allows a single write transaction at a time, which makes
// every operation below serializable with respect to every other.
package memstore

import (
	"cmp"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
)

// Store stores *model.Job, *model.Lease, *model.App and *model.Event values.
// Values inside the db are never modified in place: every change inserts a fresh copy.
type Store struct {
	db    *memdb.MemDB
	clock clock.Clock
	// Id sequences. Only modified while holding the write transaction.
	lastJobID   int64
	lastAppID   int64
	lastEventID int64
}

var _ store.Store = &Store{}

func New(clock clock.Clock) (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Store{
		db:    db,
		clock: clock,
	}, nil
}

func (s *Store) CreateJobs(ctx *balsamcontext.Context, specs []model.JobSpec) ([]*model.Job, error) {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now()
	txn := s.db.Txn(true)
	defer txn.Abort()

	created := make([]*model.Job, 0, len(specs))
	for _, spec := range specs {
		app, err := getApp(txn, spec.AppID)
		if err != nil {
			return nil, err
		}
		if app == nil {
			return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "app", Value: formatID(spec.AppID)})
		}
		s.lastJobID++
		job := model.NewJob(s.lastJobID, spec, now)
		parents, err := getJobs(txn, job.ParentIDs)
		if err != nil {
			return nil, err
		}
		if len(parents) != len(job.ParentIDs) {
			return nil, errors.WithStack(&balsamerrors.ErrNotFound{
				Type:    "job",
				Value:   formatIDs(model.MissingIDs(job.ParentIDs, parents)),
				Message: "parent jobs do not exist",
			})
		}
		job.State = model.InitialState(job, spec.InitialState, parents)
		if err := txn.Insert(jobsTable, job); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := s.insertEvent(txn, model.CreationEvent(job, now)); err != nil {
			return nil, err
		}
		created = append(created, job.DeepCopy())
	}
	txn.Commit()
	return created, nil
}

func (s *Store) GetJobs(_ *balsamcontext.Context, ids []int64) ([]*model.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	jobs, err := getJobs(txn, ids)
	if err != nil {
		return nil, err
	}
	return copyJobs(jobs), nil
}

func (s *Store) GetLeaseJobs(_ *balsamcontext.Context, leaseID string) ([]*model.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	jobs, err := jobsForLease(txn, leaseID)
	if err != nil {
		return nil, err
	}
	return copyJobs(jobs), nil
}

func (s *Store) AcquireJobs(_ *balsamcontext.Context, req store.AcquireRequest) ([]*model.Job, error) {
	now := s.clock.Now()
	txn := s.db.Txn(true)
	defer txn.Abort()

	lease, err := liveLease(txn, req.LeaseID, req.LeaseCutoff)
	if err != nil {
		return nil, err
	}

	candidates := make([]*model.Job, 0)
	for _, state := range req.Budget.AcquirableStates() {
		iter, err := txn.Get(jobsTable, stateIndex, string(state))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for obj := iter.Next(); obj != nil; obj = iter.Next() {
			job := obj.(*model.Job)
			if !req.Budget.Admits(job) {
				continue
			}
			ready, err := parentsFinished(txn, job)
			if err != nil {
				return nil, err
			}
			if ready {
				candidates = append(candidates, job)
			}
		}
	}

	byID := make(map[int64]*model.Job, len(candidates))
	for _, job := range candidates {
		byID[job.ID] = job
	}
	selected := req.Pack(candidates, req.Budget)
	acquired := make([]*model.Job, 0, len(selected))
	for _, choice := range selected {
		job, ok := byID[choice.ID]
		if !ok {
			continue
		}
		// Prevents the same job being handed out twice if the packer returns duplicates.
		delete(byID, choice.ID)
		updated, event := model.AssignToLease(job, lease, now)
		if err := txn.Insert(jobsTable, updated); err != nil {
			return nil, errors.WithStack(err)
		}
		if event != nil {
			if err := s.insertEvent(txn, event); err != nil {
				return nil, err
			}
		}
		acquired = append(acquired, updated.DeepCopy())
	}
	txn.Commit()
	return acquired, nil
}

func (s *Store) UpdateJobs(_ *balsamcontext.Context, leaseID string, leaseCutoff time.Time, updates []model.StateUpdate) ([]*model.Job, error) {
	now := s.clock.Now()
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := liveLease(txn, leaseID, leaseCutoff); err != nil {
		return nil, err
	}

	checked := map[int64]bool{}
	latest := map[int64]*model.Job{}
	order := make([]int64, 0, len(updates))
	for _, update := range updates {
		job, err := getJob(txn, update.JobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "job", Value: formatID(update.JobID)})
		}
		if !checked[job.ID] {
			if err := model.CheckHolder(job, leaseID); err != nil {
				return nil, err
			}
			checked[job.ID] = true
			order = append(order, job.ID)
		}
		updated, event, err := model.ApplyUpdate(job, leaseID, update, now)
		if err != nil {
			return nil, err
		}
		if err := txn.Insert(jobsTable, updated); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := s.insertEvent(txn, event); err != nil {
			return nil, err
		}
		latest[job.ID] = updated
	}
	if _, err := s.resolveDependencies(txn, now); err != nil {
		return nil, err
	}
	txn.Commit()

	result := make([]*model.Job, 0, len(order))
	for _, id := range order {
		result = append(result, latest[id].DeepCopy())
	}
	return result, nil
}

func (s *Store) ResolveDependencies(_ *balsamcontext.Context) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	changed, err := s.resolveDependencies(txn, s.clock.Now())
	if err != nil {
		return 0, err
	}
	txn.Commit()
	return changed, nil
}

// resolveDependencies repeats until no job changes, so that a failure propagates down a chain of awaiting jobs.
func (s *Store) resolveDependencies(txn *memdb.Txn, now time.Time) (int, error) {
	total := 0
	for {
		awaiting, err := jobsInState(txn, model.AwaitingParents)
		if err != nil {
			return 0, err
		}
		changed := 0
		for _, job := range awaiting {
			parents, err := getJobs(txn, job.ParentIDs)
			if err != nil {
				return 0, err
			}
			state, resolved := model.ResolveParents(job, parents)
			if !resolved {
				continue
			}
			updated, event := model.ResolveDependency(job, state, now)
			if err := txn.Insert(jobsTable, updated); err != nil {
				return 0, errors.WithStack(err)
			}
			if err := s.insertEvent(txn, event); err != nil {
				return 0, err
			}
			changed++
		}
		total += changed
		if changed == 0 {
			return total, nil
		}
	}
}

func (s *Store) ListEvents(_ *balsamcontext.Context, jobID int64) ([]*model.Event, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(eventsTable, jobIndex, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	events := make([]*model.Event, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		e := *obj.(*model.Event)
		events = append(events, &e)
	}
	slices.SortFunc(events, func(a, b *model.Event) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return events, nil
}

func (s *Store) PruneJobs(ctx *balsamcontext.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, errors.WithStack(&balsamerrors.ErrInvalidArgument{Name: "batchSize", Value: batchSize, Message: "must be at least 1"})
	}
	deleted := 0
	for {
		n, err := s.pruneBatch(cutoff, batchSize)
		if err != nil {
			return deleted, err
		}
		deleted += n
		if n < batchSize {
			return deleted, nil
		}
		ctx.Log.Infof("Deleted %d jobs so far", deleted)
	}
}

func (s *Store) pruneBatch(cutoff time.Time, batchSize int) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	referenced, err := liveParents(txn)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, state := range []model.JobState{model.JobFinished, model.Failed} {
		jobs, err := jobsInState(txn, state)
		if err != nil {
			return 0, err
		}
		for _, job := range jobs {
			if deleted >= batchSize {
				break
			}
			if !job.LastUpdate.Before(cutoff) || referenced[job.ID] {
				continue
			}
			if err := txn.Delete(jobsTable, job); err != nil {
				return 0, errors.WithStack(err)
			}
			if _, err := txn.DeleteAll(eventsTable, jobIndex, job.ID); err != nil {
				return 0, errors.WithStack(err)
			}
			deleted++
		}
	}
	txn.Commit()
	return deleted, nil
}

func (s *Store) CreateLease(_ *balsamcontext.Context, siteID int64, batchJobID *int64) (*model.Lease, error) {
	now := s.clock.Now()
	lease := &model.Lease{
		ID:         uuid.NewString(),
		SiteID:     siteID,
		BatchJobID: batchJobID,
		Heartbeat:  now,
		Created:    now,
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(leasesTable, lease); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return lease.DeepCopy(), nil
}

func (s *Store) GetLease(_ *balsamcontext.Context, leaseID string) (*model.Lease, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	lease, err := getLease(txn, leaseID)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "lease", Value: leaseID})
	}
	return lease.DeepCopy(), nil
}

func (s *Store) TickLease(_ *balsamcontext.Context, leaseID string) (*model.Lease, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	lease, err := getLease(txn, leaseID)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "lease", Value: leaseID})
	}
	ticked := lease.DeepCopy()
	ticked.Heartbeat = s.clock.Now()
	if err := txn.Insert(leasesTable, ticked); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return ticked.DeepCopy(), nil
}

func (s *Store) ListExpiredLeases(_ *balsamcontext.Context, cutoff time.Time) ([]*model.Lease, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(leasesTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	expired := make([]*model.Lease, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		lease := obj.(*model.Lease)
		if !lease.Heartbeat.After(cutoff) {
			expired = append(expired, lease.DeepCopy())
		}
	}
	return expired, nil
}

func (s *Store) ReapLease(_ *balsamcontext.Context, leaseID string, cutoff time.Time) ([]*model.Job, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	lease, err := getLease(txn, leaseID)
	if err != nil {
		return nil, err
	}
	// Either already reaped or the holder heartbeated since the lease was listed.
	if lease == nil || lease.Heartbeat.After(cutoff) {
		return nil, nil
	}
	jobs, err := s.detachLease(txn, lease, model.RevertExpired)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	return jobs, nil
}

func (s *Store) ReleaseLease(_ *balsamcontext.Context, leaseID string) ([]*model.Job, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	lease, err := getLease(txn, leaseID)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, nil
	}
	jobs, err := s.detachLease(txn, lease, model.ReleaseOnShutdown)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	return jobs, nil
}

func (s *Store) detachLease(txn *memdb.Txn, lease *model.Lease, detach func(*model.Job, time.Time) (*model.Job, *model.Event)) ([]*model.Job, error) {
	now := s.clock.Now()
	held, err := jobsForLease(txn, lease.ID)
	if err != nil {
		return nil, err
	}
	detached := make([]*model.Job, 0, len(held))
	for _, job := range held {
		updated, event := detach(job, now)
		if err := txn.Insert(jobsTable, updated); err != nil {
			return nil, errors.WithStack(err)
		}
		if event != nil {
			if err := s.insertEvent(txn, event); err != nil {
				return nil, err
			}
		}
		detached = append(detached, updated.DeepCopy())
	}
	if err := txn.Delete(leasesTable, lease); err != nil {
		return nil, errors.WithStack(err)
	}
	return detached, nil
}

func (s *Store) CreateApp(_ *balsamcontext.Context, app model.App) (*model.App, error) {
	if app.Name == "" {
		return nil, errors.WithStack(&balsamerrors.ErrInvalidArgument{Name: "Name", Value: app.Name, Message: "app name is required"})
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := appsForSite(txn, app.SiteID)
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.Name == app.Name {
			return nil, errors.WithStack(&balsamerrors.ErrAlreadyExists{Type: "app", Value: app.Name})
		}
	}
	s.lastAppID++
	app.ID = s.lastAppID
	if err := txn.Insert(appsTable, &app); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	created := app
	return &created, nil
}

func (s *Store) GetApp(_ *balsamcontext.Context, id int64) (*model.App, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	app, err := getApp(txn, id)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "app", Value: formatID(id)})
	}
	c := *app
	return &c, nil
}

func (s *Store) ListApps(_ *balsamcontext.Context, siteID int64) ([]*model.App, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	apps, err := appsForSite(txn, siteID)
	if err != nil {
		return nil, err
	}
	result := make([]*model.App, len(apps))
	for i, a := range apps {
		c := *a
		result[i] = &c
	}
	slices.SortFunc(result, func(a, b *model.App) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) UpdateApp(_ *balsamcontext.Context, app model.App) (*model.App, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := getApp(txn, app.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "app", Value: formatID(app.ID)})
	}
	if err := txn.Insert(appsTable, &app); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	updated := app
	return &updated, nil
}

func (s *Store) insertEvent(txn *memdb.Txn, event *model.Event) error {
	s.lastEventID++
	e := *event
	e.ID = s.lastEventID
	return errors.WithStack(txn.Insert(eventsTable, &e))
}
