// Package pgstore is a Postgres implementation of the job pool and lease store, for deployments where
// launchers on different hosts share one pool. Transactions run at read committed; row locks provide the
// serialization the store contract requires: acquisitions lock candidate rows with SKIP LOCKED, and every
// operation that depends on a lease being alive locks the lease row first.
package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
)

const uniqueViolation = "23505"

type Store struct {
	db    *pgxpool.Pool
	clock clock.Clock
}

var _ store.Store = &Store{}

func New(db *pgxpool.Pool, clock clock.Clock) *Store {
	return &Store{
		db:    db,
		clock: clock,
	}
}

func (s *Store) withTx(ctx context.Context, action func(tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, action)
}

func (s *Store) CreateJobs(ctx *balsamcontext.Context, specs []model.JobSpec) ([]*model.Job, error) {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now()
	created := make([]*model.Job, 0, len(specs))
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, spec := range specs {
			if _, err := getApp(ctx, tx, spec.AppID); err != nil {
				return err
			}
			var id int64
			if err := tx.QueryRow(ctx, "SELECT nextval('jobs_id_seq')").Scan(&id); err != nil {
				return errors.WithStack(err)
			}
			job := model.NewJob(id, spec, now)
			parents, err := getJobs(ctx, tx, job.ParentIDs, false)
			if err != nil {
				return err
			}
			if len(parents) != len(job.ParentIDs) {
				return errors.WithStack(&balsamerrors.ErrNotFound{
					Type:    "job",
					Value:   formatIDs(model.MissingIDs(job.ParentIDs, parents)),
					Message: "parent jobs do not exist",
				})
			}
			job.State = model.InitialState(job, spec.InitialState, parents)
			if err := insertJob(ctx, tx, job); err != nil {
				return err
			}
			if err := insertEvent(ctx, tx, model.CreationEvent(job, now)); err != nil {
				return err
			}
			created = append(created, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) GetJobs(ctx *balsamcontext.Context, ids []int64) ([]*model.Job, error) {
	jobs, err := getJobs(ctx, s.db, ids, false)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.Job, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
	}
	// Same order as requested.
	result := make([]*model.Job, 0, len(jobs))
	for _, id := range ids {
		if job, ok := byID[id]; ok {
			result = append(result, job)
			delete(byID, id)
		}
	}
	return result, nil
}

func (s *Store) GetLeaseJobs(ctx *balsamcontext.Context, leaseID string) ([]*model.Job, error) {
	if leaseID == "" {
		return []*model.Job{}, nil
	}
	return jobsForLease(ctx, s.db, leaseID, false)
}

func (s *Store) AcquireJobs(ctx *balsamcontext.Context, req store.AcquireRequest) ([]*model.Job, error) {
	now := s.clock.Now()
	var acquired []*model.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		lease, err := liveLease(ctx, tx, req.LeaseID, req.LeaseCutoff, exp.ForUpdate)
		if err != nil {
			return err
		}
		sql, args, err := candidateQuery(req.Budget)
		if err != nil {
			return err
		}
		candidates, err := queryJobs(ctx, tx, sql, args)
		if err != nil {
			return err
		}
		admitted := make([]*model.Job, 0, len(candidates))
		byID := make(map[int64]*model.Job, len(candidates))
		for _, job := range candidates {
			if req.Budget.Admits(job) {
				admitted = append(admitted, job)
				byID[job.ID] = job
			}
		}
		selected := req.Pack(admitted, req.Budget)
		acquired = make([]*model.Job, 0, len(selected))
		for _, choice := range selected {
			job, ok := byID[choice.ID]
			if !ok {
				continue
			}
			delete(byID, choice.ID)
			updated, event := model.AssignToLease(job, lease, now)
			if err := updateJob(ctx, tx, updated); err != nil {
				return err
			}
			if event != nil {
				if err := insertEvent(ctx, tx, event); err != nil {
					return err
				}
			}
			acquired = append(acquired, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

func (s *Store) UpdateJobs(ctx *balsamcontext.Context, leaseID string, leaseCutoff time.Time, updates []model.StateUpdate) ([]*model.Job, error) {
	now := s.clock.Now()
	var result []*model.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// A share lock is enough to stop the lease being reaped or released until we commit.
		if _, err := liveLease(ctx, tx, leaseID, leaseCutoff, exp.ForShare); err != nil {
			return err
		}
		latest := map[int64]*model.Job{}
		order := make([]int64, 0, len(updates))
		for _, update := range updates {
			job, ok := latest[update.JobID]
			if !ok {
				jobs, err := getJobs(ctx, tx, []int64{update.JobID}, true)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					return errors.WithStack(&balsamerrors.ErrNotFound{Type: "job", Value: formatID(update.JobID)})
				}
				job = jobs[0]
				if err := model.CheckHolder(job, leaseID); err != nil {
					return err
				}
				order = append(order, job.ID)
			}
			updated, event, err := model.ApplyUpdate(job, leaseID, update, now)
			if err != nil {
				return err
			}
			if err := updateJob(ctx, tx, updated); err != nil {
				return err
			}
			if err := insertEvent(ctx, tx, event); err != nil {
				return err
			}
			latest[job.ID] = updated
		}
		if _, err := resolveDependencies(ctx, tx, now); err != nil {
			return err
		}
		result = make([]*model.Job, 0, len(order))
		for _, id := range order {
			result = append(result, latest[id])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ResolveDependencies(ctx *balsamcontext.Context) (int, error) {
	changed := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		changed, err = resolveDependencies(ctx, tx, s.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// resolveDependencies repeats until no job changes, so that a failure propagates down a chain of awaiting jobs.
func resolveDependencies(ctx context.Context, tx pgx.Tx, now time.Time) (int, error) {
	sql, args, err := awaitingJobsQuery()
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		awaiting, err := queryJobs(ctx, tx, sql, args)
		if err != nil {
			return 0, err
		}
		changed := 0
		for _, job := range awaiting {
			parents, err := getJobs(ctx, tx, job.ParentIDs, false)
			if err != nil {
				return 0, err
			}
			state, resolved := model.ResolveParents(job, parents)
			if !resolved {
				continue
			}
			updated, event := model.ResolveDependency(job, state, now)
			if err := updateJob(ctx, tx, updated); err != nil {
				return 0, err
			}
			if err := insertEvent(ctx, tx, event); err != nil {
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

func (s *Store) ListEvents(ctx *balsamcontext.Context, jobID int64) ([]*model.Event, error) {
	sql, args, err := eventsQuery(jobID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Event, error) {
		return scanEvent(row)
	})
	return events, errors.WithStack(err)
}

// PruneJobs deletes in batches, each in its own transaction. If it fails midway some jobs may already have
// been deleted.
func (s *Store) PruneJobs(ctx *balsamcontext.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, errors.WithStack(&balsamerrors.ErrInvalidArgument{Name: "batchSize", Value: batchSize, Message: "must be at least 1"})
	}
	sql, args, err := pruneQuery(cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for {
		batchStart := time.Now()
		var ids []int64
		err := s.withTx(ctx, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, sql, args...)
			if err != nil {
				return errors.WithStack(err)
			}
			ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
			if err != nil {
				return errors.WithStack(err)
			}
			_, err = tx.Exec(ctx, "DELETE FROM events WHERE job_id = ANY($1)", ids)
			return errors.WithStack(err)
		})
		if err != nil {
			return deleted, err
		}
		deleted += len(ids)
		if len(ids) < batchSize {
			return deleted, nil
		}
		ctx.Log.Infof("Deleted %d jobs in %s. Deleted %d jobs so far", len(ids), time.Since(batchStart), deleted)
	}
}

func (s *Store) CreateLease(ctx *balsamcontext.Context, siteID int64, batchJobID *int64) (*model.Lease, error) {
	now := s.clock.Now().UTC()
	lease := &model.Lease{
		ID:         uuid.NewString(),
		SiteID:     siteID,
		BatchJobID: batchJobID,
		Heartbeat:  now,
		Created:    now,
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO leases ("+leaseColumnList+") VALUES ($1, $2, $3, $4, $5)",
		lease.ID, lease.SiteID, lease.BatchJobID, lease.Heartbeat, lease.Created)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return lease.DeepCopy(), nil
}

func (s *Store) GetLease(ctx *balsamcontext.Context, leaseID string) (*model.Lease, error) {
	lease, err := getLease(ctx, s.db, leaseID, exp.ForNolock)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "lease", Value: leaseID})
	}
	return lease, nil
}

func (s *Store) TickLease(ctx *balsamcontext.Context, leaseID string) (*model.Lease, error) {
	row := s.db.QueryRow(ctx,
		"UPDATE leases SET heartbeat = $2 WHERE id = $1 RETURNING "+leaseColumnList,
		leaseID, s.clock.Now().UTC())
	lease, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "lease", Value: leaseID})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return lease, nil
}

func (s *Store) ListExpiredLeases(ctx *balsamcontext.Context, cutoff time.Time) ([]*model.Lease, error) {
	sql, args, err := expiredLeasesQuery(cutoff)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	leases, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Lease, error) {
		return scanLease(row)
	})
	return leases, errors.WithStack(err)
}

func (s *Store) ReapLease(ctx *balsamcontext.Context, leaseID string, cutoff time.Time) ([]*model.Job, error) {
	var detached []*model.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		lease, err := getLease(ctx, tx, leaseID, exp.ForUpdate)
		if err != nil {
			return err
		}
		// Either already reaped or the holder heartbeated since the lease was listed.
		if lease == nil || lease.Heartbeat.After(cutoff) {
			return nil
		}
		detached, err = s.detachLease(ctx, tx, lease, model.RevertExpired)
		return err
	})
	if err != nil {
		return nil, err
	}
	return detached, nil
}

func (s *Store) ReleaseLease(ctx *balsamcontext.Context, leaseID string) ([]*model.Job, error) {
	var detached []*model.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		lease, err := getLease(ctx, tx, leaseID, exp.ForUpdate)
		if err != nil {
			return err
		}
		if lease == nil {
			return nil
		}
		detached, err = s.detachLease(ctx, tx, lease, model.ReleaseOnShutdown)
		return err
	})
	if err != nil {
		return nil, err
	}
	return detached, nil
}

func (s *Store) detachLease(ctx context.Context, tx pgx.Tx, lease *model.Lease, detach func(*model.Job, time.Time) (*model.Job, *model.Event)) ([]*model.Job, error) {
	now := s.clock.Now()
	held, err := jobsForLease(ctx, tx, lease.ID, true)
	if err != nil {
		return nil, err
	}
	detached := make([]*model.Job, 0, len(held))
	for _, job := range held {
		updated, event := detach(job, now)
		if err := updateJob(ctx, tx, updated); err != nil {
			return nil, err
		}
		if event != nil {
			if err := insertEvent(ctx, tx, event); err != nil {
				return nil, err
			}
		}
		detached = append(detached, updated)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM leases WHERE id = $1", lease.ID); err != nil {
		return nil, errors.WithStack(err)
	}
	return detached, nil
}

func (s *Store) CreateApp(ctx *balsamcontext.Context, app model.App) (*model.App, error) {
	if app.Name == "" {
		return nil, errors.WithStack(&balsamerrors.ErrInvalidArgument{Name: "Name", Value: app.Name, Message: "app name is required"})
	}
	row := s.db.QueryRow(ctx,
		"INSERT INTO apps (site_id, name, command) VALUES ($1, $2, $3) RETURNING "+appColumnList,
		app.SiteID, app.Name, app.Command)
	created, err := scanApp(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, errors.WithStack(&balsamerrors.ErrAlreadyExists{Type: "app", Value: app.Name})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return created, nil
}

func (s *Store) GetApp(ctx *balsamcontext.Context, id int64) (*model.App, error) {
	return getApp(ctx, s.db, id)
}

func (s *Store) ListApps(ctx *balsamcontext.Context, siteID int64) ([]*model.App, error) {
	sql, args, err := appsQuery(siteID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	apps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.App, error) {
		return scanApp(row)
	})
	return apps, errors.WithStack(err)
}

func (s *Store) UpdateApp(ctx *balsamcontext.Context, app model.App) (*model.App, error) {
	row := s.db.QueryRow(ctx,
		"UPDATE apps SET site_id = $2, name = $3, command = $4 WHERE id = $1 RETURNING "+appColumnList,
		app.ID, app.SiteID, app.Name, app.Command)
	updated, err := scanApp(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "app", Value: formatID(app.ID)})
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, errors.WithStack(&balsamerrors.ErrAlreadyExists{Type: "app", Value: app.Name})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return updated, nil
}

func (s *Store) Close() {
	s.db.Close()
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	return string(b), errors.WithStack(err)
}
