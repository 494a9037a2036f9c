package pgstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/model"
)

// querier is implemented by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryJobs(ctx context.Context, db querier, sql string, args []interface{}) ([]*model.Job, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Job, error) {
		return scanJob(row)
	})
	return jobs, errors.WithStack(err)
}

// getJobs returns the jobs with the given ids ordered by id, ignoring ids that are not in the db.
func getJobs(ctx context.Context, db querier, ids []int64, forUpdate bool) ([]*model.Job, error) {
	if len(ids) == 0 {
		return []*model.Job{}, nil
	}
	sql, args, err := jobsByIDQuery(ids, forUpdate)
	if err != nil {
		return nil, err
	}
	return queryJobs(ctx, db, sql, args)
}

func jobsForLease(ctx context.Context, db querier, leaseID string, forUpdate bool) ([]*model.Job, error) {
	sql, args, err := jobsForLeaseQuery(leaseID, forUpdate)
	if err != nil {
		return nil, err
	}
	return queryJobs(ctx, db, sql, args)
}

// getLease returns nil if the lease does not exist.
func getLease(ctx context.Context, db querier, id string, lock exp.LockStrength) (*model.Lease, error) {
	sql, args, err := leaseQuery(id, lock)
	if err != nil {
		return nil, err
	}
	lease, err := scanLease(db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return lease, nil
}

// liveLease locks and returns the lease if it exists and has heartbeated after cutoff.
func liveLease(ctx context.Context, db querier, id string, cutoff time.Time, lock exp.LockStrength) (*model.Lease, error) {
	lease, err := getLease(ctx, db, id, lock)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, errors.WithStack(&balsamerrors.ErrLeaseExpired{LeaseID: id, Message: "lease does not exist"})
	}
	if !lease.Heartbeat.After(cutoff) {
		return nil, errors.WithStack(&balsamerrors.ErrLeaseExpired{
			LeaseID: id,
			Message: "last heartbeat at " + lease.Heartbeat.Format(time.RFC3339),
		})
	}
	return lease, nil
}

func getApp(ctx context.Context, db querier, id int64) (*model.App, error) {
	app, err := scanApp(db.QueryRow(ctx, "SELECT "+appColumnList+" FROM apps WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "app", Value: formatID(id)})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return app, nil
}

func insertJob(ctx context.Context, db querier, job *model.Job) error {
	parentIDs := job.ParentIDs
	if parentIDs == nil {
		parentIDs = []int64{}
	}
	tags, err := marshalMap(job.Tags)
	if err != nil {
		return err
	}
	parameters, err := marshalMap(job.Parameters)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		"INSERT INTO jobs ("+jobColumnList+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)",
		job.ID,
		job.Workdir,
		string(job.State),
		job.AppID,
		job.NumNodes,
		job.RanksPerNode,
		job.ThreadsPerRank,
		job.ThreadsPerCore,
		job.GPUsPerRank,
		job.NodePackingCount,
		job.WallTimeMin,
		tags,
		parameters,
		parentIDs,
		nullableLease(job.LeaseID),
		job.BatchJobID,
		job.ReturnCode,
		job.LastUpdate,
	)
	return errors.WithStack(err)
}

// updateJob writes the fields of job that change over its lifetime.
func updateJob(ctx context.Context, db querier, job *model.Job) error {
	_, err := db.Exec(ctx,
		`UPDATE jobs SET state = $2, lease_id = $3, batch_job_id = $4, return_code = $5, last_update = $6
		 WHERE id = $1`,
		job.ID,
		string(job.State),
		nullableLease(job.LeaseID),
		job.BatchJobID,
		job.ReturnCode,
		job.LastUpdate,
	)
	return errors.WithStack(err)
}

func insertEvent(ctx context.Context, db querier, event *model.Event) error {
	data, err := marshalMap(event.Data)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		"INSERT INTO events (job_id, from_state, to_state, timestamp, data) VALUES ($1, $2, $3, $4, $5)",
		event.JobID, string(event.From), string(event.To), event.Timestamp, data)
	return errors.WithStack(err)
}

func nullableLease(leaseID string) *string {
	if leaseID == "" {
		return nil
	}
	return &leaseID
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func formatIDs(ids []int64) string {
	formatted := make([]string, len(ids))
	for i, id := range ids {
		formatted[i] = formatID(id)
	}
	return strings.Join(formatted, ",")
}
