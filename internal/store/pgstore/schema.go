package pgstore

import (
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/argonne-lcf/balsam/internal/model"
)

var dialect = goqu.Dialect("postgres")

var (
	// Tables
	jobsTable   = goqu.T("jobs")
	leasesTable = goqu.T("leases")
	appsTable   = goqu.T("apps")
	eventsTable = goqu.T("events")

	// Columns: jobs table
	job_id               = goqu.C("id")
	job_state            = goqu.C("state")
	job_appId            = goqu.C("app_id")
	job_numNodes         = goqu.C("num_nodes")
	job_ranksPerNode     = goqu.C("ranks_per_node")
	job_nodePackingCount = goqu.C("node_packing_count")
	job_wallTimeMin      = goqu.C("wall_time_min")
	job_leaseId          = goqu.C("lease_id")
	job_lastUpdate       = goqu.C("last_update")

	// Columns: leases table
	lease_id        = goqu.C("id")
	lease_heartbeat = goqu.C("heartbeat")

	// Columns: apps table
	app_id     = goqu.C("id")
	app_siteId = goqu.C("site_id")

	// Columns: events table
	event_id    = goqu.C("id")
	event_jobId = goqu.C("job_id")
)

var jobColumnNames = []string{
	"id", "workdir", "state", "app_id", "num_nodes", "ranks_per_node", "threads_per_rank", "threads_per_core",
	"gpus_per_rank", "node_packing_count", "wall_time_min", "tags", "parameters", "parent_ids", "lease_id",
	"batch_job_id", "return_code", "last_update",
}

var (
	jobColumns   = columns(jobColumnNames...)
	leaseColumns = columns("id", "site_id", "batch_job_id", "heartbeat", "created")
	appColumns   = columns("id", "site_id", "name", "command")
	eventColumns = columns("id", "job_id", "from_state", "to_state", "timestamp", "data")

	jobColumnList   = strings.Join(jobColumnNames, ", ")
	leaseColumnList = "id, site_id, batch_job_id, heartbeat, created"
	appColumnList   = "id, site_id, name, command"
)

func columns(names ...string) []interface{} {
	cols := make([]interface{}, len(names))
	for i, name := range names {
		cols[i] = goqu.C(name)
	}
	return cols
}

// parentsFinished matches jobs all of whose parents exist and are JOB_FINISHED.
var parentsFinished = goqu.L(
	"cardinality(jobs.parent_ids) = (SELECT COUNT(*) FROM jobs p WHERE p.id = ANY(jobs.parent_ids) AND p.state = ?)",
	string(model.JobFinished),
)

// unreferenced matches jobs that no non-terminal job lists as a parent.
var unreferenced = goqu.L(
	"NOT EXISTS (SELECT 1 FROM jobs c WHERE jobs.id = ANY(c.parent_ids) AND c.state NOT IN (?, ?))",
	string(model.JobFinished), string(model.Failed),
)

func scanJob(row pgx.Row) (*model.Job, error) {
	var job model.Job
	var state string
	var leaseID *string
	err := row.Scan(
		&job.ID,
		&job.Workdir,
		&state,
		&job.AppID,
		&job.NumNodes,
		&job.RanksPerNode,
		&job.ThreadsPerRank,
		&job.ThreadsPerCore,
		&job.GPUsPerRank,
		&job.NodePackingCount,
		&job.WallTimeMin,
		&job.Tags,
		&job.Parameters,
		&job.ParentIDs,
		&leaseID,
		&job.BatchJobID,
		&job.ReturnCode,
		&job.LastUpdate,
	)
	if err != nil {
		return nil, err
	}
	job.State = model.JobState(state)
	if leaseID != nil {
		job.LeaseID = *leaseID
	}
	if job.Tags == nil {
		job.Tags = map[string]string{}
	}
	if len(job.Parameters) == 0 {
		job.Parameters = nil
	}
	if len(job.ParentIDs) == 0 {
		job.ParentIDs = nil
	}
	job.LastUpdate = job.LastUpdate.UTC()
	return &job, nil
}

func scanLease(row pgx.Row) (*model.Lease, error) {
	var lease model.Lease
	err := row.Scan(&lease.ID, &lease.SiteID, &lease.BatchJobID, &lease.Heartbeat, &lease.Created)
	if err != nil {
		return nil, err
	}
	lease.Heartbeat = lease.Heartbeat.UTC()
	lease.Created = lease.Created.UTC()
	return &lease, nil
}

func scanApp(row pgx.Row) (*model.App, error) {
	var app model.App
	if err := row.Scan(&app.ID, &app.SiteID, &app.Name, &app.Command); err != nil {
		return nil, err
	}
	return &app, nil
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var event model.Event
	var from, to string
	if err := row.Scan(&event.ID, &event.JobID, &from, &to, &event.Timestamp, &event.Data); err != nil {
		return nil, err
	}
	event.From = model.JobState(from)
	event.To = model.JobState(to)
	event.Timestamp = event.Timestamp.UTC()
	return &event, nil
}

// candidateQuery selects, in packing order, unassigned jobs that satisfy every per-job restriction of budget.
// Rows are locked; rows locked by a concurrent acquisition are skipped. Because every restriction is applied
// here and packing only ever takes a prefix of the ordered candidates, fetching MaxNumJobs rows is enough.
func candidateQuery(budget model.Budget) (string, []interface{}, error) {
	states := make([]string, 0)
	for _, state := range budget.AcquirableStates() {
		states = append(states, string(state))
	}
	filters := []exp.Expression{
		job_state.In(states),
		job_leaseId.IsNull(),
		parentsFinished,
	}
	if len(budget.AppIDs) > 0 {
		filters = append(filters, job_appId.In(budget.AppIDs))
	}
	if len(budget.FilterTags) > 0 {
		tags, err := marshalMap(budget.FilterTags)
		if err != nil {
			return "", nil, err
		}
		filters = append(filters, goqu.L("tags @> ?::jsonb", tags))
	}
	if budget.SerialOnly {
		filters = append(filters, job_numNodes.Eq(1))
		if budget.SerialMode == model.SerialBySingleRank {
			filters = append(filters, job_ranksPerNode.Eq(1))
		} else {
			filters = append(filters, job_nodePackingCount.Gt(1))
		}
	}
	if budget.MaxNodesPerJob > 0 {
		filters = append(filters, job_numNodes.Lte(budget.MaxNodesPerJob))
	}
	if budget.MinNodesPerJob > 0 {
		filters = append(filters, job_numNodes.Gte(budget.MinNodesPerJob))
	}
	if budget.MaxWallTimeMin > 0 {
		filters = append(filters, job_wallTimeMin.Lte(budget.MaxWallTimeMin))
	}

	var order []exp.OrderedExpression
	switch budget.Order {
	case model.OrderLargestFirst:
		order = []exp.OrderedExpression{job_numNodes.Desc(), job_wallTimeMin.Desc(), job_id.Asc()}
	default:
		order = []exp.OrderedExpression{job_wallTimeMin.Desc(), job_nodePackingCount.Asc(), job_id.Asc()}
	}

	sql, args, err := dialect.
		From(jobsTable).
		Select(jobColumns...).
		Where(filters...).
		Order(order...).
		Limit(uint(budget.MaxNumJobs)).
		ForUpdate(exp.SkipLocked).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func jobsByIDQuery(ids []int64, forUpdate bool) (string, []interface{}, error) {
	ds := dialect.
		From(jobsTable).
		Select(jobColumns...).
		Where(job_id.In(ids)).
		Order(job_id.Asc())
	if forUpdate {
		ds = ds.ForUpdate(exp.Wait)
	}
	sql, args, err := ds.Prepared(true).ToSQL()
	return sql, args, errors.WithStack(err)
}

func jobsForLeaseQuery(leaseID string, forUpdate bool) (string, []interface{}, error) {
	ds := dialect.
		From(jobsTable).
		Select(jobColumns...).
		Where(job_leaseId.Eq(leaseID)).
		Order(job_id.Asc())
	if forUpdate {
		ds = ds.ForUpdate(exp.Wait)
	}
	sql, args, err := ds.Prepared(true).ToSQL()
	return sql, args, errors.WithStack(err)
}

func awaitingJobsQuery() (string, []interface{}, error) {
	sql, args, err := dialect.
		From(jobsTable).
		Select(jobColumns...).
		Where(job_state.Eq(string(model.AwaitingParents))).
		Order(job_id.Asc()).
		ForUpdate(exp.Wait).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func expiredLeasesQuery(cutoff time.Time) (string, []interface{}, error) {
	sql, args, err := dialect.
		From(leasesTable).
		Select(leaseColumns...).
		Where(lease_heartbeat.Lte(cutoff)).
		Order(lease_heartbeat.Asc()).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func leaseQuery(id string, lock exp.LockStrength) (string, []interface{}, error) {
	ds := dialect.
		From(leasesTable).
		Select(leaseColumns...).
		Where(lease_id.Eq(id))
	switch lock {
	case exp.ForUpdate:
		ds = ds.ForUpdate(exp.Wait)
	case exp.ForShare:
		ds = ds.ForShare(exp.Wait)
	}
	sql, args, err := ds.Prepared(true).ToSQL()
	return sql, args, errors.WithStack(err)
}

func appsQuery(siteID int64) (string, []interface{}, error) {
	sql, args, err := dialect.
		From(appsTable).
		Select(appColumns...).
		Where(app_siteId.Eq(siteID)).
		Order(app_id.Asc()).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func eventsQuery(jobID int64) (string, []interface{}, error) {
	sql, args, err := dialect.
		From(eventsTable).
		Select(eventColumns...).
		Where(event_jobId.Eq(jobID)).
		Order(event_id.Asc()).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func pruneQuery(cutoff time.Time, batchSize int) (string, []interface{}, error) {
	batch := dialect.
		From(jobsTable).
		Select(job_id).
		Where(
			job_state.In(string(model.JobFinished), string(model.Failed)),
			job_lastUpdate.Lt(cutoff),
			unreferenced,
		).
		Limit(uint(batchSize)).
		ForUpdate(exp.SkipLocked)
	sql, args, err := dialect.
		Delete(jobsTable).
		Where(job_id.In(batch)).
		Returning(job_id).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}
