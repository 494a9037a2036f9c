package memstore

import (
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/model"
)

// The helpers below return values owned by the db. They *must not* be modified by the caller.

func getJob(txn *memdb.Txn, id int64) (*model.Job, error) {
	obj, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.Job), nil
}

// getJobs returns the jobs with the given ids, ignoring ids that are not in the db.
func getJobs(txn *memdb.Txn, ids []int64) ([]*model.Job, error) {
	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := getJob(txn, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func jobsInState(txn *memdb.Txn, state model.JobState) ([]*model.Job, error) {
	iter, err := txn.Get(jobsTable, stateIndex, string(state))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make([]*model.Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		jobs = append(jobs, obj.(*model.Job))
	}
	return jobs, nil
}

func jobsForLease(txn *memdb.Txn, leaseID string) ([]*model.Job, error) {
	jobs := make([]*model.Job, 0)
	if leaseID == "" {
		return jobs, nil
	}
	iter, err := txn.Get(jobsTable, leaseIndex, leaseID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		jobs = append(jobs, obj.(*model.Job))
	}
	return jobs, nil
}

// liveParents returns the ids of jobs listed as a parent by at least one non-terminal job.
func liveParents(txn *memdb.Txn) (map[int64]bool, error) {
	iter, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	parents := map[int64]bool{}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		job := obj.(*model.Job)
		if job.State.IsTerminal() {
			continue
		}
		for _, id := range job.ParentIDs {
			parents[id] = true
		}
	}
	return parents, nil
}

// parentsFinished returns true if every parent of job is JOB_FINISHED.
func parentsFinished(txn *memdb.Txn, job *model.Job) (bool, error) {
	for _, id := range job.ParentIDs {
		parent, err := getJob(txn, id)
		if err != nil {
			return false, err
		}
		if parent == nil || parent.State != model.JobFinished {
			return false, nil
		}
	}
	return true, nil
}

func getLease(txn *memdb.Txn, id string) (*model.Lease, error) {
	obj, err := txn.First(leasesTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.Lease), nil
}

// liveLease returns the lease if it exists and has heartbeated after cutoff.
func liveLease(txn *memdb.Txn, id string, cutoff time.Time) (*model.Lease, error) {
	lease, err := getLease(txn, id)
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

func getApp(txn *memdb.Txn, id int64) (*model.App, error) {
	obj, err := txn.First(appsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.App), nil
}

func appsForSite(txn *memdb.Txn, siteID int64) ([]*model.App, error) {
	iter, err := txn.Get(appsTable, siteIndex, siteID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	apps := make([]*model.App, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		apps = append(apps, obj.(*model.App))
	}
	return apps, nil
}

func copyJobs(jobs []*model.Job) []*model.Job {
	result := make([]*model.Job, len(jobs))
	for i, job := range jobs {
		result[i] = job.DeepCopy()
	}
	return result
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
