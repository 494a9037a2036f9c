package model

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
)

// Job is a unit of work in the shared pool. Objects handed out by a store are copies and may be
// modified freely by the caller without affecting the store.
type Job struct {
	ID               int64
	Workdir          string
	State            JobState
	AppID            int64
	NumNodes         int
	RanksPerNode     int
	ThreadsPerRank   int
	ThreadsPerCore   int
	GPUsPerRank      float64
	NodePackingCount int
	WallTimeMin      int
	Tags             map[string]string
	Parameters       map[string]string
	ParentIDs        []int64
	// LeaseID is the lease currently holding this job, or "" if the job is unassigned.
	LeaseID    string
	BatchJobID *int64
	ReturnCode *int
	LastUpdate time.Time
}

// DeepCopy returns a copy of the job sharing no mutable state with the original.
func (j *Job) DeepCopy() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Tags != nil {
		c.Tags = maps.Clone(j.Tags)
	}
	if j.Parameters != nil {
		c.Parameters = maps.Clone(j.Parameters)
	}
	if j.ParentIDs != nil {
		c.ParentIDs = slices.Clone(j.ParentIDs)
	}
	if j.BatchJobID != nil {
		id := *j.BatchJobID
		c.BatchJobID = &id
	}
	if j.ReturnCode != nil {
		rc := *j.ReturnCode
		c.ReturnCode = &rc
	}
	return &c
}

// NodeFootprint is the number of nodes this job occupies when running.
// Multi-node jobs occupy whole nodes; single-node jobs occupy 1/NodePackingCount of a node.
func (j *Job) NodeFootprint() float64 {
	if j.NumNodes > 1 {
		return float64(j.NumNodes)
	}
	if j.NodePackingCount <= 1 {
		return 1
	}
	return 1 / float64(j.NodePackingCount)
}

// IsAssigned reports whether the job is currently held by a lease.
func (j *Job) IsAssigned() bool {
	return j.LeaseID != ""
}

// MatchesTags returns true if every key-value pair in filter is present in the job's tags.
func (j *Job) MatchesTags(filter map[string]string) bool {
	for k, v := range filter {
		if tv, ok := j.Tags[k]; !ok || tv != v {
			return false
		}
	}
	return true
}

// IsSerial reports whether the job counts as a serial job under the given mode.
func (j *Job) IsSerial(mode SerialMode) bool {
	if j.NumNodes != 1 {
		return false
	}
	switch mode {
	case SerialBySingleRank:
		return j.RanksPerNode == 1
	default:
		return j.NodePackingCount > 1
	}
}

// JobSpec describes a job to be added to the pool.
type JobSpec struct {
	Workdir          string
	AppID            int64
	NumNodes         int
	RanksPerNode     int
	ThreadsPerRank   int
	ThreadsPerCore   int
	GPUsPerRank      float64
	NodePackingCount int
	WallTimeMin      int
	Tags             map[string]string
	Parameters       map[string]string
	ParentIDs        []int64
	// InitialState is the state the job enters once its parents are finished. Defaults to STAGED_IN.
	InitialState JobState
}

func (s JobSpec) Validate() error {
	invalid := func(name string, value interface{}, msg string) error {
		return errors.WithStack(&balsamerrors.ErrInvalidArgument{Name: name, Value: value, Message: msg})
	}
	if s.Workdir == "" {
		return invalid("Workdir", s.Workdir, "workdir is required")
	}
	if s.NumNodes < 1 {
		return invalid("NumNodes", s.NumNodes, "must be at least 1")
	}
	if s.RanksPerNode < 1 {
		return invalid("RanksPerNode", s.RanksPerNode, "must be at least 1")
	}
	if s.NodePackingCount < 1 {
		return invalid("NodePackingCount", s.NodePackingCount, "must be at least 1")
	}
	if s.WallTimeMin < 0 {
		return invalid("WallTimeMin", s.WallTimeMin, "must not be negative")
	}
	if s.GPUsPerRank < 0 {
		return invalid("GPUsPerRank", s.GPUsPerRank, "must not be negative")
	}
	if s.InitialState != "" && !slices.Contains([]JobState{Created, Ready, StagedIn, Preprocessed}, s.InitialState) {
		return invalid("InitialState", s.InitialState, "jobs may only be created as CREATED, READY, STAGED_IN or PREPROCESSED")
	}
	return nil
}

// NewJob builds the job described by spec. The state is resolved later against the job's parents.
func NewJob(id int64, spec JobSpec, now time.Time) *Job {
	threadsPerRank := spec.ThreadsPerRank
	if threadsPerRank < 1 {
		threadsPerRank = 1
	}
	threadsPerCore := spec.ThreadsPerCore
	if threadsPerCore < 1 {
		threadsPerCore = 1
	}
	job := &Job{
		ID:               id,
		Workdir:          spec.Workdir,
		State:            Created,
		AppID:            spec.AppID,
		NumNodes:         spec.NumNodes,
		RanksPerNode:     spec.RanksPerNode,
		ThreadsPerRank:   threadsPerRank,
		ThreadsPerCore:   threadsPerCore,
		GPUsPerRank:      spec.GPUsPerRank,
		NodePackingCount: spec.NodePackingCount,
		WallTimeMin:      spec.WallTimeMin,
		Tags:             maps.Clone(spec.Tags),
		Parameters:       maps.Clone(spec.Parameters),
		ParentIDs:        slices.Clone(spec.ParentIDs),
		LastUpdate:       now,
	}
	if job.Tags == nil {
		job.Tags = map[string]string{}
	}
	if len(job.ParentIDs) > 0 {
		slices.Sort(job.ParentIDs)
		job.ParentIDs = slices.Compact(job.ParentIDs)
	}
	return job
}

// StateUpdate is a state change reported by the holder of a lease.
type StateUpdate struct {
	JobID      int64
	State      JobState
	ReturnCode *int
	Data       map[string]string
}

// MissingIDs returns the ids in ids that no job in jobs carries, in the order given.
func MissingIDs(ids []int64, jobs []*Job) []int64 {
	found := make(map[int64]bool, len(jobs))
	for _, job := range jobs {
		found[job.ID] = true
	}
	missing := make([]int64, 0)
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
