package model

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
)

// SerialMode selects which jobs count as serial when a budget asks for serial jobs only.
type SerialMode int

const (
	// SerialByPacking treats single-node jobs that share their node (NodePackingCount > 1) as serial.
	SerialByPacking SerialMode = iota
	// SerialBySingleRank treats single-node, single-rank jobs as serial.
	SerialBySingleRank
)

func (m SerialMode) String() string {
	switch m {
	case SerialByPacking:
		return "packing"
	case SerialBySingleRank:
		return "single-rank"
	default:
		return "unknown"
	}
}

// ParseSerialMode parses the names printed by SerialMode.String.
func ParseSerialMode(s string) (SerialMode, error) {
	switch s {
	case "packing", "":
		return SerialByPacking, nil
	case "single-rank":
		return SerialBySingleRank, nil
	}
	return 0, errors.WithStack(&balsamerrors.ErrInvalidArgument{Name: "SerialMode", Value: s, Message: "expected packing or single-rank"})
}

// CandidateOrder selects the order in which candidates are offered to the packer.
type CandidateOrder int

const (
	// OrderLongestFirst sorts by wall time descending, then node packing count ascending, then id.
	OrderLongestFirst CandidateOrder = iota
	// OrderLargestFirst sorts by node count descending, then wall time descending, then id.
	OrderLargestFirst
)

func (o CandidateOrder) String() string {
	switch o {
	case OrderLongestFirst:
		return "longest-first"
	case OrderLargestFirst:
		return "largest-first"
	default:
		return "unknown"
	}
}

func ParseCandidateOrder(s string) (CandidateOrder, error) {
	switch s {
	case "longest-first", "":
		return OrderLongestFirst, nil
	case "largest-first":
		return OrderLargestFirst, nil
	}
	return 0, errors.WithStack(&balsamerrors.ErrInvalidArgument{Name: "Order", Value: s, Message: "expected longest-first or largest-first"})
}

// Budget bounds a single acquisition. A zero value for any of the optional caps means no cap.
type Budget struct {
	// MaxNumJobs is required and must be at least 1.
	MaxNumJobs        int
	MaxWallTimeMin    int
	MinNodesPerJob    int
	MaxNodesPerJob    int
	MaxAggregateNodes float64
	SerialOnly        bool
	SerialMode        SerialMode
	FilterTags        map[string]string
	// States defaults to RunnableStates when empty.
	States []JobState
	// AppIDs restricts acquisition to these apps when non-empty.
	AppIDs []int64
	Order  CandidateOrder
}

func (b Budget) Validate() error {
	invalid := func(name string, value interface{}, msg string) error {
		return errors.WithStack(&balsamerrors.ErrInvalidArgument{Name: name, Value: value, Message: msg})
	}
	if b.MaxNumJobs < 1 {
		return invalid("MaxNumJobs", b.MaxNumJobs, "must be at least 1")
	}
	if b.MaxWallTimeMin < 0 {
		return invalid("MaxWallTimeMin", b.MaxWallTimeMin, "must not be negative")
	}
	if b.MinNodesPerJob < 0 {
		return invalid("MinNodesPerJob", b.MinNodesPerJob, "must not be negative")
	}
	if b.MaxNodesPerJob < 0 {
		return invalid("MaxNodesPerJob", b.MaxNodesPerJob, "must not be negative")
	}
	if b.MaxNodesPerJob > 0 && b.MinNodesPerJob > b.MaxNodesPerJob {
		return invalid("MinNodesPerJob", b.MinNodesPerJob, "must not exceed MaxNodesPerJob")
	}
	if b.MaxAggregateNodes < 0 {
		return invalid("MaxAggregateNodes", b.MaxAggregateNodes, "must not be negative")
	}
	for _, s := range b.States {
		if !s.IsValid() {
			return invalid("States", s, "unknown job state")
		}
		if s.IsTerminal() || s == Running {
			return invalid("States", s, "jobs in this state cannot be acquired")
		}
	}
	if b.Order != OrderLongestFirst && b.Order != OrderLargestFirst {
		return invalid("Order", b.Order, "unknown candidate order")
	}
	if b.SerialMode != SerialByPacking && b.SerialMode != SerialBySingleRank {
		return invalid("SerialMode", b.SerialMode, "unknown serial mode")
	}
	return nil
}

// AcquirableStates returns the states jobs may be acquired from under this budget.
func (b Budget) AcquirableStates() []JobState {
	if len(b.States) == 0 {
		return RunnableStates
	}
	return b.States
}

// Admits applies the per-job restrictions of the budget. Jobs failing these checks are skipped
// during packing without ending the walk.
func (b Budget) Admits(job *Job) bool {
	if !slices.Contains(b.AcquirableStates(), job.State) {
		return false
	}
	if job.IsAssigned() {
		return false
	}
	return b.Matches(job)
}

// Matches applies the restrictions of the budget on the shape of a job, ignoring its state and assignment.
func (b Budget) Matches(job *Job) bool {
	if len(b.AppIDs) > 0 && !slices.Contains(b.AppIDs, job.AppID) {
		return false
	}
	if !job.MatchesTags(b.FilterTags) {
		return false
	}
	if b.SerialOnly && !job.IsSerial(b.SerialMode) {
		return false
	}
	if b.MaxNodesPerJob > 0 && job.NumNodes > b.MaxNodesPerJob {
		return false
	}
	if b.MinNodesPerJob > 0 && job.NumNodes < b.MinNodesPerJob {
		return false
	}
	if b.MaxWallTimeMin > 0 && job.WallTimeMin > b.MaxWallTimeMin {
		return false
	}
	return true
}
