package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
)

func TestBudgetValidate(t *testing.T) {
	tests := map[string]struct {
		budget Budget
		field  string
	}{
		"valid": {
			budget: Budget{MaxNumJobs: 1},
		},
		"zero jobs": {
			budget: Budget{MaxNumJobs: 0},
			field:  "MaxNumJobs",
		},
		"negative wall time": {
			budget: Budget{MaxNumJobs: 1, MaxWallTimeMin: -1},
			field:  "MaxWallTimeMin",
		},
		"min above max nodes": {
			budget: Budget{MaxNumJobs: 1, MinNodesPerJob: 4, MaxNodesPerJob: 2},
			field:  "MinNodesPerJob",
		},
		"negative aggregate": {
			budget: Budget{MaxNumJobs: 1, MaxAggregateNodes: -0.5},
			field:  "MaxAggregateNodes",
		},
		"unknown state": {
			budget: Budget{MaxNumJobs: 1, States: []JobState{"NAPPING"}},
			field:  "States",
		},
		"running state": {
			budget: Budget{MaxNumJobs: 1, States: []JobState{Running}},
			field:  "States",
		},
		"processing states": {
			budget: Budget{MaxNumJobs: 10, States: append(RunnableStates, ProcessingStates...)},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.budget.Validate()
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var invalid *balsamerrors.ErrInvalidArgument
			if assert.ErrorAs(t, err, &invalid) {
				assert.Equal(t, tc.field, invalid.Name)
			}
		})
	}
}

func TestBudgetAdmits(t *testing.T) {
	job := func(mutate func(j *Job)) *Job {
		j := &Job{
			ID:               1,
			State:            Preprocessed,
			AppID:            1,
			NumNodes:         1,
			RanksPerNode:     1,
			NodePackingCount: 4,
			WallTimeMin:      30,
			Tags:             map[string]string{"experiment": "xpcs"},
		}
		mutate(j)
		return j
	}
	tests := map[string]struct {
		budget   Budget
		job      *Job
		admitted bool
	}{
		"default budget": {
			budget:   Budget{MaxNumJobs: 1},
			job:      job(func(j *Job) {}),
			admitted: true,
		},
		"wrong state": {
			budget: Budget{MaxNumJobs: 1},
			job:    job(func(j *Job) { j.State = StagedIn }),
		},
		"processing state requested": {
			budget:   Budget{MaxNumJobs: 1, States: []JobState{StagedIn}},
			job:      job(func(j *Job) { j.State = StagedIn }),
			admitted: true,
		},
		"already assigned": {
			budget: Budget{MaxNumJobs: 1},
			job:    job(func(j *Job) { j.LeaseID = "other" }),
		},
		"app filter": {
			budget: Budget{MaxNumJobs: 1, AppIDs: []int64{2, 3}},
			job:    job(func(j *Job) {}),
		},
		"tag mismatch": {
			budget: Budget{MaxNumJobs: 1, FilterTags: map[string]string{"experiment": "saxs"}},
			job:    job(func(j *Job) {}),
		},
		"tag match": {
			budget:   Budget{MaxNumJobs: 1, FilterTags: map[string]string{"experiment": "xpcs"}},
			job:      job(func(j *Job) {}),
			admitted: true,
		},
		"serial only rejects unpacked job": {
			budget: Budget{MaxNumJobs: 1, SerialOnly: true},
			job:    job(func(j *Job) { j.NodePackingCount = 1 }),
		},
		"serial only by rank": {
			budget:   Budget{MaxNumJobs: 1, SerialOnly: true, SerialMode: SerialBySingleRank},
			job:      job(func(j *Job) { j.NodePackingCount = 1 }),
			admitted: true,
		},
		"too many nodes": {
			budget: Budget{MaxNumJobs: 1, MaxNodesPerJob: 2},
			job:    job(func(j *Job) { j.NumNodes = 4 }),
		},
		"too few nodes": {
			budget: Budget{MaxNumJobs: 1, MinNodesPerJob: 2},
			job:    job(func(j *Job) {}),
		},
		"too long": {
			budget: Budget{MaxNumJobs: 1, MaxWallTimeMin: 20},
			job:    job(func(j *Job) {}),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.admitted, tc.budget.Admits(tc.job))
		})
	}
}

func TestNodeFootprint(t *testing.T) {
	assert.Equal(t, 4.0, (&Job{NumNodes: 4, NodePackingCount: 1}).NodeFootprint())
	assert.Equal(t, 1.0, (&Job{NumNodes: 1, NodePackingCount: 1}).NodeFootprint())
	assert.Equal(t, 0.25, (&Job{NumNodes: 1, NodePackingCount: 4}).NodeFootprint())
}

func TestParseSerialMode(t *testing.T) {
	for _, mode := range []SerialMode{SerialByPacking, SerialBySingleRank} {
		parsed, err := ParseSerialMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	parsed, err := ParseSerialMode("")
	require.NoError(t, err)
	assert.Equal(t, SerialByPacking, parsed)
	_, err = ParseSerialMode("threads")
	assert.Error(t, err)
}

func TestParseCandidateOrder(t *testing.T) {
	for _, order := range []CandidateOrder{OrderLongestFirst, OrderLargestFirst} {
		parsed, err := ParseCandidateOrder(order.String())
		require.NoError(t, err)
		assert.Equal(t, order, parsed)
	}
	_, err := ParseCandidateOrder("random")
	assert.Error(t, err)
}
