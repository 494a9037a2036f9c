package acquisition

import (
	"sort"

	"github.com/argonne-lcf/balsam/internal/model"
)

// Aggregate node caps are compared with this tolerance so that e.g. three jobs of 1/3 node fit on one node.
const footprintEpsilon = 1e-9

// SortCandidates sorts jobs in place into the order in which they are offered to the packer.
// Ties are always broken by ascending job id so that the walk is deterministic for a fixed pool.
func SortCandidates(jobs []*model.Job, order model.CandidateOrder) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		switch order {
		case model.OrderLargestFirst:
			if a.NumNodes != b.NumNodes {
				return a.NumNodes > b.NumNodes
			}
			if a.WallTimeMin != b.WallTimeMin {
				return a.WallTimeMin > b.WallTimeMin
			}
		default:
			if a.WallTimeMin != b.WallTimeMin {
				return a.WallTimeMin > b.WallTimeMin
			}
			if a.NodePackingCount != b.NodePackingCount {
				return a.NodePackingCount < b.NodePackingCount
			}
		}
		return a.ID < b.ID
	})
}

// Pack selects the jobs to assign from candidates. Candidates are walked in SortCandidates order:
// jobs the budget does not admit are skipped, and the walk stops as soon as the job count cap is
// reached or the next job would push the aggregate node occupancy over the cap.
// The candidates slice is not modified.
func Pack(candidates []*model.Job, budget model.Budget) []*model.Job {
	return pack(candidates, budget, budget.Admits)
}

// PackHeld is Pack for jobs already held by the caller's lease, e.g. jobs prefetched by a launcher.
// Only the shape restrictions of the budget apply.
func PackHeld(held []*model.Job, budget model.Budget) []*model.Job {
	return pack(held, budget, budget.Matches)
}

func pack(candidates []*model.Job, budget model.Budget, admits func(*model.Job) bool) []*model.Job {
	ordered := make([]*model.Job, len(candidates))
	copy(ordered, candidates)
	SortCandidates(ordered, budget.Order)

	selected := make([]*model.Job, 0, min(budget.MaxNumJobs, len(ordered)))
	occupancy := 0.0
	for _, job := range ordered {
		if len(selected) >= budget.MaxNumJobs {
			break
		}
		if !admits(job) {
			continue
		}
		footprint := job.NodeFootprint()
		if budget.MaxAggregateNodes > 0 && occupancy+footprint > budget.MaxAggregateNodes+footprintEpsilon {
			break
		}
		occupancy += footprint
		selected = append(selected, job)
	}
	return selected
}
