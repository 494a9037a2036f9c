package launcher

import (
	"sync"

	"github.com/argonne-lcf/balsam/internal/metrics"
	"github.com/argonne-lcf/balsam/internal/model"
)

// Node occupancy is compared with this slack so that rounding never leaves a node that should be full
// looking slightly free, or one that should be free looking slightly busy.
const occupancySlack = 1e-3

type node struct {
	occupancy float64
}

type placement struct {
	nodes     []int
	footprint float64
}

// NodePool tracks how much of each of the launcher's nodes is in use.
// Multi-node jobs take whole idle nodes. Single-node jobs take 1/NodePackingCount of one node.
type NodePool struct {
	mu         sync.Mutex
	nodes      []node
	placements map[int64]placement
}

func NewNodePool(count int) *NodePool {
	p := &NodePool{
		nodes:      make([]node, count),
		placements: map[int64]placement{},
	}
	p.updateMetrics()
	return p
}

// Assign places job and returns the indexes of the nodes it runs on, or false if it does not currently fit.
func (p *NodePool) Assign(job *model.Job) ([]int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.placements[job.ID]; ok {
		return nil, false
	}

	var assigned []int
	footprint := job.NodeFootprint()
	if job.NumNodes > 1 {
		for i := range p.nodes {
			if p.nodes[i].occupancy < occupancySlack {
				assigned = append(assigned, i)
				if len(assigned) == job.NumNodes {
					break
				}
			}
		}
		if len(assigned) < job.NumNodes {
			return nil, false
		}
		footprint = 1
	} else {
		for i := range p.nodes {
			if p.nodes[i].occupancy+footprint <= 1+occupancySlack {
				assigned = []int{i}
				break
			}
		}
		if assigned == nil {
			return nil, false
		}
	}

	for _, i := range assigned {
		p.nodes[i].occupancy += footprint
	}
	p.placements[job.ID] = placement{nodes: assigned, footprint: footprint}
	p.updateMetrics()
	return assigned, true
}

// Free releases the nodes held by a job. Freeing an unknown job is a no-op.
func (p *NodePool) Free(jobID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	placed, ok := p.placements[jobID]
	if !ok {
		return
	}
	for _, i := range placed.nodes {
		p.nodes[i].occupancy -= placed.footprint
		if p.nodes[i].occupancy < occupancySlack {
			p.nodes[i].occupancy = 0
		}
	}
	delete(p.placements, jobID)
	p.updateMetrics()
}

// IdleNodes returns the number of nodes running nothing.
func (p *NodePool) IdleNodes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleNodes()
}

// FreeCapacity returns the total unused fraction of all nodes.
func (p *NodePool) FreeCapacity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCapacity()
}

// RunningJobs returns the number of jobs currently placed.
func (p *NodePool) RunningJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.placements)
}

// Bound caps template's nodes per job at the size of the pool, so nothing acquired with it is too large to
// ever be placed.
func (p *NodePool) Bound(template model.Budget) model.Budget {
	p.mu.Lock()
	defer p.mu.Unlock()
	budget := template
	if budget.MaxNodesPerJob == 0 || budget.MaxNodesPerJob > len(p.nodes) {
		budget.MaxNodesPerJob = len(p.nodes)
	}
	return budget
}

// Budget narrows template to what fits in the free capacity of the pool. Returns false if nothing could fit.
func (p *NodePool) Budget(template model.Budget) (model.Budget, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.freeCapacity()
	if free < occupancySlack {
		return model.Budget{}, false
	}
	budget := template
	if budget.MaxAggregateNodes == 0 || free < budget.MaxAggregateNodes {
		budget.MaxAggregateNodes = free
	}
	// Partially used nodes can only take single-node jobs.
	maxNodes := p.idleNodes()
	if maxNodes < 1 {
		maxNodes = 1
	}
	if budget.MaxNodesPerJob == 0 || maxNodes < budget.MaxNodesPerJob {
		budget.MaxNodesPerJob = maxNodes
	}
	if budget.MinNodesPerJob > budget.MaxNodesPerJob {
		return model.Budget{}, false
	}
	return budget, true
}

func (p *NodePool) idleNodes() int {
	idle := 0
	for _, n := range p.nodes {
		if n.occupancy < occupancySlack {
			idle++
		}
	}
	return idle
}

func (p *NodePool) freeCapacity() float64 {
	free := 0.0
	for _, n := range p.nodes {
		if n.occupancy < 1 {
			free += 1 - n.occupancy
		}
	}
	return free
}

func (p *NodePool) updateMetrics() {
	metrics.IdleNodes.Set(p.freeCapacity())
}
