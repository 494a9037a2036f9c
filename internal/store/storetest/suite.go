// Package storetest contains behavioural tests that every store.Store implementation must pass.
package storetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	clock "k8s.io/utils/clock/testing"

	"github.com/argonne-lcf/balsam/internal/acquisition"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
)

// Expiration is the lease expiration period used throughout the suite.
const Expiration = 5 * time.Minute

// Factory returns an empty store whose notion of now is driven by clock.
type Factory func(t *testing.T, clock *clock.FakeClock) store.Store

// Run runs the whole suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := map[string]func(t *testing.T, f *fixture){
		"basic acquire and release":          testBasicAcquireAndRelease,
		"aggregate node cap":                 testAggregateCap,
		"candidate order":                    testCandidateOrder,
		"serial only":                        testSerialOnly,
		"tag and app filters":                testFilters,
		"crash recovery":                     testCrashRecovery,
		"reap skips lease that heartbeated":  testReapSkipsLiveLease,
		"dead lease cannot acquire":          testDeadLeaseCannotAcquire,
		"stale lease updates are rejected":   testStaleLeaseUpdate,
		"updates require holding the job":    testUpdateRequiresHolder,
		"dependency propagation":             testDependencyPropagation,
		"missing parents are rejected":       testMissingParents,
		"failure propagates through a chain": testFailureChain,
		"event history":                      testEventHistory,
		"processing agents lock jobs":        testProcessingStates,
		"prune finished jobs":                testPrune,
		"prune keeps parents of live jobs":   testPruneKeepsLiveParents,
		"concurrent acquisition":             testMutualExclusion,
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			testClock := clock.NewFakeClock(time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC))
			f := &fixture{
				t:     t,
				ctx:   balsamcontext.Background(),
				store: newStore(t, testClock),
				clock: testClock,
			}
			app, err := f.store.CreateApp(f.ctx, model.App{SiteID: 1, Name: "simulate", Command: "true"})
			require.NoError(t, err)
			f.app = app
			test(t, f)
		})
	}
}

type fixture struct {
	t     *testing.T
	ctx   *balsamcontext.Context
	store store.Store
	clock *clock.FakeClock
	app   *model.App
}

func (f *fixture) spec(mutators ...func(s *model.JobSpec)) model.JobSpec {
	spec := model.JobSpec{
		Workdir:          "test/job",
		AppID:            f.app.ID,
		NumNodes:         1,
		RanksPerNode:     1,
		NodePackingCount: 1,
		WallTimeMin:      10,
		InitialState:     model.Preprocessed,
	}
	for _, m := range mutators {
		m(&spec)
	}
	return spec
}

func (f *fixture) createJobs(specs ...model.JobSpec) []*model.Job {
	jobs, err := f.store.CreateJobs(f.ctx, specs)
	require.NoError(f.t, err)
	require.Len(f.t, jobs, len(specs))
	return jobs
}

func (f *fixture) createIdenticalJobs(n int, mutators ...func(s *model.JobSpec)) []*model.Job {
	specs := make([]model.JobSpec, n)
	for i := range specs {
		specs[i] = f.spec(mutators...)
	}
	return f.createJobs(specs...)
}

func (f *fixture) newLease() *model.Lease {
	batchJobID := int64(7)
	lease, err := f.store.CreateLease(f.ctx, f.app.SiteID, &batchJobID)
	require.NoError(f.t, err)
	return lease
}

func (f *fixture) acquire(leaseID string, budget model.Budget) ([]*model.Job, error) {
	return f.store.AcquireJobs(f.ctx, store.AcquireRequest{
		LeaseID:     leaseID,
		Budget:      budget,
		LeaseCutoff: f.clock.Now().Add(-Expiration),
		Pack:        acquisition.Pack,
	})
}

func (f *fixture) mustAcquire(leaseID string, budget model.Budget) []*model.Job {
	jobs, err := f.acquire(leaseID, budget)
	require.NoError(f.t, err)
	return jobs
}

func (f *fixture) update(leaseID string, updates ...model.StateUpdate) ([]*model.Job, error) {
	return f.store.UpdateJobs(f.ctx, leaseID, f.clock.Now().Add(-Expiration), updates)
}

func (f *fixture) get(ids ...int64) map[int64]*model.Job {
	jobs, err := f.store.GetJobs(f.ctx, ids)
	require.NoError(f.t, err)
	result := make(map[int64]*model.Job, len(jobs))
	for _, job := range jobs {
		result[job.ID] = job
	}
	return result
}

func ids(jobs []*model.Job) []int64 {
	result := make([]int64, len(jobs))
	for i, job := range jobs {
		result[i] = job.ID
	}
	slices.Sort(result)
	return result
}

func testBasicAcquireAndRelease(t *testing.T, f *fixture) {
	created := f.createIdenticalJobs(5)
	lease := f.newLease()

	acquired := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 3})
	require.Len(t, acquired, 3)
	for _, job := range acquired {
		assert.Equal(t, model.Running, job.State)
		assert.Equal(t, lease.ID, job.LeaseID)
		require.NotNil(t, job.BatchJobID)
		assert.Equal(t, int64(7), *job.BatchJobID)
	}

	held, err := f.store.GetLeaseJobs(f.ctx, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, ids(acquired), ids(held))

	for _, job := range f.get(ids(created)...) {
		if slices.Contains(ids(acquired), job.ID) {
			continue
		}
		assert.Equal(t, model.Preprocessed, job.State)
		assert.False(t, job.IsAssigned())
	}

	released, err := f.store.ReleaseLease(f.ctx, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, ids(acquired), ids(released))
	for _, job := range f.get(ids(acquired)...) {
		assert.Equal(t, model.RunTimeout, job.State)
		assert.False(t, job.IsAssigned())
	}

	_, err = f.store.GetLease(f.ctx, lease.ID)
	assert.True(t, balsamerrors.IsNotFound(err))

	// releasing twice is a no-op
	released, err = f.store.ReleaseLease(f.ctx, lease.ID)
	assert.NoError(t, err)
	assert.Empty(t, released)
}

func testAggregateCap(t *testing.T, f *fixture) {
	f.createIdenticalJobs(4)
	lease := f.newLease()

	acquired := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10, MaxAggregateNodes: 2.5})
	assert.Len(t, acquired, 2)

	// packed jobs take a fraction of a node each
	f.createIdenticalJobs(6, func(s *model.JobSpec) { s.NodePackingCount = 4 })
	acquired = f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10, MaxAggregateNodes: 1, SerialOnly: true})
	assert.Len(t, acquired, 4)
}

func testCandidateOrder(t *testing.T, f *fixture) {
	jobs := f.createJobs(
		f.spec(func(s *model.JobSpec) { s.WallTimeMin = 10 }),
		f.spec(func(s *model.JobSpec) { s.WallTimeMin = 30; s.NodePackingCount = 2 }),
		f.spec(func(s *model.JobSpec) { s.WallTimeMin = 30 }),
		f.spec(func(s *model.JobSpec) { s.WallTimeMin = 20 }),
	)
	lease := f.newLease()

	first := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 1})
	require.Len(t, first, 1)
	assert.Equal(t, jobs[2].ID, first[0].ID)

	second := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 1})
	require.Len(t, second, 1)
	assert.Equal(t, jobs[1].ID, second[0].ID)

	third := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 1})
	require.Len(t, third, 1)
	assert.Equal(t, jobs[3].ID, third[0].ID)
}

func testSerialOnly(t *testing.T, f *fixture) {
	serial := f.createIdenticalJobs(3, func(s *model.JobSpec) { s.NodePackingCount = 4 })
	f.createIdenticalJobs(2)
	f.createIdenticalJobs(2, func(s *model.JobSpec) { s.NumNodes = 2; s.RanksPerNode = 4 })
	lease := f.newLease()

	acquired := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10, SerialOnly: true})
	assert.Equal(t, ids(serial), ids(acquired))
}

func testFilters(t *testing.T, f *fixture) {
	other, err := f.store.CreateApp(f.ctx, model.App{SiteID: 1, Name: "analyze"})
	require.NoError(t, err)
	tagged := f.createJobs(f.spec(func(s *model.JobSpec) { s.Tags = map[string]string{"experiment": "xpcs", "system": "theta"} }))
	f.createJobs(f.spec(func(s *model.JobSpec) { s.Tags = map[string]string{"experiment": "saxs"} }))
	otherApp := f.createJobs(f.spec(func(s *model.JobSpec) { s.AppID = other.ID }))
	lease := f.newLease()

	acquired := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10, FilterTags: map[string]string{"experiment": "xpcs"}})
	assert.Equal(t, ids(tagged), ids(acquired))

	acquired = f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10, AppIDs: []int64{other.ID}})
	assert.Equal(t, ids(otherApp), ids(acquired))
}

func testCrashRecovery(t *testing.T, f *fixture) {
	f.createIdenticalJobs(2)
	crashed := f.newLease()
	acquired := f.mustAcquire(crashed.ID, model.Budget{MaxNumJobs: 2})
	require.Len(t, acquired, 2)

	f.clock.Step(Expiration + time.Second)
	cutoff := f.clock.Now().Add(-Expiration)
	expired, err := f.store.ListExpiredLeases(f.ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, crashed.ID, expired[0].ID)

	reverted, err := f.store.ReapLease(f.ctx, crashed.ID, cutoff)
	require.NoError(t, err)
	assert.Equal(t, ids(acquired), ids(reverted))
	for _, job := range f.get(ids(acquired)...) {
		assert.Equal(t, model.RestartReady, job.State)
		assert.False(t, job.IsAssigned())
	}

	// reaping again changes nothing
	reverted, err = f.store.ReapLease(f.ctx, crashed.ID, cutoff)
	require.NoError(t, err)
	assert.Empty(t, reverted)
	expired, err = f.store.ListExpiredLeases(f.ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, expired)

	survivor := f.newLease()
	reacquired := f.mustAcquire(survivor.ID, model.Budget{MaxNumJobs: 5})
	assert.Equal(t, ids(acquired), ids(reacquired))
	for _, job := range reacquired {
		assert.Equal(t, model.Running, job.State)
		assert.Equal(t, survivor.ID, job.LeaseID)
	}
}

func testReapSkipsLiveLease(t *testing.T, f *fixture) {
	f.createIdenticalJobs(1)
	lease := f.newLease()
	acquired := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 1})
	require.Len(t, acquired, 1)

	f.clock.Step(Expiration + time.Second)
	cutoff := f.clock.Now().Add(-Expiration)
	expired, err := f.store.ListExpiredLeases(f.ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// the holder wakes up before the reaper gets to it
	_, err = f.store.TickLease(f.ctx, lease.ID)
	require.NoError(t, err)

	reverted, err := f.store.ReapLease(f.ctx, lease.ID, cutoff)
	require.NoError(t, err)
	assert.Empty(t, reverted)
	job := f.get(acquired[0].ID)[acquired[0].ID]
	assert.Equal(t, model.Running, job.State)
	assert.Equal(t, lease.ID, job.LeaseID)
}

func testDeadLeaseCannotAcquire(t *testing.T, f *fixture) {
	f.createIdenticalJobs(1)
	lease := f.newLease()
	f.clock.Step(Expiration)

	_, err := f.acquire(lease.ID, model.Budget{MaxNumJobs: 1})
	assert.True(t, balsamerrors.IsLeaseExpired(err))

	_, err = f.acquire("00000000-0000-0000-0000-000000000000", model.Budget{MaxNumJobs: 1})
	assert.True(t, balsamerrors.IsLeaseExpired(err))

	_, err = f.store.TickLease(f.ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, balsamerrors.IsNotFound(err))
}

func testStaleLeaseUpdate(t *testing.T, f *fixture) {
	f.createIdenticalJobs(1)
	lease := f.newLease()
	acquired := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 1})
	require.Len(t, acquired, 1)

	f.clock.Step(Expiration + time.Second)
	_, err := f.store.ReapLease(f.ctx, lease.ID, f.clock.Now().Add(-Expiration))
	require.NoError(t, err)

	_, err = f.update(lease.ID, model.StateUpdate{JobID: acquired[0].ID, State: model.RunDone})
	assert.True(t, balsamerrors.IsLeaseExpired(err))
	assert.Equal(t, model.RestartReady, f.get(acquired[0].ID)[acquired[0].ID].State)
}

func testUpdateRequiresHolder(t *testing.T, f *fixture) {
	f.createIdenticalJobs(2)
	mine := f.newLease()
	theirs := f.newLease()
	acquired := f.mustAcquire(theirs.ID, model.Budget{MaxNumJobs: 1})
	require.Len(t, acquired, 1)

	_, err := f.update(mine.ID, model.StateUpdate{JobID: acquired[0].ID, State: model.RunDone})
	var conflict *balsamerrors.ErrConflict
	assert.ErrorAs(t, err, &conflict)

	_, err = f.update(theirs.ID, model.StateUpdate{JobID: 999999, State: model.RunDone})
	assert.True(t, balsamerrors.IsNotFound(err))

	updated, err := f.update(theirs.ID, model.StateUpdate{JobID: acquired[0].ID, State: model.RunDone})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, model.RunDone, updated[0].State)
	assert.False(t, updated[0].IsAssigned())
}

func finish(t *testing.T, f *fixture, leaseID string, jobID int64) {
	_, err := f.update(leaseID,
		model.StateUpdate{JobID: jobID, State: model.RunDone},
		model.StateUpdate{JobID: jobID, State: model.Postprocessed},
		model.StateUpdate{JobID: jobID, State: model.JobFinished},
	)
	require.NoError(t, err)
}

func testMissingParents(t *testing.T, f *fixture) {
	parent := f.createIdenticalJobs(1)[0]
	_, err := f.store.CreateJobs(f.ctx, []model.JobSpec{
		f.spec(func(s *model.JobSpec) { s.ParentIDs = []int64{parent.ID, 424242, 434343} }),
	})
	var notFound *balsamerrors.ErrNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "job", notFound.Type)
	assert.Equal(t, "424242,434343", notFound.Value)
}

func testDependencyPropagation(t *testing.T, f *fixture) {
	parents := f.createIdenticalJobs(2)
	children := f.createJobs(f.spec(func(s *model.JobSpec) { s.ParentIDs = []int64{parents[0].ID, parents[1].ID} }))
	child := children[0]
	assert.Equal(t, model.AwaitingParents, child.State)

	lease := f.newLease()
	acquired := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10})
	assert.Equal(t, ids(parents), ids(acquired))

	finish(t, f, lease.ID, parents[0].ID)
	assert.Equal(t, model.AwaitingParents, f.get(child.ID)[child.ID].State)

	finish(t, f, lease.ID, parents[1].ID)
	assert.Equal(t, model.Ready, f.get(child.ID)[child.ID].State)

	// a job created after its parents finished skips waiting
	late := f.createJobs(f.spec(func(s *model.JobSpec) { s.ParentIDs = []int64{parents[0].ID} }))
	assert.Equal(t, model.Preprocessed, late[0].State)

	// the sweep has nothing left to do
	changed, err := f.store.ResolveDependencies(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func testFailureChain(t *testing.T, f *fixture) {
	root := f.createIdenticalJobs(1)[0]
	child := f.createJobs(f.spec(func(s *model.JobSpec) { s.ParentIDs = []int64{root.ID} }))[0]
	grandchild := f.createJobs(f.spec(func(s *model.JobSpec) { s.ParentIDs = []int64{child.ID} }))[0]

	lease := f.newLease()
	acquired := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10})
	require.Equal(t, []int64{root.ID}, ids(acquired))

	_, err := f.update(lease.ID, model.StateUpdate{JobID: root.ID, State: model.Failed})
	require.NoError(t, err)

	jobs := f.get(child.ID, grandchild.ID)
	assert.Equal(t, model.Failed, jobs[child.ID].State)
	assert.Equal(t, model.Failed, jobs[grandchild.ID].State)

	orphan := f.createJobs(f.spec(func(s *model.JobSpec) { s.ParentIDs = []int64{root.ID} }))[0]
	assert.Equal(t, model.Failed, orphan.State)
}

func testEventHistory(t *testing.T, f *fixture) {
	job := f.createIdenticalJobs(1)[0]
	lease := f.newLease()
	f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 1})
	_, err := f.update(lease.ID, model.StateUpdate{JobID: job.ID, State: model.RunError, Data: map[string]string{"error": "exit 1"}})
	require.NoError(t, err)

	events, err := f.store.ListEvents(f.ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	transitions := make([]string, len(events))
	for i, e := range events {
		transitions[i] = fmt.Sprintf("%s->%s", e.From, e.To)
	}
	assert.Equal(t, []string{"CREATED->PREPROCESSED", "PREPROCESSED->RUNNING", "RUNNING->RUN_ERROR"}, transitions)
	assert.Equal(t, lease.ID, events[1].Data[model.EventLeaseKey])
	assert.Equal(t, "exit 1", events[2].Data["error"])
}

func testProcessingStates(t *testing.T, f *fixture) {
	staged := f.createIdenticalJobs(2, func(s *model.JobSpec) { s.InitialState = model.StagedIn })
	lease := f.newLease()

	// staged jobs are not runnable
	assert.Empty(t, f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10}))

	locked := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10, States: model.ProcessingStates})
	assert.Equal(t, ids(staged), ids(locked))
	for _, job := range locked {
		assert.Equal(t, model.StagedIn, job.State)
		assert.Equal(t, lease.ID, job.LeaseID)
	}

	updated, err := f.update(lease.ID, model.StateUpdate{JobID: staged[0].ID, State: model.Preprocessed})
	require.NoError(t, err)
	assert.False(t, updated[0].IsAssigned())

	runnable := f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10})
	assert.Equal(t, []int64{staged[0].ID}, ids(runnable))
}

func testPrune(t *testing.T, f *fixture) {
	jobs := f.createIdenticalJobs(3)
	lease := f.newLease()
	f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 2})
	finish(t, f, lease.ID, jobs[0].ID)
	_, err := f.update(lease.ID, model.StateUpdate{JobID: jobs[1].ID, State: model.Failed})
	require.NoError(t, err)

	f.clock.Step(time.Hour)
	deleted, err := f.store.PruneJobs(f.ctx, f.clock.Now().Add(-30*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining := f.get(ids(jobs)...)
	assert.Equal(t, []int64{jobs[2].ID}, maps.Keys(remaining))
	events, err := f.store.ListEvents(f.ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testPruneKeepsLiveParents(t *testing.T, f *fixture) {
	parent := f.createIdenticalJobs(1)[0]
	lease := f.newLease()
	f.mustAcquire(lease.ID, model.Budget{MaxNumJobs: 10})
	finish(t, f, lease.ID, parent.ID)
	child := f.createJobs(f.spec(func(s *model.JobSpec) { s.ParentIDs = []int64{parent.ID} }))[0]
	assert.Equal(t, model.Preprocessed, child.State)

	f.clock.Step(time.Hour)
	deleted, err := f.store.PruneJobs(f.ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	// the first lease expired while the clock moved on
	second := f.newLease()
	acquired := f.mustAcquire(second.ID, model.Budget{MaxNumJobs: 10})
	assert.Equal(t, []int64{child.ID}, ids(acquired))

	finish(t, f, second.ID, child.ID)
	f.clock.Step(time.Hour)
	deleted, err = f.store.PruneJobs(f.ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Empty(t, f.get(parent.ID, child.ID))
}

func testMutualExclusion(t *testing.T, f *fixture) {
	const numJobs = 60
	const numLeases = 6
	created := f.createIdenticalJobs(numJobs, func(s *model.JobSpec) { s.NodePackingCount = 2 })

	leases := make([]*model.Lease, numLeases)
	for i := range leases {
		leases[i] = f.newLease()
	}

	var mu sync.Mutex
	owner := map[int64]string{}
	duplicates := 0
	var g errgroup.Group
	for _, lease := range leases {
		lease := lease
		g.Go(func() error {
			for {
				jobs, err := f.acquire(lease.ID, model.Budget{MaxNumJobs: 4, MaxAggregateNodes: 1.5})
				if err != nil || len(jobs) == 0 {
					return err
				}
				mu.Lock()
				for _, job := range jobs {
					if _, ok := owner[job.ID]; ok {
						duplicates++
					}
					owner[job.ID] = lease.ID
				}
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, duplicates)

	// Pick up anything skipped while rows were locked by a concurrent acquisition.
	for {
		jobs := f.mustAcquire(leases[0].ID, model.Budget{MaxNumJobs: numJobs})
		if len(jobs) == 0 {
			break
		}
		for _, job := range jobs {
			_, ok := owner[job.ID]
			assert.False(t, ok)
			owner[job.ID] = leases[0].ID
		}
	}
	assert.Len(t, owner, numJobs)

	for _, job := range f.get(ids(created)...) {
		assert.Equal(t, model.Running, job.State)
		assert.Equal(t, owner[job.ID], job.LeaseID)
	}
}
