package reaper

import (
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/argonne-lcf/balsam/internal/acquisition"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/leader"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
	"github.com/argonne-lcf/balsam/internal/store/memstore"
)

var testConfig = Config{
	SweepPeriod:      3 * time.Minute,
	ExpirationPeriod: 5 * time.Minute,
}

type fixture struct {
	ctx   *balsamcontext.Context
	clock *clock.FakeClock
	store *memstore.Store
	app   *model.App
}

func newFixture(t *testing.T) *fixture {
	testClock := clock.NewFakeClock(time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := memstore.New(testClock)
	require.NoError(t, err)
	ctx := balsamcontext.Background()
	app, err := s.CreateApp(ctx, model.App{SiteID: 1, Name: "app"})
	require.NoError(t, err)
	return &fixture{ctx: ctx, clock: testClock, store: s, app: app}
}

// leaseWithJobs creates a lease holding n running jobs.
func (f *fixture) leaseWithJobs(t *testing.T, n int) (*model.Lease, []*model.Job) {
	specs := make([]model.JobSpec, n)
	for i := range specs {
		specs[i] = model.JobSpec{Workdir: "w", AppID: f.app.ID, NumNodes: 1, RanksPerNode: 1, NodePackingCount: 1, InitialState: model.Preprocessed}
	}
	_, err := f.store.CreateJobs(f.ctx, specs)
	require.NoError(t, err)
	lease, err := f.store.CreateLease(f.ctx, f.app.SiteID, nil)
	require.NoError(t, err)
	jobs, err := f.store.AcquireJobs(f.ctx, store.AcquireRequest{
		LeaseID:     lease.ID,
		Budget:      model.Budget{MaxNumJobs: n},
		LeaseCutoff: f.clock.Now().Add(-testConfig.ExpirationPeriod),
		Pack:        acquisition.Pack,
	})
	require.NoError(t, err)
	require.Len(t, jobs, n)
	return lease, jobs
}

func (f *fixture) states(t *testing.T, jobs []*model.Job) []model.JobState {
	ids := make([]int64, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	stored, err := f.store.GetJobs(f.ctx, ids)
	require.NoError(t, err)
	states := make([]model.JobState, len(stored))
	for i, job := range stored {
		states[i] = job.State
	}
	return states
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	_, crashedJobs := f.leaseWithJobs(t, 2)
	f.clock.Step(3 * time.Minute)
	alive, aliveJobs := f.leaseWithJobs(t, 1)
	f.clock.Step(3 * time.Minute)

	r := New(f.store, f.store, leader.NewStandaloneLeaderController(), f.clock, testConfig)
	require.NoError(t, r.Sweep(f.ctx))

	assert.Equal(t, []model.JobState{model.RestartReady, model.RestartReady}, f.states(t, crashedJobs))
	assert.Equal(t, []model.JobState{model.Running}, f.states(t, aliveJobs))
	_, err := f.store.GetLease(f.ctx, alive.ID)
	assert.NoError(t, err)

	// sweeping again is a no-op
	require.NoError(t, r.Sweep(f.ctx))
	_, err = f.store.GetLease(f.ctx, alive.ID)
	assert.NoError(t, err)
	assert.Equal(t, []model.JobState{model.RestartReady, model.RestartReady}, f.states(t, crashedJobs))
}

type flakyLeases struct {
	store.LeaseStore
	failFor string
}

func (s *flakyLeases) ReapLease(ctx *balsamcontext.Context, leaseID string, cutoff time.Time) ([]*model.Job, error) {
	if leaseID == s.failFor {
		return nil, errors.New("connection reset")
	}
	return s.LeaseStore.ReapLease(ctx, leaseID, cutoff)
}

func TestSweep_ContinuesAfterFailure(t *testing.T) {
	f := newFixture(t)
	broken, brokenJobs := f.leaseWithJobs(t, 1)
	_, okJobs := f.leaseWithJobs(t, 1)
	f.clock.Step(10 * time.Minute)

	r := New(&flakyLeases{LeaseStore: f.store, failFor: broken.ID}, f.store, leader.NewStandaloneLeaderController(), f.clock, testConfig)
	err := r.Sweep(f.ctx)
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 1)

	assert.Equal(t, []model.JobState{model.Running}, f.states(t, brokenJobs))
	assert.Equal(t, []model.JobState{model.RestartReady}, f.states(t, okJobs))
}

type neverLeader struct{}

func (neverLeader) GetToken() leader.LeaderToken {
	return leader.InvalidLeaderToken()
}

func (neverLeader) ValidateToken(leader.LeaderToken) bool {
	return false
}

func (neverLeader) Run(_ *balsamcontext.Context) error {
	return nil
}

func TestRun(t *testing.T) {
	tests := map[string]struct {
		leaderController leader.LeaderController
		expected         model.JobState
	}{
		"leader reaps":      {leaderController: leader.NewStandaloneLeaderController(), expected: model.RestartReady},
		"follower does not": {leaderController: neverLeader{}, expected: model.Running},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			_, jobs := f.leaseWithJobs(t, 1)
			r := New(f.store, f.store, tc.leaderController, f.clock, testConfig)

			ctx, cancel := balsamcontext.WithCancel(f.ctx)
			done := make(chan error)
			go func() {
				done <- r.Run(ctx)
			}()

			// one sweep happens straight away, with nothing to reap
			require.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)
			f.clock.Step(6 * time.Minute)
			if tc.expected == model.RestartReady {
				assert.Eventually(t, func() bool {
					return f.states(t, jobs)[0] == model.RestartReady
				}, time.Second, time.Millisecond)
			} else {
				time.Sleep(20 * time.Millisecond)
				assert.Equal(t, []model.JobState{tc.expected}, f.states(t, jobs))
			}
			cancel()
			assert.NoError(t, <-done)
		})
	}
}
