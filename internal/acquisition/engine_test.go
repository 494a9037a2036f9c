package acquisition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/argonne-lcf/balsam/internal/apps"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store/memstore"
)

const testExpiration = 5 * time.Minute

type engineFixture struct {
	ctx    *balsamcontext.Context
	clock  *clock.FakeClock
	store  *memstore.Store
	engine *Engine
	apps   *apps.Cache
}

func newEngineFixture(t *testing.T) *engineFixture {
	testClock := clock.NewFakeClock(time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := memstore.New(testClock)
	require.NoError(t, err)
	cache, err := apps.NewCache(s, 32, time.Minute, testClock)
	require.NoError(t, err)
	return &engineFixture{
		ctx:    balsamcontext.Background(),
		clock:  testClock,
		store:  s,
		engine: NewEngine(s, s, cache, testClock, testExpiration),
		apps:   cache,
	}
}

func (f *engineFixture) createJobs(t *testing.T, appID int64, n int) []*model.Job {
	specs := make([]model.JobSpec, n)
	for i := range specs {
		specs[i] = model.JobSpec{
			Workdir:          "w",
			AppID:            appID,
			NumNodes:         1,
			RanksPerNode:     1,
			NodePackingCount: 1,
			InitialState:     model.Preprocessed,
		}
	}
	jobs, err := f.store.CreateJobs(f.ctx, specs)
	require.NoError(t, err)
	return jobs
}

func TestAcquire_RestrictedToSiteApps(t *testing.T) {
	f := newEngineFixture(t)
	local, err := f.apps.Create(f.ctx, model.App{SiteID: 1, Name: "local"})
	require.NoError(t, err)
	remote, err := f.apps.Create(f.ctx, model.App{SiteID: 2, Name: "remote"})
	require.NoError(t, err)
	localJobs := f.createJobs(t, local.ID, 2)
	f.createJobs(t, remote.ID, 2)

	lease, err := f.store.CreateLease(f.ctx, 1, nil)
	require.NoError(t, err)

	acquired, err := f.engine.Acquire(f.ctx, lease.ID, model.Budget{MaxNumJobs: 10})
	require.NoError(t, err)
	assert.Equal(t, packedIDs(localJobs), packedIDs(acquired))

	// asking for another site's app yields nothing
	acquired, err = f.engine.Acquire(f.ctx, lease.ID, model.Budget{MaxNumJobs: 10, AppIDs: []int64{remote.ID}})
	require.NoError(t, err)
	assert.Empty(t, acquired)
}

func TestAcquire_SiteWithoutApps(t *testing.T) {
	f := newEngineFixture(t)
	lease, err := f.store.CreateLease(f.ctx, 3, nil)
	require.NoError(t, err)
	acquired, err := f.engine.Acquire(f.ctx, lease.ID, model.Budget{MaxNumJobs: 10})
	require.NoError(t, err)
	assert.Empty(t, acquired)
}

func TestAcquire_InvalidBudget(t *testing.T) {
	f := newEngineFixture(t)
	app, err := f.apps.Create(f.ctx, model.App{SiteID: 1, Name: "local"})
	require.NoError(t, err)
	jobs := f.createJobs(t, app.ID, 1)
	lease, err := f.store.CreateLease(f.ctx, 1, nil)
	require.NoError(t, err)

	_, err = f.engine.Acquire(f.ctx, lease.ID, model.Budget{MaxNumJobs: 0})
	var invalid *balsamerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)

	stored, err := f.store.GetJobs(f.ctx, packedIDs(jobs))
	require.NoError(t, err)
	assert.Equal(t, model.Preprocessed, stored[0].State)
	assert.False(t, stored[0].IsAssigned())
}

func TestAcquire_UnknownAndExpiredLease(t *testing.T) {
	f := newEngineFixture(t)
	app, err := f.apps.Create(f.ctx, model.App{SiteID: 1, Name: "local"})
	require.NoError(t, err)
	f.createJobs(t, app.ID, 1)

	_, err = f.engine.Acquire(f.ctx, "no-such-lease", model.Budget{MaxNumJobs: 1})
	assert.True(t, balsamerrors.IsNotFound(err))

	lease, err := f.store.CreateLease(f.ctx, 1, nil)
	require.NoError(t, err)
	f.clock.Step(testExpiration)
	_, err = f.engine.Acquire(f.ctx, lease.ID, model.Budget{MaxNumJobs: 1})
	assert.True(t, balsamerrors.IsLeaseExpired(err))
}

func TestRestrictApps(t *testing.T) {
	assert.Equal(t, []int64{1, 2}, restrictApps(nil, []int64{1, 2}))
	assert.Equal(t, []int64{2}, restrictApps([]int64{2, 3, 2}, []int64{1, 2}))
	assert.Empty(t, restrictApps([]int64{3}, []int64{1, 2}))
}
