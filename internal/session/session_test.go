package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/argonne-lcf/balsam/internal/acquisition"
	"github.com/argonne-lcf/balsam/internal/apps"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store/memstore"
)

var testConfig = Config{
	HeartbeatPeriod:  time.Minute,
	ExpirationPeriod: 5 * time.Minute,
	StopTimeout:      5 * time.Second,
}

type fixture struct {
	ctx    *balsamcontext.Context
	clock  *clock.FakeClock
	store  *memstore.Store
	engine *acquisition.Engine
	app    *model.App
}

func newFixture(t *testing.T) *fixture {
	testClock := clock.NewFakeClock(time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := memstore.New(testClock)
	require.NoError(t, err)
	cache, err := apps.NewCache(s, 16, time.Minute, testClock)
	require.NoError(t, err)
	ctx := balsamcontext.Background()
	app, err := cache.Create(ctx, model.App{SiteID: 1, Name: "app"})
	require.NoError(t, err)
	return &fixture{
		ctx:    ctx,
		clock:  testClock,
		store:  s,
		engine: acquisition.NewEngine(s, s, cache, testClock, testConfig.ExpirationPeriod),
		app:    app,
	}
}

func (f *fixture) open(t *testing.T) *Session {
	s, err := Open(f.ctx, f.store, f.engine, f.clock, testConfig, f.app.SiteID, nil)
	require.NoError(t, err)
	return s
}

func (f *fixture) createJobs(t *testing.T, n int) {
	specs := make([]model.JobSpec, n)
	for i := range specs {
		specs[i] = model.JobSpec{Workdir: "w", AppID: f.app.ID, NumNodes: 1, RanksPerNode: 1, NodePackingCount: 1, InitialState: model.Preprocessed}
	}
	_, err := f.store.CreateJobs(f.ctx, specs)
	require.NoError(t, err)
}

// advance moves the clock forward by one heartbeat period and waits for the heartbeat to land.
func (f *fixture) advance(t *testing.T, s *Session) {
	require.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)
	f.clock.Step(testConfig.HeartbeatPeriod)
	require.Eventually(t, func() bool {
		return s.heartbeat.LastHeartbeat().Equal(f.clock.Now())
	}, time.Second, time.Millisecond)
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	defer func() {
		_, _ = s.Close(f.ctx)
	}()

	for i := 0; i < 20; i++ {
		f.advance(t, s)
		expired, err := f.store.ListExpiredLeases(f.ctx, f.clock.Now().Add(-testConfig.ExpirationPeriod))
		require.NoError(t, err)
		assert.Empty(t, expired)
		assert.NoError(t, s.Check())
	}

	lease, err := f.store.GetLease(f.ctx, s.LeaseID())
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), lease.Heartbeat)
}

func TestCloseReleasesJobs(t *testing.T) {
	f := newFixture(t)
	f.createJobs(t, 5)
	s := f.open(t)

	acquired, err := s.Acquire(f.ctx, model.Budget{MaxNumJobs: 3})
	require.NoError(t, err)
	require.Len(t, acquired, 3)

	done, err := s.Update(f.ctx, []model.StateUpdate{{JobID: acquired[0].ID, State: model.RunDone}})
	require.NoError(t, err)
	assert.Equal(t, model.RunDone, done[0].State)

	released, err := s.Close(f.ctx)
	require.NoError(t, err)
	require.Len(t, released, 2)
	for _, job := range released {
		assert.Equal(t, model.RunTimeout, job.State)
		assert.False(t, job.IsAssigned())
	}

	_, err = f.store.GetLease(f.ctx, s.LeaseID())
	assert.True(t, balsamerrors.IsNotFound(err))

	// the heartbeat has stopped, so it does not notice the lease is gone
	f.clock.Step(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, s.heartbeat.Lost())

	released, err = s.Close(f.ctx)
	assert.NoError(t, err)
	assert.Empty(t, released)

	_, err = s.Acquire(f.ctx, model.Budget{MaxNumJobs: 1})
	assert.True(t, balsamerrors.IsLeaseExpired(err))
}

func TestCloseAfterCallerCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := balsamcontext.WithCancel(f.ctx)
	s, err := Open(ctx, f.store, f.engine, f.clock, testConfig, f.app.SiteID, nil)
	require.NoError(t, err)
	cancel()

	// the lease is still being heartbeated
	f.advance(t, s)

	_, err = s.Close(f.ctx)
	require.NoError(t, err)
}

func TestCheckDetectsReapedLease(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	defer func() {
		_, _ = s.Close(f.ctx)
	}()
	require.NoError(t, s.Check())

	// a reaper with a wildly wrong clock removes the lease
	_, err := f.store.ReapLease(f.ctx, s.LeaseID(), f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	require.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)
	f.clock.Step(testConfig.HeartbeatPeriod)
	require.Eventually(t, s.heartbeat.Lost, time.Second, time.Millisecond)
	assert.True(t, balsamerrors.IsLeaseExpired(s.Check()))
}

func TestCheckDetectsMissedHeartbeats(t *testing.T) {
	f := newFixture(t)
	lease, err := f.store.CreateLease(f.ctx, f.app.SiteID, nil)
	require.NoError(t, err)
	// No background heartbeat, so nothing refreshes the lease while the clock moves.
	s := &Session{
		lease:     lease,
		clock:     f.clock,
		config:    testConfig,
		heartbeat: NewHeartbeat(f.store, lease),
	}
	require.NoError(t, s.Check())

	f.clock.Step(testConfig.ExpirationPeriod - time.Second)
	assert.NoError(t, s.Check())

	f.clock.Step(time.Second)
	assert.True(t, balsamerrors.IsLeaseExpired(s.Check()))

	s.heartbeat.Tick(f.ctx)
	assert.NoError(t, s.Check())
}
