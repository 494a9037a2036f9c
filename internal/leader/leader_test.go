package leader

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
)

func TestStandaloneLeaderController(t *testing.T) {
	controller := NewStandaloneLeaderController()
	assert.True(t, controller.ValidateToken(controller.GetToken()))
	assert.False(t, controller.ValidateToken(NewLeaderToken()))
	assert.False(t, controller.ValidateToken(InvalidLeaderToken()))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(db.Close)
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return db, client
}

var testLeaderConfig = RedisLeaderConfig{
	LockKey:       "balsam:reaper:leader",
	LeaseDuration: 15 * time.Second,
	RetryPeriod:   10 * time.Millisecond,
}

func TestRedisLeaderController_OnlyOneLeader(t *testing.T) {
	ctx := balsamcontext.Background()
	_, client := newRedis(t)
	a := NewRedisLeaderController(client, testLeaderConfig, clock.RealClock{})
	b := NewRedisLeaderController(client, testLeaderConfig, clock.RealClock{})

	require.NoError(t, a.step(ctx))
	require.NoError(t, b.step(ctx))
	assert.True(t, a.ValidateToken(a.GetToken()))
	assert.False(t, b.ValidateToken(b.GetToken()))

	// renewing keeps the same token
	token := a.GetToken()
	require.NoError(t, a.step(ctx))
	assert.True(t, a.ValidateToken(token))
}

func TestRedisLeaderController_LockExpires(t *testing.T) {
	ctx := balsamcontext.Background()
	db, client := newRedis(t)
	a := NewRedisLeaderController(client, testLeaderConfig, clock.RealClock{})
	b := NewRedisLeaderController(client, testLeaderConfig, clock.RealClock{})

	require.NoError(t, a.step(ctx))
	staleToken := a.GetToken()
	require.True(t, a.ValidateToken(staleToken))

	// a stops renewing for longer than the lease duration
	db.FastForward(testLeaderConfig.LeaseDuration + time.Second)
	require.NoError(t, b.step(ctx))
	assert.True(t, b.ValidateToken(b.GetToken()))

	// a finds out on its next renewal
	require.NoError(t, a.step(ctx))
	assert.False(t, a.ValidateToken(staleToken))
	assert.False(t, a.ValidateToken(a.GetToken()))
}

func TestRedisLeaderController_ReleasesOnShutdown(t *testing.T) {
	db, client := newRedis(t)
	a := NewRedisLeaderController(client, testLeaderConfig, clock.RealClock{})

	ctx, cancel := balsamcontext.WithCancel(balsamcontext.Background())
	done := make(chan error)
	go func() {
		done <- a.Run(ctx)
	}()
	assert.Eventually(t, func() bool { return a.ValidateToken(a.GetToken()) }, time.Second, time.Millisecond)
	assert.True(t, db.Exists(testLeaderConfig.LockKey))

	cancel()
	assert.NoError(t, <-done)
	assert.False(t, db.Exists(testLeaderConfig.LockKey))
	assert.False(t, a.ValidateToken(a.GetToken()))

	b := NewRedisLeaderController(client, testLeaderConfig, clock.RealClock{})
	require.NoError(t, b.step(balsamcontext.Background()))
	assert.True(t, b.ValidateToken(b.GetToken()))
}

func TestRedisLeaderController_RedisUnavailable(t *testing.T) {
	db, client := newRedis(t)
	a := NewRedisLeaderController(client, testLeaderConfig, clock.RealClock{})
	require.NoError(t, a.step(balsamcontext.Background()))
	require.True(t, a.ValidateToken(a.GetToken()))

	db.Close()
	assert.Error(t, a.step(balsamcontext.Background()))
	assert.False(t, a.ValidateToken(a.GetToken()))
}
