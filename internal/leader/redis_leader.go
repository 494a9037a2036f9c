package leader

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/logging"
	"github.com/argonne-lcf/balsam/internal/common/util"
)

// Extends the lock only if we still own it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLeaderConfig struct {
	// Key of the lock in redis.
	LockKey string
	// How long the lock survives without being renewed.
	LeaseDuration time.Duration
	// How often the holder renews the lock, and others try to take it.
	RetryPeriod time.Duration
}

// RedisLeaderController elects a leader by holding an expiring lock in redis.
// A leader that stops renewing (e.g. because it crashed) loses the lock after LeaseDuration.
type RedisLeaderController struct {
	client   redis.UniversalClient
	config   RedisLeaderConfig
	clock    clock.WithTicker
	identity string
	mu       sync.Mutex
	token    LeaderToken
}

func NewRedisLeaderController(client redis.UniversalClient, config RedisLeaderConfig, clock clock.WithTicker) *RedisLeaderController {
	return &RedisLeaderController{
		client:   client,
		config:   config,
		clock:    clock,
		identity: util.NewULID(),
		token:    InvalidLeaderToken(),
	}
}

func (lc *RedisLeaderController) GetToken() LeaderToken {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.token
}

func (lc *RedisLeaderController) ValidateToken(tok LeaderToken) bool {
	if !tok.leader {
		return false
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.token.leader && lc.token.term == tok.term
}

// Run tries to acquire or renew the lock every RetryPeriod until ctx is cancelled, at which point the lock
// is released if held.
func (lc *RedisLeaderController) Run(ctx *balsamcontext.Context) error {
	ctx = balsamcontext.WithLogField(ctx, "identity", lc.identity)
	ticker := lc.clock.NewTicker(lc.config.RetryPeriod)
	defer ticker.Stop()
	for {
		if err := lc.step(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("Error contacting redis for leader election")
		}
		select {
		case <-ctx.Done():
			lc.release(balsamcontext.WithoutCancel(ctx))
			return nil
		case <-ticker.C():
		}
	}
}

// step performs one round of the election.
func (lc *RedisLeaderController) step(ctx *balsamcontext.Context) error {
	ttl := lc.config.LeaseDuration.Milliseconds()
	if lc.GetToken().leader {
		renewed, err := renewScript.Run(ctx, lc.client, []string{lc.config.LockKey}, lc.identity, ttl).Int()
		if err != nil {
			// We can't tell whether we still hold the lock, so stop acting as leader.
			lc.setLeader(ctx, false)
			return errors.WithStack(err)
		}
		lc.setLeader(ctx, renewed == 1)
		return nil
	}
	acquired, err := lc.client.SetNX(ctx, lc.config.LockKey, lc.identity, lc.config.LeaseDuration).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	lc.setLeader(ctx, acquired)
	return nil
}

func (lc *RedisLeaderController) release(ctx *balsamcontext.Context) {
	if !lc.GetToken().leader {
		return
	}
	lc.setLeader(ctx, false)
	if err := releaseScript.Run(ctx, lc.client, []string{lc.config.LockKey}, lc.identity).Err(); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("Failed to release leader lock %s", lc.config.LockKey)
	}
}

func (lc *RedisLeaderController) setLeader(ctx *balsamcontext.Context, leader bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.token.leader == leader {
		return
	}
	if leader {
		ctx.Log.Infof("Acquired leader lock %s", lc.config.LockKey)
		lc.token = NewLeaderToken()
	} else {
		ctx.Log.Infof("No longer holding leader lock %s", lc.config.LockKey)
		lc.token = InvalidLeaderToken()
	}
}
