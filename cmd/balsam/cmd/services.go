package cmd

import (
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/database"
	"github.com/argonne-lcf/balsam/internal/configuration"
	"github.com/argonne-lcf/balsam/internal/leader"
	"github.com/argonne-lcf/balsam/internal/reaper"
	"github.com/argonne-lcf/balsam/internal/store"
	"github.com/argonne-lcf/balsam/internal/store/memstore"
	"github.com/argonne-lcf/balsam/internal/store/pgstore"
)

// openStore returns the configured job pool and a function releasing its resources.
func openStore(ctx *balsamcontext.Context, config configuration.Configuration, clock clock.Clock) (store.Store, func(), error) {
	switch config.Store.Type {
	case configuration.PostgresStore:
		db, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, nil, err
		}
		ctx.Log.Info("Using postgres job pool")
		return pgstore.New(db, clock), db.Close, nil
	default:
		s, err := memstore.New(clock)
		if err != nil {
			return nil, nil, err
		}
		ctx.Log.Warn("Using in-memory job pool; jobs are lost when this process exits")
		return s, func() {}, nil
	}
}

// newReaper returns a reaper together with the controller deciding whether it sweeps. Both must be run.
func newReaper(ctx *balsamcontext.Context, s store.Store, config configuration.Configuration, clock clock.WithTicker) (*reaper.Reaper, leader.LeaderController, func()) {
	var leaderController leader.LeaderController
	closeLeader := func() {}
	switch config.Leader.Mode {
	case configuration.RedisLeader:
		client := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		closeLeader = func() {
			if err := client.Close(); err != nil {
				ctx.Log.WithError(err).Warn("Error closing redis client")
			}
		}
		leaderController = leader.NewRedisLeaderController(client, leader.RedisLeaderConfig{
			LockKey:       config.Leader.LockKey,
			LeaseDuration: config.Leader.LeaseDuration,
			RetryPeriod:   config.Leader.RetryPeriod,
		}, clock)
	default:
		leaderController = leader.NewStandaloneLeaderController()
	}
	r := reaper.New(s, s, leaderController, clock, reaper.Config{
		SweepPeriod:      config.Reaper.SweepPeriod,
		ExpirationPeriod: config.Session.ExpirationPeriod,
	})
	return r, leaderController, closeLeader
}
