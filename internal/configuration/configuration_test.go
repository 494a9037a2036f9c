package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argonne-lcf/balsam/internal/common/config"
	"github.com/argonne-lcf/balsam/internal/model"
)

func loadDefault(t *testing.T) Configuration {
	var c Configuration
	_, err := config.LoadConfig(&c, "../../config/balsam", nil)
	require.NoError(t, err)
	return c
}

func TestDefaultConfigIsValid(t *testing.T) {
	c := loadDefault(t)
	require.NoError(t, c.Validate())
	assert.Equal(t, MemdbStore, c.Store.Type)
	assert.Equal(t, 10*time.Second, c.Session.HeartbeatPeriod)
	assert.Equal(t, model.SerialByPacking, c.Launcher.Budget.SerialMode)
	assert.Equal(t, model.OrderLongestFirst, c.Launcher.Budget.Order)
	assert.Equal(t, "localhost", c.Postgres.Connection["host"])
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(c *Configuration)
		valid  bool
	}{
		"default": {
			mutate: func(c *Configuration) {},
			valid:  true,
		},
		"unknown store": {
			mutate: func(c *Configuration) { c.Store.Type = "sqlite" },
		},
		"postgres without connection": {
			mutate: func(c *Configuration) {
				c.Store.Type = PostgresStore
				c.Postgres.Connection = nil
			},
		},
		"redis leader": {
			mutate: func(c *Configuration) { c.Leader.Mode = RedisLeader },
			valid:  true,
		},
		"redis leader without addresses": {
			mutate: func(c *Configuration) {
				c.Leader.Mode = RedisLeader
				c.Redis.Addrs = nil
			},
		},
		"redis leader retrying slower than lease": {
			mutate: func(c *Configuration) {
				c.Leader.Mode = RedisLeader
				c.Leader.RetryPeriod = c.Leader.LeaseDuration
			},
		},
		"expiration too close to heartbeat": {
			mutate: func(c *Configuration) { c.Session.ExpirationPeriod = 2 * c.Session.HeartbeatPeriod },
		},
		"no nodes": {
			mutate: func(c *Configuration) { c.Launcher.NodeCount = 0 },
		},
		"invalid budget": {
			mutate: func(c *Configuration) {
				c.Launcher.Budget.MinNodesPerJob = 4
				c.Launcher.Budget.MaxNodesPerJob = 2
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := loadDefault(t)
			tc.mutate(&c)
			err := c.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAsBudget(t *testing.T) {
	budget := BudgetConfig{
		MaxNumJobs: 4,
		SerialOnly: true,
		SerialMode: model.SerialBySingleRank,
		FilterTags: map[string]string{"k": "v"},
	}.AsBudget()
	assert.Equal(t, model.Budget{
		MaxNumJobs: 4,
		SerialOnly: true,
		SerialMode: model.SerialBySingleRank,
		FilterTags: map[string]string{"k": "v"},
	}, budget)
}
