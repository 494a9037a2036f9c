package config

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the client used for reaper leader election.
type RedisConfig struct {
	// A single address, a cluster seed list, or the sentinel addresses when MasterName is set
	Addrs    []string `validate:"required"`
	DB       int      `validate:"gte=0,lte=16"`
	Password string
	// Sentinel master name. Empty unless redis runs behind sentinel
	MasterName string
	PoolSize   int `validate:"required"`

	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// Connections older than this are closed. Zero keeps them forever
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// AsUniversalOptions converts the config for redis.NewUniversalClient, which picks a single node, cluster
// or sentinel client from the addresses and master name.
func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           rc.Addrs,
		DB:              rc.DB,
		Password:        rc.Password,
		MasterName:      rc.MasterName,
		PoolSize:        rc.PoolSize,
		MaxRetries:      rc.MaxRetries,
		MinRetryBackoff: rc.MinRetryBackoff,
		MaxRetryBackoff: rc.MaxRetryBackoff,
		DialTimeout:     rc.DialTimeout,
		ReadTimeout:     rc.ReadTimeout,
		WriteTimeout:    rc.WriteTimeout,
		ConnMaxLifetime: rc.ConnMaxLifetime,
		ConnMaxIdleTime: rc.ConnMaxIdleTime,
	}
}
