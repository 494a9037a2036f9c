package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/argonne-lcf/balsam/internal/common/config"
	"github.com/argonne-lcf/balsam/internal/common/logging"
	"github.com/argonne-lcf/balsam/internal/model"
)

const (
	MemdbStore    = "memdb"
	PostgresStore = "postgres"

	StandaloneLeader = "standalone"
	RedisLeader      = "redis"
)

type Configuration struct {
	// Site this process acquires jobs for.
	SiteID int64 `validate:"required"`
	// Where the job pool lives
	Store StoreConfig
	// Database configuration. Required when Store.Type is postgres
	Postgres config.PostgresConfig `validate:"-"`
	// Redis configuration. Required when Leader.Mode is redis
	Redis config.RedisConfig `validate:"-"`
	// Lease heartbeat and expiry
	Session SessionConfig
	// Stale lease reaper
	Reaper ReaperConfig
	// Configuration controlling which reaper sweeps
	Leader LeaderConfig
	// Cache of the site's registered apps
	Apps AppsConfig
	Launcher LauncherConfig
	Metrics  MetricsConfig
	Logging  logging.Config
}

type StoreConfig struct {
	// Valid types are "memdb" or "postgres"
	Type string `validate:"required,oneof=memdb postgres"`
}

type SessionConfig struct {
	// How often the lease heartbeat is sent
	HeartbeatPeriod time.Duration `validate:"required"`
	// How long after its last heartbeat a lease is considered dead.
	// Must be at least three heartbeat periods so that a single failed heartbeat does not lose the lease
	ExpirationPeriod time.Duration `validate:"required"`
	// How long closing a session waits for the heartbeat to stop
	StopTimeout time.Duration `validate:"required"`
}

type ReaperConfig struct {
	// How often expired leases are looked for
	SweepPeriod time.Duration `validate:"required"`
	// If true the launcher also runs a reaper. Only useful with a shared store
	RunInLauncher bool
}

type LeaderConfig struct {
	// Valid modes are "standalone" or "redis"
	Mode string `validate:"required,oneof=standalone redis"`
	// Redis key holding the lock
	LockKey string
	// How long the lock is held for.
	// Non leaders must wait this long before taking over from a leader that has died
	LeaseDuration time.Duration
	// How often the leader renews the lock and non leaders try to take it
	RetryPeriod time.Duration
}

type AppsConfig struct {
	// Maximum number of apps held in memory
	CacheSize int `validate:"required,gt=0"`
	// How long a site's app list is trusted before being reloaded
	TTL time.Duration `validate:"required"`
}

type LauncherConfig struct {
	// Batch job the launcher runs inside, if any
	BatchJobID *int64
	// Number of compute nodes available to the launcher
	NodeCount int `validate:"required,gt=0"`
	// Directory job workdirs are relative to
	DataDir string `validate:"required"`
	// How often finished jobs are reported and new jobs started
	Period time.Duration `validate:"required"`
	// Exit once no job has run for this long. Zero means never
	IdleTimeout time.Duration `validate:"gte=0"`
	// Number of acquired jobs kept buffered ahead of free nodes. Zero disables prefetching
	PrefetchDepth int `validate:"gte=0"`
	// Acquisition attempts before an error is given up on until the next period
	AcquireAttempts uint `validate:"required"`
	// Initial delay between acquisition attempts; doubled after every attempt
	AcquireRetryDelay time.Duration `validate:"required"`
	// Limits applied to every acquisition
	Budget BudgetConfig
}

type BudgetConfig struct {
	// Maximum number of jobs per acquisition
	MaxNumJobs     int `validate:"required,gt=0"`
	MaxWallTimeMin int `validate:"gte=0"`
	MinNodesPerJob int `validate:"gte=0"`
	MaxNodesPerJob int `validate:"gte=0"`
	SerialOnly     bool
	SerialMode     model.SerialMode
	Order          model.CandidateOrder
	FilterTags     map[string]string
	States         []model.JobState
	AppIDs         []int64
}

type MetricsConfig struct {
	// Port prometheus metrics and the health check are served on. Zero disables the endpoint
	Port uint16
}

// AsBudget returns the budget template the launcher narrows to its free capacity.
func (c BudgetConfig) AsBudget() model.Budget {
	return model.Budget{
		MaxNumJobs:     c.MaxNumJobs,
		MaxWallTimeMin: c.MaxWallTimeMin,
		MinNodesPerJob: c.MinNodesPerJob,
		MaxNodesPerJob: c.MaxNodesPerJob,
		SerialOnly:     c.SerialOnly,
		SerialMode:     c.SerialMode,
		Order:          c.Order,
		FilterTags:     c.FilterTags,
		States:         c.States,
		AppIDs:         c.AppIDs,
	}
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(ConfigurationValidation, Configuration{})
	validate.RegisterStructValidation(SessionConfigValidation, SessionConfig{})
	return validate.Struct(c)
}

// ConfigurationValidation checks the sections that are only required by some store and leader modes.
func ConfigurationValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(Configuration)
	if c.Store.Type == PostgresStore {
		if len(c.Postgres.Connection) == 0 {
			sl.ReportError(c.Postgres.Connection, "Postgres.Connection", "Connection", "required", "")
		}
	}
	if c.Leader.Mode == RedisLeader {
		if len(c.Redis.Addrs) == 0 {
			sl.ReportError(c.Redis.Addrs, "Redis.Addrs", "Addrs", "required", "")
		}
		if c.Leader.LockKey == "" {
			sl.ReportError(c.Leader.LockKey, "Leader.LockKey", "LockKey", "required", "")
		}
		if c.Leader.LeaseDuration <= 0 {
			sl.ReportError(c.Leader.LeaseDuration, "Leader.LeaseDuration", "LeaseDuration", "required", "")
		}
		if c.Leader.RetryPeriod <= 0 || c.Leader.RetryPeriod >= c.Leader.LeaseDuration {
			sl.ReportError(c.Leader.RetryPeriod, "Leader.RetryPeriod", "RetryPeriod", "ltfield", "LeaseDuration")
		}
	}
	if err := c.Launcher.Budget.AsBudget().Validate(); err != nil {
		sl.ReportError(c.Launcher.Budget, "Launcher.Budget", "Budget", "budget", err.Error())
	}
}

func SessionConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(SessionConfig)
	if c.ExpirationPeriod < 3*c.HeartbeatPeriod {
		sl.ReportError(c.ExpirationPeriod, "ExpirationPeriod", "ExpirationPeriod", "gte3xheartbeat", "")
	}
}
