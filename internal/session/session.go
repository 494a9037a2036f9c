package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/acquisition"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/common/task"
	"github.com/argonne-lcf/balsam/internal/metrics"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
)

type Config struct {
	HeartbeatPeriod  time.Duration
	ExpirationPeriod time.Duration
	// Upper bound on how long Close waits for the heartbeat to stop.
	StopTimeout time.Duration
}

// Session is a launcher's lease together with the heartbeat keeping it alive.
// Jobs are acquired and updated through the session, and handed back when it is closed.
type Session struct {
	lease     *model.Lease
	store     store.Store
	engine    *acquisition.Engine
	clock     clock.Clock
	config    Config
	heartbeat *Heartbeat
	tasks     *task.BackgroundTaskManager
	mu        sync.Mutex
	closed    bool
}

// Open creates a lease for the site and starts heartbeating it immediately.
func Open(ctx *balsamcontext.Context, s store.Store, engine *acquisition.Engine, clock clock.Clock, config Config, siteID int64, batchJobID *int64) (*Session, error) {
	lease, err := s.CreateLease(ctx, siteID, batchJobID)
	if err != nil {
		return nil, errors.WithMessage(err, "error creating lease")
	}
	ctx = balsamcontext.WithLogFields(ctx, logrus.Fields{"lease": lease.ID, "site": siteID})
	ctx.Log.Infof("Opened lease with heartbeat period %s and expiration %s", config.HeartbeatPeriod, config.ExpirationPeriod)

	heartbeat := NewHeartbeat(s, lease)
	tasks := task.NewBackgroundTaskManager(clock)
	// Cancelling the caller's context must not stop the heartbeat: the lease has to stay alive until Close
	// has handed its jobs back.
	tasks.Register(balsamcontext.WithoutCancel(ctx), heartbeat.Tick, config.HeartbeatPeriod, "lease_heartbeat")

	return &Session{
		lease:     lease,
		store:     s,
		engine:    engine,
		clock:     clock,
		config:    config,
		heartbeat: heartbeat,
		tasks:     tasks,
	}, nil
}

func (s *Session) LeaseID() string {
	return s.lease.ID
}

func (s *Session) SiteID() int64 {
	return s.lease.SiteID
}

// Acquire assigns runnable jobs within budget to this session's lease.
func (s *Session) Acquire(ctx *balsamcontext.Context, budget model.Budget) ([]*model.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.engine.Acquire(ctx, s.lease.ID, budget)
}

// Update reports state changes of jobs held by this session.
func (s *Session) Update(ctx *balsamcontext.Context, updates []model.StateUpdate) ([]*model.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.UpdateJobs(ctx, s.lease.ID, s.clock.Now().Add(-s.config.ExpirationPeriod), updates)
}

// Check returns an error if the lease has been lost or the heartbeat has not succeeded for longer than
// the expiration period.
func (s *Session) Check() error {
	if s.heartbeat.Lost() {
		return errors.WithStack(&balsamerrors.ErrLeaseExpired{LeaseID: s.lease.ID, Message: "lease was reaped"})
	}
	last := s.heartbeat.LastHeartbeat()
	if s.clock.Since(last) >= s.config.ExpirationPeriod {
		return errors.WithStack(&balsamerrors.ErrLeaseExpired{
			LeaseID: s.lease.ID,
			Message: "no successful heartbeat since " + last.Format(time.RFC3339),
		})
	}
	return nil
}

// Close stops the heartbeat and then releases the lease: RUNNING jobs become RUN_TIMEOUT and every job held
// by the lease is handed back. The heartbeat is guaranteed to have stopped before the lease is deleted.
// Close is idempotent.
func (s *Session) Close(ctx *balsamcontext.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil
	}
	ctx = balsamcontext.WithLogField(ctx, "lease", s.lease.ID)
	if timedOut := s.tasks.StopAll(s.config.StopTimeout); timedOut {
		return nil, errors.Errorf("heartbeat of lease %s did not stop within %s", s.lease.ID, s.config.StopTimeout)
	}
	released, err := s.store.ReleaseLease(ctx, s.lease.ID)
	if err != nil {
		return nil, errors.WithMessage(err, "error releasing lease")
	}
	s.closed = true
	metrics.JobsReleased.Add(float64(len(released)))
	ctx.Log.Infof("Released lease, handing back %d jobs", len(released))
	return released, nil
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WithStack(&balsamerrors.ErrLeaseExpired{LeaseID: s.lease.ID, Message: "session is closed"})
	}
	return nil
}
