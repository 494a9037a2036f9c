// Package launcher runs jobs acquired through a lease on a fixed set of compute nodes.
package launcher

import (
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/common/logging"
	"github.com/argonne-lcf/balsam/internal/common/task"
	"github.com/argonne-lcf/balsam/internal/metrics"
	"github.com/argonne-lcf/balsam/internal/model"
)

// Session is the launcher's view of its lease. Implemented by session.Session.
type Session interface {
	Acquirer
	LeaseID() string
	Update(ctx *balsamcontext.Context, updates []model.StateUpdate) ([]*model.Job, error)
	Check() error
	Close(ctx *balsamcontext.Context) ([]*model.Job, error)
}

// AppSource looks up the app a job runs. Implemented by apps.Cache.
type AppSource interface {
	Get(ctx *balsamcontext.Context, id int64) (*model.App, error)
}

type Config struct {
	// How often finished jobs are reported and new jobs started.
	Period time.Duration
	// Run returns once nothing has run for this long. Zero means never.
	IdleTimeout time.Duration
	// Limits applied to every acquisition. Narrowed to the free capacity of the nodes.
	Budget model.Budget
	// Upper bound on how long shutdown waits for the prefetcher to stop.
	StopTimeout time.Duration
}

type result struct {
	job        *model.Job
	returnCode int
	err        error
}

// Launcher repeatedly acquires jobs that fit its free nodes, runs them and reports how they finished.
// When it stops, jobs still running are killed and the session is closed, which marks them RUN_TIMEOUT.
type Launcher struct {
	session  Session
	source   JobSource
	apps     AppSource
	executor Executor
	nodes    *NodePool
	clock    clock.WithTicker
	config   Config

	// Jobs acquired but not yet placed on nodes.
	pending []*model.Job
	// Updates that could not be reported yet.
	unreported []model.StateUpdate
	lastActive time.Time

	mu       sync.Mutex
	finished []result
	wake     chan struct{}
	running  sync.WaitGroup
}

func New(session Session, source JobSource, apps AppSource, executor Executor, nodes *NodePool, clock clock.WithTicker, config Config) *Launcher {
	return &Launcher{
		session:  session,
		source:   source,
		apps:     apps,
		executor: executor,
		nodes:    nodes,
		clock:    clock,
		config:   config,
		wake:     make(chan struct{}, 1),
	}
}

// Run launches jobs until ctx is cancelled, the idle timeout passes or the lease is lost, and then closes the
// session. Returns an error only if the lease was lost or the session could not be closed.
func (l *Launcher) Run(ctx *balsamcontext.Context) error {
	ctx = balsamcontext.WithLogField(ctx, "lease", l.session.LeaseID())
	execCtx, cancelExecutions := balsamcontext.WithCancel(ctx)
	defer cancelExecutions()

	tasks := task.NewBackgroundTaskManager(l.clock)
	if prefetcher, ok := l.source.(*PrefetchJobSource); ok {
		tasks.Register(ctx, prefetcher.Fill, l.config.Period, "job_prefetch")
	}

	ticker := l.clock.NewTicker(l.config.Period)
	defer ticker.Stop()
	l.lastActive = l.clock.Now()
	ctx.Log.Infof("Launching jobs every %s", l.config.Period)

	var runErr error
loop:
	for {
		if err := l.cycle(ctx, execCtx); err != nil {
			runErr = err
			break
		}
		if l.idle() {
			ctx.Log.Infof("No jobs have run for %s; exiting", l.config.IdleTimeout)
			break
		}
		select {
		case <-ctx.Done():
			ctx.Log.Info("Launcher cancelled; shutting down")
			break loop
		case <-ticker.C():
		case <-l.wake:
		}
	}
	return l.shutdown(ctx, tasks, cancelExecutions, runErr)
}

// cycle reports finished jobs, acquires new ones and starts whatever fits.
func (l *Launcher) cycle(ctx *balsamcontext.Context, execCtx *balsamcontext.Context) error {
	if err := l.session.Check(); err != nil {
		return errors.WithMessage(err, "lost lease")
	}
	if err := l.report(ctx); err != nil {
		return err
	}
	if len(l.pending) == 0 {
		if budget, ok := l.nodes.Budget(l.config.Budget); ok {
			jobs, err := l.source.Jobs(ctx, budget)
			if balsamerrors.IsLeaseExpired(err) {
				return errors.WithMessage(err, "lost lease")
			}
			if err != nil {
				logging.WithStacktrace(ctx.Log, err).Warn("Failed to acquire jobs")
			}
			l.pending = jobs
		}
	}
	l.startPending(ctx, execCtx)
	if l.nodes.RunningJobs() > 0 {
		l.lastActive = l.clock.Now()
	}
	return nil
}

func (l *Launcher) startPending(ctx *balsamcontext.Context, execCtx *balsamcontext.Context) {
	remaining := l.pending[:0]
	for _, job := range l.pending {
		nodes, ok := l.nodes.Assign(job)
		if !ok {
			remaining = append(remaining, job)
			continue
		}
		l.start(ctx, execCtx, job, nodes)
	}
	l.pending = remaining
}

func (l *Launcher) start(ctx *balsamcontext.Context, execCtx *balsamcontext.Context, job *model.Job, nodes []int) {
	app, err := l.apps.Get(ctx, job.AppID)
	if err != nil {
		l.complete(result{job: job, returnCode: -1, err: errors.WithMessagef(err, "error loading app %d", job.AppID)})
		return
	}
	ctx.Log.WithField("job", job.ID).Infof("Starting %s on nodes %v", app.Name, nodes)
	l.running.Add(1)
	go func() {
		defer l.running.Done()
		rc, err := l.executor.Execute(execCtx, app, job, nodes)
		if execCtx.Err() != nil {
			// Killed by shutdown; closing the session times it out.
			l.nodes.Free(job.ID)
			return
		}
		l.complete(result{job: job, returnCode: rc, err: err})
	}()
}

func (l *Launcher) complete(r result) {
	l.mu.Lock()
	l.finished = append(l.finished, r)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// report frees the nodes of finished jobs and sends their final states. Updates that fail for a reason other
// than a lost lease are retried next cycle.
func (l *Launcher) report(ctx *balsamcontext.Context) error {
	l.mu.Lock()
	finished := l.finished
	l.finished = nil
	l.mu.Unlock()

	for _, r := range finished {
		l.nodes.Free(r.job.ID)
		update := stateUpdate(r)
		l.unreported = append(l.unreported, update)
		metrics.JobsExecuted.WithLabelValues(string(update.State)).Inc()
		log := ctx.Log.WithField("job", r.job.ID)
		if r.err != nil {
			logging.WithStacktrace(log, r.err).Warn("Job could not be run")
		} else {
			log.Infof("Job exited with return code %d", r.returnCode)
		}
	}
	if len(l.unreported) == 0 {
		return nil
	}
	_, err := l.session.Update(ctx, l.unreported)
	if balsamerrors.IsLeaseExpired(err) {
		return errors.WithMessage(err, "lost lease")
	}
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("Failed to report %d finished jobs; will retry", len(l.unreported))
		return nil
	}
	l.unreported = nil
	return nil
}

func stateUpdate(r result) model.StateUpdate {
	rc := r.returnCode
	update := model.StateUpdate{JobID: r.job.ID, ReturnCode: &rc}
	switch {
	case r.err != nil:
		update.State = model.RunError
		update.Data = map[string]string{model.EventReasonKey: r.err.Error()}
	case rc == 0:
		update.State = model.RunDone
	default:
		update.State = model.RunError
		update.Data = map[string]string{model.EventReasonKey: "exited with return code " + strconv.Itoa(rc)}
	}
	return update
}

func (l *Launcher) idle() bool {
	if l.config.IdleTimeout <= 0 || l.nodes.RunningJobs() > 0 || len(l.pending) > 0 {
		return false
	}
	return l.clock.Since(l.lastActive) >= l.config.IdleTimeout
}

// shutdown stops prefetching, kills running jobs, reports the jobs that finished on their own and closes the
// session. Store calls use a context that survives cancellation of ctx.
func (l *Launcher) shutdown(ctx *balsamcontext.Context, tasks *task.BackgroundTaskManager, cancelExecutions func(), runErr error) error {
	ctx = balsamcontext.WithoutCancel(ctx)
	errs := multierror.Append(nil, runErr)

	if timedOut := tasks.StopAll(l.config.StopTimeout); timedOut {
		ctx.Log.Warnf("Prefetcher did not stop within %s", l.config.StopTimeout)
	}
	cancelExecutions()
	l.running.Wait()

	if runErr == nil {
		if err := l.report(ctx); err != nil {
			errs = multierror.Append(errs, err)
		} else if len(l.unreported) > 0 {
			ctx.Log.Warnf("Could not report %d finished jobs before closing the lease", len(l.unreported))
		}
	}

	released, err := l.session.Close(ctx)
	if err != nil {
		errs = multierror.Append(errs, errors.WithMessage(err, "error closing session"))
	} else {
		ctx.Log.Infof("Closed session; %d jobs handed back", len(released))
	}
	return errs.ErrorOrNil()
}
