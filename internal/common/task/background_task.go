package task

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/metrics"
)

type task struct {
	function    func(ctx *balsamcontext.Context)
	interval    time.Duration
	metricName  string
	stopChannel chan struct{}
}

// BackgroundTaskManager runs functions periodically on their own goroutines.
// BackgroundTaskManager is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks   []*task
	clock   clock.Clock
	wg      *sync.WaitGroup
	stopped bool
}

func NewBackgroundTaskManager(clock clock.Clock) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks: []*task{},
		clock: clock,
		wg:    &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask immediately and then every interval until StopAll is called.
// The context passed to backgroundTask is cancelled when the task is stopped.
func (m *BackgroundTaskManager) Register(ctx *balsamcontext.Context, backgroundTask func(ctx *balsamcontext.Context), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(ctx, task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits for them to return. Returns true if the tasks did not all
// return within timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(parent *balsamcontext.Context, task *task) {
	taskDurationHistogram := metrics.BackgroundTaskLatency.WithLabelValues(task.metricName)
	ctx, cancel := balsamcontext.WithCancel(balsamcontext.WithLogField(parent, "task", task.metricName))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-task.stopChannel:
				cancel()
			case <-ctx.Done():
			}
		}()
		for {
			start := m.clock.Now()
			task.function(ctx)
			taskDurationHistogram.Observe(m.clock.Since(start).Seconds())

			select {
			case <-m.clock.After(task.interval):
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	if m.stopped {
		return
	}
	m.stopped = true
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
}
