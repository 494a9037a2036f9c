package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clock "k8s.io/utils/clock/testing"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
)

func TestBackgroundTaskManager(t *testing.T) {
	testClock := clock.NewFakeClock(time.Now())
	manager := NewBackgroundTaskManager(testClock)

	var runs atomic.Int32
	manager.Register(balsamcontext.Background(), func(ctx *balsamcontext.Context) {
		runs.Add(1)
	}, time.Minute, "test")

	// runs straight away
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// and again once the interval has passed
	assert.Eventually(t, testClock.HasWaiters, time.Second, time.Millisecond)
	testClock.Step(time.Minute)
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)

	timedOut := manager.StopAll(time.Second)
	assert.False(t, timedOut)

	testClock.Step(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())

	// stopping twice is harmless
	assert.False(t, manager.StopAll(time.Second))
}

func TestBackgroundTaskManager_StopCancelsRunningTask(t *testing.T) {
	manager := NewBackgroundTaskManager(clock.NewFakeClock(time.Now()))
	started := make(chan struct{})
	manager.Register(balsamcontext.Background(), func(ctx *balsamcontext.Context) {
		close(started)
		<-ctx.Done()
	}, time.Minute, "blocking")

	<-started
	assert.False(t, manager.StopAll(time.Second))
}

func TestBackgroundTaskManager_ParentCancelled(t *testing.T) {
	manager := NewBackgroundTaskManager(clock.NewFakeClock(time.Now()))
	ctx, cancel := balsamcontext.WithCancel(balsamcontext.Background())
	var runs atomic.Int32
	manager.Register(ctx, func(ctx *balsamcontext.Context) {
		runs.Add(1)
	}, time.Minute, "cancelled")
	cancel()
	assert.False(t, manager.StopAll(time.Second))
	assert.Equal(t, int32(1), runs.Load())
}
