package balsamcontext

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLogFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx := New(Background(), logrus.NewEntry(logger))
	ctx = WithLogField(ctx, "lease", "abc")
	ctx = WithLogFields(ctx, logrus.Fields{"site": 1})
	ctx.Log.Info("hello")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "abc", entry.Data["lease"])
	assert.Equal(t, 1, entry.Data["site"])
}

func TestWithoutCancel(t *testing.T) {
	parent, cancel := WithCancel(Background())
	detached := WithoutCancel(parent)
	cancel()

	assert.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Same(t, parent.Log, detached.Log)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), time.Millisecond)
	defer cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(Background())
	g.Go(func() error { return assert.AnError })
	assert.ErrorIs(t, g.Wait(), assert.AnError)
	assert.Error(t, ctx.Err())
}
