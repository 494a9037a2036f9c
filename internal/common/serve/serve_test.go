package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/health"
)

func TestMetricsServer(t *testing.T) {
	server := NewMetricsServer(":0", health.CheckerFunc(func() error { return nil }))

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")

	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := balsamcontext.WithCancel(balsamcontext.Background())
	server := NewMetricsServer("127.0.0.1:0", health.CheckerFunc(func() error { return nil }))
	done := make(chan error)
	go func() {
		done <- ListenAndServe(ctx, server)
	}()
	cancel()
	err := <-done
	// Either shut down cleanly or cancelled before the listener came up
	if err != nil {
		assert.ErrorIs(t, err, http.ErrServerClosed)
	}
}
