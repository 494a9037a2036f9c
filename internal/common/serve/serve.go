package serve

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/health"
)

const shutdownTimeout = 5 * time.Second

// NewMetricsServer returns a server exposing prometheus metrics on /metrics and checker on /health.
func NewMetricsServer(addr string, checker health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.SetupHttpMux(mux, checker)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe serves until ctx is cancelled and then shuts the server down gracefully.
func ListenAndServe(ctx *balsamcontext.Context, server *http.Server) error {
	errs := make(chan error, 1)
	go func() {
		ctx.Log.Infof("Serving on %s", server.Addr)
		errs <- server.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return errors.WithStack(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		ctx.Log.Infof("Stopping server on %s", server.Addr)
		return errors.WithStack(server.Shutdown(shutdownCtx))
	}
}
