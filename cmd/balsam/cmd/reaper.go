package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/app"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/health"
	"github.com/argonne-lcf/balsam/internal/common/serve"
	"github.com/argonne-lcf/balsam/internal/configuration"
)

func reaperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Returns the jobs of dead launchers to the pool",
		RunE:  runReaper,
	}
	return cmd
}

func runReaper(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if config.Store.Type != configuration.PostgresStore {
		return errors.Errorf("a standalone reaper needs a shared job pool but store.type is %q", config.Store.Type)
	}

	g, ctx := balsamcontext.ErrGroup(app.CreateContextWithShutdown())
	realClock := clock.RealClock{}
	s, closeStore, err := openStore(ctx, config, realClock)
	if err != nil {
		return err
	}
	defer closeStore()

	r, leaderController, closeLeader := newReaper(ctx, s, config, realClock)
	defer closeLeader()
	g.Go(func() error { return leaderController.Run(ctx) })
	g.Go(func() error { return r.Run(ctx) })

	if config.Metrics.Port != 0 {
		server := serve.NewMetricsServer(fmt.Sprintf(":%d", config.Metrics.Port), health.NewMultiChecker())
		g.Go(func() error { return serve.ListenAndServe(ctx, server) })
	}
	return g.Wait()
}
