package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/acquisition"
	"github.com/argonne-lcf/balsam/internal/apps"
	"github.com/argonne-lcf/balsam/internal/common/app"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/health"
	"github.com/argonne-lcf/balsam/internal/common/serve"
	"github.com/argonne-lcf/balsam/internal/configuration"
	"github.com/argonne-lcf/balsam/internal/jobfile"
	"github.com/argonne-lcf/balsam/internal/launcher"
	"github.com/argonne-lcf/balsam/internal/session"
)

func launcherCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launcher",
		Short: "Acquires jobs for the site and runs them on this allocation's nodes",
		RunE:  runLauncher,
	}
	cmd.Flags().String(
		"jobs",
		"",
		"Job file whose apps and jobs are added to the pool before launching")
	return cmd
}

func runLauncher(cmd *cobra.Command, _ []string) error {
	jobsFile, err := cmd.Flags().GetString("jobs")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Cancelled when the launcher exits so that the services running alongside it stop too.
	ctx, cancel := balsamcontext.WithCancel(app.CreateContextWithShutdown())
	defer cancel()
	ctx = balsamcontext.WithLogField(ctx, "site", config.SiteID)
	g, ctx := balsamcontext.ErrGroup(ctx)

	realClock := clock.RealClock{}
	s, closeStore, err := openStore(ctx, config, realClock)
	if err != nil {
		return err
	}
	defer closeStore()

	appCache, err := apps.NewCache(s, config.Apps.CacheSize, config.Apps.TTL, realClock)
	if err != nil {
		return err
	}
	if jobsFile != "" {
		f, err := jobfile.Load(jobsFile)
		if err != nil {
			return err
		}
		if _, err := jobfile.Submit(ctx, appCache, s, s, config.SiteID, f); err != nil {
			return err
		}
	}

	engine := acquisition.NewEngine(s, s, appCache, realClock, config.Session.ExpirationPeriod)
	sess, err := session.Open(ctx, s, engine, realClock, session.Config{
		HeartbeatPeriod:  config.Session.HeartbeatPeriod,
		ExpirationPeriod: config.Session.ExpirationPeriod,
		StopTimeout:      config.Session.StopTimeout,
	}, config.SiteID, config.Launcher.BatchJobID)
	if err != nil {
		return err
	}

	nodes := launcher.NewNodePool(config.Launcher.NodeCount)
	l := launcher.New(
		sess,
		newJobSource(sess, nodes, config.Launcher),
		appCache,
		launcher.NewShellExecutor(config.Launcher.DataDir),
		nodes,
		realClock,
		launcher.Config{
			Period:      config.Launcher.Period,
			IdleTimeout: config.Launcher.IdleTimeout,
			Budget:      config.Launcher.Budget.AsBudget(),
			StopTimeout: config.Session.StopTimeout,
		})
	g.Go(func() error {
		defer cancel()
		return l.Run(ctx)
	})

	if config.Reaper.RunInLauncher {
		r, leaderController, closeLeader := newReaper(ctx, s, config, realClock)
		defer closeLeader()
		g.Go(func() error { return leaderController.Run(ctx) })
		g.Go(func() error { return r.Run(ctx) })
	}

	if config.Metrics.Port != 0 {
		checker := health.NewMultiChecker(health.CheckerFunc(sess.Check))
		server := serve.NewMetricsServer(fmt.Sprintf(":%d", config.Metrics.Port), checker)
		g.Go(func() error { return serve.ListenAndServe(ctx, server) })
	}
	return g.Wait()
}

func newJobSource(acquirer launcher.Acquirer, nodes *launcher.NodePool, config configuration.LauncherConfig) launcher.JobSource {
	retry := launcher.RetryConfig{
		Attempts: config.AcquireAttempts,
		Delay:    config.AcquireRetryDelay,
	}
	if config.PrefetchDepth > 0 {
		return launcher.NewPrefetchJobSource(acquirer, retry, config.PrefetchDepth, nodes.Bound(config.Budget.AsBudget()))
	}
	return launcher.NewSynchronousJobSource(acquirer, retry)
}
