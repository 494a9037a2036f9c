package cmd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/database"
	"github.com/argonne-lcf/balsam/internal/store/pgstore"
)

type pruneArgs struct {
	timeout     time.Duration
	batchSize   int
	expireAfter time.Duration
}

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes finished jobs and their events from the database",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the job will fail if it has not completed")
	cmd.Flags().Int(
		"batchsize",
		10000,
		"Number of jobs that will be deleted in a single batch")
	cmd.Flags().Duration(
		"expireAfter",
		7*24*time.Hour,
		"Length of time after a job finished that it will be removed")
	return cmd
}

func readPruneArgs(flags *pflag.FlagSet) (pruneArgs, error) {
	var args pruneArgs
	var err error
	if args.timeout, err = flags.GetDuration("timeout"); err != nil {
		return args, errors.WithStack(err)
	}
	if args.batchSize, err = flags.GetInt("batchsize"); err != nil {
		return args, errors.WithStack(err)
	}
	if args.expireAfter, err = flags.GetDuration("expireAfter"); err != nil {
		return args, errors.WithStack(err)
	}
	if args.batchSize <= 0 {
		return args, errors.Errorf("batchsize must be positive, got %d", args.batchSize)
	}
	return args, nil
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	args, err := readPruneArgs(cmd.Flags())
	if err != nil {
		return err
	}
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := balsamcontext.WithTimeout(balsamcontext.Background(), args.timeout)
	defer cancel()
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()

	realClock := clock.RealClock{}
	pruned, err := pgstore.New(db, realClock).PruneJobs(ctx, realClock.Now().Add(-args.expireAfter), args.batchSize)
	if err != nil {
		return errors.WithMessage(err, "failed to prune database")
	}
	ctx.Log.Infof("Pruned %d jobs finished more than %s ago", pruned, args.expireAfter)
	return nil
}
