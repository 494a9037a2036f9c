package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/database"
	"github.com/argonne-lcf/balsam/internal/store/pgstore"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the job pool database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning job pool database migration")
	ctx := balsamcontext.Background()
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()
	if err := pgstore.Migrate(ctx, db); err != nil {
		return errors.WithMessage(err, "failed to migrate job pool database")
	}
	log.Infof("Job pool database migrated in %s", time.Since(start))
	return nil
}
