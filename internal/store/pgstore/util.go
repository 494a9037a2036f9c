package pgstore

import (
	"context"
	"embed"
	_ "embed"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/argonne-lcf/balsam/internal/common/database"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate updates the supplied database to the latest version.
// If the database is already at the latest version then this is a no-op
func Migrate(ctx context.Context, db database.Querier) error {
	start := time.Now()
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	err = database.UpdateDatabase(ctx, db, migrations)
	if err != nil {
		return err
	}
	log.Infof("Updated balsam database in %s", time.Since(start))
	return nil
}

// OpenTestDb creates a migrated balsam database for a single test. The returned function drops it.
func OpenTestDb(ctx context.Context) (*pgxpool.Pool, func(), error) {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return nil, nil, err
	}
	return database.OpenTestDb(ctx, migrations)
}

// WithTestDb creates a balsam database suitable for testing. This will instantiate a completely
// new Postgres database which will be torn down after this function completes
func WithTestDb(action func(db *pgxpool.Pool) error) error {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, action)
}
