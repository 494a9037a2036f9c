package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/argonne-lcf/balsam/internal/common/util"
)

// TestConnectionString points at the local postgres started for development and CI.
const TestConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// ErrNoTestDb is returned when no postgres instance is reachable for tests.
var ErrNoTestDb = errors.New("no test database available")

// OpenTestDb creates a dedicated, migrated Postgres database. The returned cleanup function closes the pool
// and drops the database.
func OpenTestDb(ctx context.Context, migrations []Migration) (*pgxpool.Pool, func(), error) {
	// Connect and create a dedicated database for the test
	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, TestConnectionString)
	if err != nil {
		return nil, nil, errors.Wrap(ErrNoTestDb, err.Error())
	}

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		db.Close(ctx)
		return nil, nil, errors.WithStack(err)
	}

	// Connect again: this time to the database we just created. This is the database we use for tests
	testDbPool, err := pgxpool.New(ctx, TestConnectionString+" dbname="+dbName)
	if err != nil {
		db.Close(ctx)
		return nil, nil, errors.WithStack(err)
	}

	cleanup := func() {
		testDbPool.Close()
		// disconnect all db users before cleanup
		_, err := db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
		db.Close(ctx)
	}

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		cleanup()
		return nil, nil, errors.WithStack(err)
	}
	return testDbPool, cleanup, nil
}

// WithTestDb spins up a Postgres database, applies migrations and runs action against it.
// The database is dropped once action returns.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	db, cleanup, err := OpenTestDb(context.Background(), migrations)
	if err != nil {
		return err
	}
	defer cleanup()
	return action(db)
}
