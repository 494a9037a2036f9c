package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/common/database"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
	"github.com/argonne-lcf/balsam/internal/store/storetest"
)

// testDb returns a fresh database, skipping the test when postgres is not running locally.
func testDb(t *testing.T) *pgxpool.Pool {
	db, cleanup, err := OpenTestDb(context.Background())
	if errors.Is(err, database.ErrNoTestDb) {
		t.Skipf("skipping postgres test: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return db
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *clock.FakeClock) store.Store {
		return New(testDb(t), clock)
	})
}

func TestMigrate_IsIdempotent(t *testing.T) {
	db := testDb(t)
	// testDb has already migrated the database
	require.NoError(t, Migrate(context.Background(), db))
	var version int
	require.NoError(t, db.QueryRow(context.Background(), "SELECT last_value FROM database_version").Scan(&version))
	assert.Equal(t, 1, version)
}

func TestCreateApp_DuplicateName(t *testing.T) {
	s := New(testDb(t), clock.NewFakeClock(time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)))
	ctx := balsamcontext.Background()
	_, err := s.CreateApp(ctx, model.App{SiteID: 1, Name: "app"})
	require.NoError(t, err)
	_, err = s.CreateApp(ctx, model.App{SiteID: 1, Name: "app"})
	var alreadyExists *balsamerrors.ErrAlreadyExists
	assert.ErrorAs(t, err, &alreadyExists)
	_, err = s.CreateApp(ctx, model.App{SiteID: 2, Name: "app"})
	assert.NoError(t, err)
}

func TestCandidateQuery(t *testing.T) {
	tests := map[string]struct {
		budget   model.Budget
		contains []string
	}{
		"defaults": {
			budget: model.Budget{MaxNumJobs: 3},
			contains: []string{
				`"state" IN ($1, $2)`,
				`"lease_id" IS NULL`,
				`cardinality(jobs.parent_ids)`,
				`ORDER BY "wall_time_min" DESC, "node_packing_count" ASC, "id" ASC`,
				`LIMIT `,
				`FOR UPDATE SKIP LOCKED`,
			},
		},
		"all filters": {
			budget: model.Budget{
				MaxNumJobs:     5,
				AppIDs:         []int64{1, 2},
				FilterTags:     map[string]string{"k": "v"},
				SerialOnly:     true,
				SerialMode:     model.SerialBySingleRank,
				MaxNodesPerJob: 4,
				MinNodesPerJob: 1,
				MaxWallTimeMin: 60,
				Order:          model.OrderLargestFirst,
			},
			contains: []string{
				`"app_id" IN (`,
				`tags @> `,
				`"ranks_per_node" = `,
				`"num_nodes" <= `,
				`"num_nodes" >= `,
				`"wall_time_min" <= `,
				`ORDER BY "num_nodes" DESC, "wall_time_min" DESC, "id" ASC`,
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sql, _, err := candidateQuery(tc.budget)
			require.NoError(t, err)
			for _, fragment := range tc.contains {
				assert.Contains(t, sql, fragment)
			}
		})
	}
}

func TestPruneQuery(t *testing.T) {
	sql, args, err := pruneQuery(time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC), 100)
	require.NoError(t, err)
	assert.Contains(t, sql, `NOT EXISTS (SELECT 1 FROM jobs c WHERE jobs.id = ANY(c.parent_ids) AND c.state NOT IN (`)
	assert.Contains(t, sql, `FOR UPDATE SKIP LOCKED`)
	assert.Contains(t, args, string(model.JobFinished))
	assert.Contains(t, args, string(model.Failed))
}
