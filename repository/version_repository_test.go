package repository

import (
	"context"
	"testing"
	"time"

	"github.com/oroshi/shopver/models"
	testingutil "github.com/oroshi/shopver/testing"
	"github.com/oroshi/shopver/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepo(t *testing.T) (VersionRepository, *testingutil.TestDB) {
	t.Helper()

	tdb, err := testingutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tdb.TeardownTestDB()
	})

	return NewVersionRepository(tdb.DB), tdb
}

func entry(dataType string, ts time.Time, nano int64) VersionEntry {
	return VersionEntry{
		DataType:  dataType,
		Timestamp: ts,
		Hash:      utils.VersionHash(dataType, ts, nano),
	}
}

func TestUpsertManyInsertsNewRecords(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro()
	err := repo.UpsertMany(ctx, []VersionEntry{
		entry("products", ts, 1),
		entry("categories", ts, 2),
	})
	require.NoError(t, err)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	rec, err := repo.Get(ctx, "products")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 1, rec.ChangeCount, "fresh record starts at change_count 1")
	assert.Equal(t, ts.UnixMicro(), rec.LastUpdatedAt.UnixMicro())
}

func TestUpsertManyIncrementsChangeCount(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ts := utils.UTCNowMicro()
		err := repo.UpsertMany(ctx, []VersionEntry{entry("products", ts, int64(i))})
		require.NoError(t, err)
	}

	rec, err := repo.Get(ctx, "products")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 5, rec.ChangeCount, "each upsert adds exactly one")

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "upserts must not create duplicate rows")
}

func TestUpsertManyReplacesTimestampAndHash(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	first := utils.UTCNowMicro()
	require.NoError(t, repo.UpsertMany(ctx, []VersionEntry{entry("products", first, 1)}))

	before, err := repo.Get(ctx, "products")
	require.NoError(t, err)

	second := first.Add(42 * time.Millisecond)
	require.NoError(t, repo.UpsertMany(ctx, []VersionEntry{entry("products", second, 2)}))

	after, err := repo.Get(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, second.UnixMicro(), after.LastUpdatedAt.UnixMicro())
	assert.NotEqual(t, before.VersionHash, after.VersionHash)
}

func TestUpsertManyEmptyBatch(t *testing.T) {
	repo, _ := setupRepo(t)
	require.NoError(t, repo.UpsertMany(context.Background(), nil))
}

func TestGetMissingReturnsNil(t *testing.T) {
	repo, _ := setupRepo(t)

	rec, err := repo.Get(context.Background(), "never-bumped")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestListAllOrdersNewestFirst(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	base := utils.UTCNowMicro()
	require.NoError(t, repo.UpsertMany(ctx, []VersionEntry{entry("orders", base.Add(-time.Hour), 1)}))
	require.NoError(t, repo.UpsertMany(ctx, []VersionEntry{entry("products", base, 2)}))
	require.NoError(t, repo.UpsertMany(ctx, []VersionEntry{entry("categories", base.Add(-time.Minute), 3)}))

	records, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "products", records[0].DataType)
	assert.Equal(t, "categories", records[1].DataType)
	assert.Equal(t, "orders", records[2].DataType)
}

func TestListAllBreaksTimestampTiesByDataType(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	// One batch, one shared timestamp: ordering must still be stable so a
	// token recomputed from the listing cannot drift without a new bump.
	ts := utils.UTCNowMicro()
	require.NoError(t, repo.UpsertMany(ctx, []VersionEntry{
		entry("products", ts, 1),
		entry("categories", ts, 2),
		entry("orders", ts, 3),
	}))

	records, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "categories", records[0].DataType)
	assert.Equal(t, "orders", records[1].DataType)
	assert.Equal(t, "products", records[2].DataType)
}

func TestClearAll(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro()
	require.NoError(t, repo.UpsertMany(ctx, []VersionEntry{entry("products", ts, 1)}))

	require.NoError(t, repo.ClearAll(ctx))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUpdateRecord(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro()
	require.NoError(t, repo.UpsertMany(ctx, []VersionEntry{entry("products", ts, 1)}))

	rec, err := repo.Get(ctx, "products")
	require.NoError(t, err)
	require.NotNil(t, rec)

	rec.LastUpdatedAt = ts.Add(utils.DuplicateTimestampStep)
	rec.VersionHash = utils.VersionHash("products", rec.LastUpdatedAt, 99)
	require.NoError(t, repo.UpdateRecord(ctx, rec))

	reloaded, err := repo.Get(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, rec.LastUpdatedAt.UnixMicro(), reloaded.LastUpdatedAt.UnixMicro())
	assert.Equal(t, rec.VersionHash, reloaded.VersionHash)
	assert.Equal(t, rec.ChangeCount, reloaded.ChangeCount, "repair must not touch the counter")
}

func TestStatsByType(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro().Add(-30 * time.Second)
	require.NoError(t, repo.UpsertMany(ctx, []VersionEntry{
		entry("products", ts, 1),
		entry("categories", ts, 2),
	}))

	stats, err := repo.StatsByType(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byType := map[string]models.VersionStat{}
	for _, st := range stats {
		byType[st.DataType] = st
	}
	require.Contains(t, byType, "products")
	assert.EqualValues(t, 1, byType["products"].ChangeCount)
	assert.NotEmpty(t, byType["products"].VersionHash)
	assert.Greater(t, byType["products"].SecondsSince, 0.0, "age is computed database-side")
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	repo, tdb := setupRepo(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro()
	err := WithTransaction(ctx, tdb.DB, func(txCtx context.Context) error {
		if err := repo.UpsertMany(txCtx, []VersionEntry{entry("products", ts, 1)}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "failed transaction must leave no rows behind")
}
