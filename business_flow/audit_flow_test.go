package businessflow

import (
	"context"
	"testing"
	"time"

	"github.com/oroshi/shopver/app/services"
	"github.com/oroshi/shopver/models"
	"github.com/oroshi/shopver/repository"
	testingutil "github.com/oroshi/shopver/testing"
	"github.com/oroshi/shopver/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type auditFixture struct {
	audit AuditFlow
	repo  repository.VersionRepository
	store *services.MemoryCacheStore
	tdb   *testingutil.TestDB
}

func setupAuditFlow(t *testing.T) *auditFixture {
	t.Helper()

	tdb, err := testingutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tdb.TeardownTestDB()
	})

	logger := zap.NewNop()
	store := services.NewMemoryCacheStore()
	repo := repository.NewVersionRepository(tdb.DB)
	locks := services.NewLockService(store, logger)
	invalidator := services.NewInvalidationService(store, logger)

	audit := NewAuditFlow(repo, locks, invalidator, testVersioningConfig(), logger)

	return &auditFixture{audit: audit, repo: repo, store: store, tdb: tdb}
}

func (f *auditFixture) seed(t *testing.T, dataType string, ts time.Time, hash string) {
	t.Helper()
	rec := models.VersionRecord{
		DataType:      dataType,
		LastUpdatedAt: ts,
		VersionHash:   hash,
		ChangeCount:   1,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	require.NoError(t, f.tdb.DB.Create(&rec).Error)
}

func TestValidateCleanLedger(t *testing.T) {
	f := setupAuditFlow(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro()
	f.seed(t, "products", ts, utils.VersionHash("products", ts, 1))
	f.seed(t, "categories", ts.Add(time.Second), utils.VersionHash("categories", ts.Add(time.Second), 2))

	res, err := f.audit.ValidateAndRepair(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Issues)
	assert.False(t, res.Repaired)
}

func TestValidateRepairsDuplicateTimestamps(t *testing.T) {
	f := setupAuditFlow(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro()
	f.seed(t, "products", ts, utils.VersionHash("products", ts, 1))
	f.seed(t, "categories", ts, utils.VersionHash("categories", ts, 2))
	f.seed(t, "orders", ts, utils.VersionHash("orders", ts, 3))

	res, err := f.audit.ValidateAndRepair(ctx)
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.NotEmpty(t, res.Issues)

	records, err := f.repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	micros := map[int64]string{}
	for _, r := range records {
		key := r.LastUpdatedAt.UnixMicro()
		if owner, dup := micros[key]; dup {
			t.Fatalf("timestamp %d still shared by %s and %s", key, owner, r.DataType)
		}
		micros[key] = r.DataType
	}
}

func TestValidateSpacesRepairedTimestampsByFixedStep(t *testing.T) {
	f := setupAuditFlow(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro()
	f.seed(t, "products", ts, utils.VersionHash("products", ts, 1))
	f.seed(t, "categories", ts, utils.VersionHash("categories", ts, 2))

	_, err := f.audit.ValidateAndRepair(ctx)
	require.NoError(t, err)

	products, err := f.repo.Get(ctx, "products")
	require.NoError(t, err)
	categories, err := f.repo.Get(ctx, "categories")
	require.NoError(t, err)

	// The first record of the group is untouched; the second is pushed
	// forward by exactly one step.
	assert.Equal(t, ts.UnixMicro(), products.LastUpdatedAt.UnixMicro())
	assert.Equal(t, ts.Add(utils.DuplicateTimestampStep).UnixMicro(), categories.LastUpdatedAt.UnixMicro())
}

func TestValidateRepairsDuplicateHashes(t *testing.T) {
	f := setupAuditFlow(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro()
	shared := utils.VersionHash("products", ts, 1)
	f.seed(t, "products", ts, shared)
	f.seed(t, "categories", ts.Add(time.Second), shared)
	f.seed(t, "orders", ts.Add(2*time.Second), shared)

	res, err := f.audit.ValidateAndRepair(ctx)
	require.NoError(t, err)
	assert.True(t, res.Repaired)

	records, err := f.repo.ListAll(ctx)
	require.NoError(t, err)

	hashes := map[string]string{}
	for _, r := range records {
		if owner, dup := hashes[r.VersionHash]; dup {
			t.Fatalf("hash %s still shared by %s and %s", r.VersionHash, owner, r.DataType)
		}
		hashes[r.VersionHash] = r.DataType
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	f := setupAuditFlow(t)
	ctx := context.Background()

	ts := utils.UTCNowMicro()
	shared := utils.VersionHash("products", ts, 1)
	f.seed(t, "products", ts, shared)
	f.seed(t, "categories", ts, shared)

	first, err := f.audit.ValidateAndRepair(ctx)
	require.NoError(t, err)
	require.True(t, first.Repaired)

	second, err := f.audit.ValidateAndRepair(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Issues, "a repaired ledger must validate clean")
	assert.False(t, second.Repaired)
}

func TestValidateRepairPurgesDerivedCaches(t *testing.T) {
	f := setupAuditFlow(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, utils.GlobalVersionCacheKey, "stale-token", time.Minute))

	ts := utils.UTCNowMicro()
	f.seed(t, "products", ts, utils.VersionHash("products", ts, 1))
	f.seed(t, "categories", ts, utils.VersionHash("categories", ts, 2))

	res, err := f.audit.ValidateAndRepair(ctx)
	require.NoError(t, err)
	require.True(t, res.Repaired)

	_, found, _ := f.store.Get(ctx, utils.GlobalVersionCacheKey)
	assert.False(t, found, "repair must purge the stale global token")
}

func TestValidateReportsBusyWhenLockHeld(t *testing.T) {
	f := setupAuditFlow(t)
	ctx := context.Background()

	ok, err := f.store.SetNX(ctx, "lock_"+utils.VersionValidationLock, "other-run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.audit.ValidateAndRepair(ctx)
	require.Error(t, err)
	assert.True(t, IsValidationBusy(err))

	be, ok2 := err.(*BusinessError)
	require.True(t, ok2)
	assert.Equal(t, "VALIDATION_LOCK_BUSY", be.Code)
}
