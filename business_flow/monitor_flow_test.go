package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oroshi/shopver/app/services"
	"github.com/oroshi/shopver/config"
	"github.com/oroshi/shopver/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMonitorConfig() *config.MonitorConfig {
	return &config.MonitorConfig{
		SlowThreshold:      time.Second,
		ErrorRateThreshold: 0.05,
		MinSamples:         3,
		TrackingTTL:        time.Minute,
		MetricsTTL:         time.Hour,
		IncidentTTL:        24 * time.Hour,
		LookbackHours:      24,
	}
}

func setupMonitor(t *testing.T) (OperationsMonitor, *services.MemoryCacheStore) {
	t.Helper()

	logger := zap.NewNop()
	store := services.NewMemoryCacheStore()
	locks := services.NewLockService(store, logger)

	monitor := NewMonitorFlow(
		store,
		locks,
		testMonitorConfig(),
		EmergencyLockPatterns([]string{"products", "categories", "global"}),
		logger,
	)
	return monitor, store
}

func TestTrackPropagatesFnResult(t *testing.T) {
	monitor, _ := setupMonitor(t)
	ctx := context.Background()

	require.NoError(t, monitor.Track(ctx, "bump_products", func(ctx context.Context) error {
		return nil
	}))

	boom := errors.New("invalidation failed")
	err := monitor.Track(ctx, "bump_products", func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom, "tracking must never alter error propagation")
}

func TestTrackAggregatesMetrics(t *testing.T) {
	monitor, _ := setupMonitor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, monitor.Track(ctx, "bump_products", func(ctx context.Context) error {
			time.Sleep(2 * time.Millisecond)
			return nil
		}))
	}

	metrics, err := monitor.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, metrics.TotalRequests)
	assert.EqualValues(t, 3, metrics.SuccessfulRequests)
	assert.Zero(t, metrics.FailedRequests)
	assert.Equal(t, 1.0, metrics.SuccessRate)
	assert.Zero(t, metrics.ErrorRate)
	assert.Greater(t, metrics.AverageDurationMs, 0.0)
	assert.GreaterOrEqual(t, metrics.MaxDurationMs, metrics.MinDurationMs)
}

func TestTrackRemovesInFlightEntry(t *testing.T) {
	monitor, store := setupMonitor(t)
	ctx := context.Background()

	sawEntry := false
	require.NoError(t, monitor.Track(ctx, "bump_products", func(ctx context.Context) error {
		// While fn runs, exactly one in-flight tracking entry exists.
		sawEntry = store.Len() > 0
		return nil
	}))

	assert.True(t, sawEntry)
	// Afterwards only the aggregate entry remains.
	assert.Equal(t, 1, store.Len())
}

func TestTrackRecordsRequestAttributes(t *testing.T) {
	monitor, store := setupMonitor(t)

	ctx := context.WithValue(context.Background(), utils.EndpointKey, "POST /api/v1/versions/bump")
	ctx = context.WithValue(ctx, utils.IPAddressKey, "10.1.2.3")

	var raw string
	require.NoError(t, monitor.Track(ctx, "bump_products", func(ctx context.Context) error {
		for _, key := range store.Keys() {
			if strings.HasPrefix(key, utils.MonitorTrackingKeyPrefix) {
				raw, _, _ = store.Get(ctx, key)
			}
		}
		return nil
	}))

	require.NotEmpty(t, raw, "in-flight tracking entry must be readable while fn runs")

	var entry struct {
		RequestID string `json:"request_id"`
		Operation string `json:"operation"`
		Endpoint  string `json:"endpoint"`
		IPAddress string `json:"ip_address"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.NotEmpty(t, entry.RequestID)
	assert.Equal(t, "bump_products", entry.Operation)
	assert.Equal(t, "POST /api/v1/versions/bump", entry.Endpoint)
	assert.Equal(t, "10.1.2.3", entry.IPAddress)
}

func TestErrorRateTriggersEmergency(t *testing.T) {
	monitor, store := setupMonitor(t)
	ctx := context.Background()

	// Stuck locks an emergency should clear.
	for _, name := range []string{
		"lock_" + utils.BumpLockName([]string{"products"}),
		"lock_" + utils.GlobalVersionCalcLock,
		"lock_" + utils.VersionValidationLock,
	} {
		ok, err := store.SetNX(ctx, name, "stuck-owner", time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}

	boom := errors.New("invalidation failed")
	for i := 0; i < 3; i++ {
		_ = monitor.Track(ctx, "bump_products", func(ctx context.Context) error {
			return boom
		})
	}

	// Emergency cleared the stuck locks.
	for _, name := range []string{
		"lock_" + utils.BumpLockName([]string{"products"}),
		"lock_" + utils.GlobalVersionCalcLock,
		"lock_" + utils.VersionValidationLock,
	} {
		_, found, _ := store.Get(ctx, name)
		assert.False(t, found, "lock %s must be cleared", name)
	}

	// The aggregate was reset to end the alert storm.
	metrics, err := monitor.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, metrics.TotalRequests)

	// And the incident is on record.
	incidents, err := monitor.RecentIncidents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Greater(t, incidents[0].ErrorRate, 0.05)
	assert.NotEmpty(t, incidents[0].ClearedLocks)
}

func TestErrorRateBelowMinSamplesDoesNotTrigger(t *testing.T) {
	monitor, store := setupMonitor(t)
	ctx := context.Background()

	lockKey := "lock_" + utils.GlobalVersionCalcLock
	ok, err := store.SetNX(ctx, lockKey, "holder", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// Two failures with MinSamples=3: a 100% error rate on a tiny sample
	// must not trip remediation.
	boom := errors.New("invalidation failed")
	for i := 0; i < 2; i++ {
		_ = monitor.Track(ctx, "bump_products", func(ctx context.Context) error {
			return boom
		})
	}

	_, found, _ := store.Get(ctx, lockKey)
	assert.True(t, found, "locks must survive below the sample floor")

	incidents, err := monitor.RecentIncidents(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestResetClearsAggregate(t *testing.T) {
	monitor, _ := setupMonitor(t)
	ctx := context.Background()

	require.NoError(t, monitor.Track(ctx, "bump_products", func(ctx context.Context) error {
		return nil
	}))
	require.NoError(t, monitor.Reset(ctx))

	metrics, err := monitor.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, metrics.TotalRequests)
}

func TestEmergencyLockPatterns(t *testing.T) {
	patterns := EmergencyLockPatterns([]string{"products", "categories", "global"})

	assert.Contains(t, patterns, utils.BumpLockName([]string{"products"}))
	assert.Contains(t, patterns, utils.BumpLockName([]string{"products", "global"}))
	assert.Contains(t, patterns, utils.BumpLockName([]string{"global"}))
	assert.Contains(t, patterns, utils.GlobalVersionCalcLock)
	assert.Contains(t, patterns, utils.VersionValidationLock)

	seen := map[string]struct{}{}
	for _, p := range patterns {
		_, dup := seen[p]
		assert.False(t, dup, "pattern %s duplicated", p)
		seen[p] = struct{}{}
	}
}
