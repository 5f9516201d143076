package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oroshi/shopver/app/dto"
	"github.com/oroshi/shopver/app/services"
	"github.com/oroshi/shopver/config"
	"github.com/oroshi/shopver/models"
	"github.com/oroshi/shopver/repository"
	"github.com/oroshi/shopver/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// Version bumps by path taken
	versionBumpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopver_version_bumps_total",
			Help: "Total number of version bumps processed",
		},
		[]string{"mode"},
	)

	// Bump lock acquisitions that timed out
	bumpLockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopver_bump_lock_timeouts_total",
			Help: "Total number of bump lock acquisition timeouts",
		},
	)

	// Global version token recomputations (cache misses)
	globalVersionComputations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopver_global_version_computations_total",
			Help: "Total number of global version token recomputations",
		},
	)
)

// emptyLedgerToken is the stable token returned while the ledger holds no
// records. A fixed sentinel keeps consecutive reads identical; the first
// bump replaces it.
var emptyLedgerToken = utils.Digest("empty_ledger")

// VersionFlow coordinates atomic version bumps and global token reads. It
// is the only writer of the version ledger.
type VersionFlow interface {
	// Bump atomically advances the given data types: one shared timestamp,
	// distinct hashes, counters +1, derived caches invalidated. Degrades to
	// a non-atomic per-type path when the bump lock cannot be acquired.
	Bump(ctx context.Context, dataTypes []string) (*dto.BumpResult, error)

	// EntityChanged maps a domain mutation event ("products", "categories",
	// ...) to a bump of that type plus the global type.
	EntityChanged(ctx context.Context, entity string) (*dto.BumpResult, error)

	// GlobalVersion returns the single token summarizing the whole ledger,
	// cached and lock-guarded against thundering-herd recomputation.
	GlobalVersion(ctx context.Context) (string, error)

	// Stats returns the per-type dashboard projection plus the global token.
	Stats(ctx context.Context) (*dto.VersionStatsResponse, error)

	// InitDefaults seeds a record for every configured data type.
	InitDefaults(ctx context.Context) (*dto.BumpResult, error)

	// ClearAll truncates the ledger and purges every derived cache entry.
	ClearAll(ctx context.Context) error

	// Benchmark times cached global-version reads against the naive
	// full-scan recomputation.
	Benchmark(ctx context.Context, iterations int) (*dto.BenchmarkResult, error)
}

type VersionFlowImpl struct {
	versionRepo repository.VersionRepository
	locks       *services.LockService
	invalidator *services.InvalidationService
	cache       services.CacheStore
	cfg         *config.VersioningConfig
	db          *gorm.DB
	monitor     OperationsMonitor
	logger      *zap.Logger
}

// NewVersionFlow creates the version coordinator. monitor may be nil when
// operation tracking is not wanted (tests, CLI one-shots).
func NewVersionFlow(
	versionRepo repository.VersionRepository,
	locks *services.LockService,
	invalidator *services.InvalidationService,
	cache services.CacheStore,
	cfg *config.VersioningConfig,
	db *gorm.DB,
	monitor OperationsMonitor,
	logger *zap.Logger,
) VersionFlow {
	return &VersionFlowImpl{
		versionRepo: versionRepo,
		locks:       locks,
		invalidator: invalidator,
		cache:       cache,
		cfg:         cfg,
		db:          db,
		monitor:     monitor,
		logger:      logger,
	}
}

func (s *VersionFlowImpl) Bump(ctx context.Context, dataTypes []string) (*dto.BumpResult, error) {
	types := utils.UniqueNonEmpty(dataTypes)
	if len(types) == 0 {
		return &dto.BumpResult{DataTypes: []string{}}, nil
	}

	var result *dto.BumpResult
	run := func(ctx context.Context) error {
		r, err := s.bumpOnce(ctx, types)
		result = r
		return err
	}

	var err error
	if s.monitor != nil {
		err = s.monitor.Track(ctx, "bump_"+utils.BumpLockName(types), run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// bumpOnce runs the locked atomic path, degrading to the fallback on lock
// timeout. Persistence failures on the atomic path propagate; on the
// fallback path they are logged and swallowed so the triggering request
// survives.
func (s *VersionFlowImpl) bumpOnce(ctx context.Context, types []string) (*dto.BumpResult, error) {
	lockName := utils.BumpLockName(types)

	var result *dto.BumpResult
	err := s.locks.TryWithLock(ctx, lockName, s.cfg.BumpLockTTL, s.cfg.BumpLockTimeout, func(ctx context.Context) error {
		r, err := s.bumpAtomic(ctx, types)
		result = r
		return err
	})

	if services.IsLockTimeout(err) {
		bumpLockTimeoutsTotal.Inc()
		s.logger.Warn("bump lock timed out, taking non-atomic fallback path",
			zap.String("lock", lockName), zap.Strings("data_types", types))
		return s.bumpFallback(ctx, types), nil
	}
	if err != nil {
		return nil, err
	}

	versionBumpsTotal.WithLabelValues("atomic").Inc()
	return result, nil
}

// bumpAtomic is the locked critical section: one timestamp shared by the
// whole batch, one transaction around the upsert, cache invalidation before
// the lock is released.
func (s *VersionFlowImpl) bumpAtomic(ctx context.Context, types []string) (*dto.BumpResult, error) {
	timestamp := utils.UTCNowMicro()
	nanoSample := utils.UTCNowUnixNano()

	entries := make([]repository.VersionEntry, 0, len(types))
	for _, dt := range types {
		entries = append(entries, repository.VersionEntry{
			DataType:  dt,
			Timestamp: timestamp,
			Hash:      utils.VersionHash(dt, timestamp, nanoSample),
		})
	}

	err := repository.WithTransaction(ctx, s.db, func(txCtx context.Context) error {
		return s.versionRepo.UpsertMany(txCtx, entries)
	})
	if err != nil {
		s.logger.Error("version upsert failed",
			zap.Strings("data_types", types), zap.Error(err))
		return nil, NewBusinessError("VERSION_UPSERT_FAILED", "Failed to persist version bump", persistence(err))
	}

	keys := s.invalidator.KeysForDataTypes(types)
	invalidated := s.invalidator.Invalidate(ctx, keys)

	return &dto.BumpResult{
		DataTypes:       types,
		Timestamp:       timestamp,
		InvalidatedKeys: invalidated,
	}, nil
}

// bumpFallback advances each type individually without the shared-timestamp
// guarantee. Persistence failures here are logged but never surfaced: a
// missed bump costs bounded staleness, not a failed product save.
func (s *VersionFlowImpl) bumpFallback(ctx context.Context, types []string) *dto.BumpResult {
	bumped := make([]string, 0, len(types))
	var first time.Time

	for _, dt := range types {
		timestamp := utils.UTCNowMicro()
		entry := repository.VersionEntry{
			DataType:  dt,
			Timestamp: timestamp,
			Hash:      utils.VersionHash(dt, timestamp, utils.UTCNowUnixNano()),
		}
		if err := s.versionRepo.UpsertMany(ctx, []repository.VersionEntry{entry}); err != nil {
			s.logger.Error("fallback version upsert failed, skipping data type",
				zap.String("data_type", dt), zap.Error(err))
			continue
		}
		if first.IsZero() {
			first = timestamp
		}
		bumped = append(bumped, dt)
	}

	// The flagged staleness window between ledger commit and global-token
	// expiry is closed here too: the global key joins the per-type keys.
	invalidated := 0
	if len(bumped) > 0 {
		invalidated = s.invalidator.Invalidate(ctx, s.invalidator.KeysForDataTypes(bumped))
	}

	versionBumpsTotal.WithLabelValues("fallback").Inc()
	return &dto.BumpResult{
		DataTypes:       bumped,
		Timestamp:       first,
		Fallback:        true,
		InvalidatedKeys: invalidated,
	}
}

func (s *VersionFlowImpl) EntityChanged(ctx context.Context, entity string) (*dto.BumpResult, error) {
	if entity == "" {
		return nil, NewBusinessError("ENTITY_REQUIRED", "Entity name is required", ErrNoDataTypes)
	}
	return s.Bump(ctx, []string{entity, utils.DataTypeGlobal})
}

func (s *VersionFlowImpl) GlobalVersion(ctx context.Context) (string, error) {
	var token string
	err := s.locks.TryWithLock(ctx, utils.GlobalVersionCalcLock, s.cfg.GlobalCalcLockTTL, s.cfg.GlobalCalcTimeout, func(ctx context.Context) error {
		t, err := s.cache.Remember(ctx, utils.GlobalVersionCacheKey, s.cfg.GlobalVersionTTL, func() (string, error) {
			return s.computeGlobalVersion(ctx)
		})
		token = t
		return err
	})

	if services.IsLockTimeout(err) {
		// Another reader is recomputing; serve whatever is cached, or a
		// timestamp-derived token as the last resort. Never block.
		if cached, found, gerr := s.cache.Get(ctx, utils.GlobalVersionCacheKey); gerr == nil && found {
			return cached, nil
		}
		return utils.Digest(fmt.Sprintf("fallback_%d", utils.UTCNowUnixNano())), nil
	}
	if err != nil {
		return "", NewBusinessError("GLOBAL_VERSION_FAILED", "Failed to compute global version", err)
	}

	return token, nil
}

// computeGlobalVersion digests the ordered hash set of the whole ledger.
// The scan is cheap (one small table) but worth caching under read load.
func (s *VersionFlowImpl) computeGlobalVersion(ctx context.Context) (string, error) {
	records, err := s.versionRepo.ListAll(ctx)
	if err != nil {
		return "", persistence(err)
	}
	globalVersionComputations.Inc()
	if len(records) == 0 {
		return emptyLedgerToken, nil
	}

	joined := ""
	for i, r := range records {
		if i > 0 {
			joined += "|"
		}
		joined += r.VersionHash
	}
	return utils.Digest(joined), nil
}

func (s *VersionFlowImpl) Stats(ctx context.Context) (*dto.VersionStatsResponse, error) {
	payload, err := s.cache.Remember(ctx, utils.VersionStatsCacheKey, s.cfg.StatsCacheTTL, func() (string, error) {
		stats, err := s.versionRepo.StatsByType(ctx)
		if err != nil {
			return "", persistence(err)
		}
		raw, err := json.Marshal(stats)
		if err != nil {
			return "", fmt.Errorf("failed to marshal version stats: %w", err)
		}
		return string(raw), nil
	})
	if err != nil {
		return nil, NewBusinessError("VERSION_STATS_FAILED", "Failed to compute version stats", err)
	}

	var stats []models.VersionStat
	if err := json.Unmarshal([]byte(payload), &stats); err != nil {
		return nil, NewBusinessError("VERSION_STATS_FAILED", "Failed to decode cached version stats", err)
	}

	global, err := s.GlobalVersion(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]dto.VersionStatItem, 0, len(stats))
	for _, st := range stats {
		items = append(items, dto.VersionStatItem{
			DataType:           st.DataType,
			VersionHash:        st.VersionHash,
			LastUpdatedAt:      st.LastUpdated,
			ChangeCount:        st.ChangeCount,
			SecondsSinceUpdate: st.SecondsSince,
		})
	}

	return &dto.VersionStatsResponse{
		GlobalVersion: global,
		Items:         items,
	}, nil
}

func (s *VersionFlowImpl) InitDefaults(ctx context.Context) (*dto.BumpResult, error) {
	return s.Bump(ctx, s.cfg.DataTypes)
}

func (s *VersionFlowImpl) ClearAll(ctx context.Context) error {
	if err := s.versionRepo.ClearAll(ctx); err != nil {
		return NewBusinessError("VERSION_CLEAR_FAILED", "Failed to clear version ledger", persistence(err))
	}

	keys := s.invalidator.KeysForDataTypes(s.cfg.DataTypes)
	keys = append(keys, utils.VersionStatsCacheKey)
	s.invalidator.Invalidate(ctx, keys)

	s.logger.Info("version ledger cleared and derived caches purged")
	return nil
}

func (s *VersionFlowImpl) Benchmark(ctx context.Context, iterations int) (*dto.BenchmarkResult, error) {
	if iterations <= 0 {
		iterations = 100
	}

	cachedStart := time.Now()
	for i := 0; i < iterations; i++ {
		if _, err := s.GlobalVersion(ctx); err != nil {
			return nil, err
		}
	}
	cachedTotal := time.Since(cachedStart)

	baselineStart := time.Now()
	for i := 0; i < iterations; i++ {
		if _, err := s.computeGlobalVersion(ctx); err != nil {
			return nil, NewBusinessError("BENCHMARK_FAILED", "Baseline recomputation failed", err)
		}
	}
	baselineTotal := time.Since(baselineStart)

	cachedAvg := float64(cachedTotal.Microseconds()) / float64(iterations) / 1000.0
	baselineAvg := float64(baselineTotal.Microseconds()) / float64(iterations) / 1000.0

	speedup := 0.0
	if cachedAvg > 0 {
		speedup = baselineAvg / cachedAvg
	}

	return &dto.BenchmarkResult{
		Iterations:        iterations,
		CachedAvgMillis:   cachedAvg,
		BaselineAvgMillis: baselineAvg,
		SpeedupFactor:     speedup,
	}, nil
}
