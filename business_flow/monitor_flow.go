package businessflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/oroshi/shopver/app/dto"
	"github.com/oroshi/shopver/app/services"
	"github.com/oroshi/shopver/config"
	"github.com/oroshi/shopver/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	// Tracked invalidation operations by outcome
	monitoredOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopver_monitored_operations_total",
			Help: "Total number of tracked invalidation operations",
		},
		[]string{"outcome"},
	)

	// Emergency remediations triggered by the error-rate threshold
	emergencyActionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopver_emergency_actions_total",
			Help: "Total number of emergency lock-clearing actions",
		},
	)
)

// OperationsMonitor wraps invalidation-triggering operations, keeping a
// running latency/error aggregate and taking emergency action when the
// error rate crosses the configured threshold.
type OperationsMonitor interface {
	// Track runs fn, recording its latency and outcome. The fn error is
	// returned unchanged; monitoring never alters propagation.
	Track(ctx context.Context, operation string, fn func(ctx context.Context) error) error

	// Metrics returns the current derived aggregate.
	Metrics(ctx context.Context) (*dto.InvalidationMetricsResponse, error)

	// RecentIncidents returns emergency actions from the last N hours,
	// scanned hour-bucket by hour-bucket.
	RecentIncidents(ctx context.Context, hours int) ([]dto.IncidentItem, error)

	// Reset clears the aggregate.
	Reset(ctx context.Context) error
}

// invalidationAggregate is the single cache entry backing the monitor.
// Concurrent writers race read-modify-write; approximate counts are
// acceptable for an alerting aggregate.
type invalidationAggregate struct {
	TotalRequests      uint64    `json:"total_requests"`
	SuccessfulRequests uint64    `json:"successful_requests"`
	FailedRequests     uint64    `json:"failed_requests"`
	TotalDurationMs    float64   `json:"total_duration_ms"`
	MaxDurationMs      float64   `json:"max_duration_ms"`
	MinDurationMs      float64   `json:"min_duration_ms"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
}

func (a invalidationAggregate) errorRate() float64 {
	if a.TotalRequests == 0 {
		return 0
	}
	return float64(a.FailedRequests) / float64(a.TotalRequests)
}

func (a invalidationAggregate) successRate() float64 {
	if a.TotalRequests == 0 {
		return 0
	}
	return float64(a.SuccessfulRequests) / float64(a.TotalRequests)
}

// trackingEntry is the short-lived "operation in flight" record.
type trackingEntry struct {
	RequestID string    `json:"request_id"`
	Operation string    `json:"operation"`
	Endpoint  string    `json:"endpoint,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type incidentRecord struct {
	Action       string    `json:"action"`
	ErrorRate    float64   `json:"error_rate"`
	ClearedLocks []string  `json:"cleared_locks"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type MonitorFlowImpl struct {
	cache        services.CacheStore
	locks        *services.LockService
	cfg          *config.MonitorConfig
	lockPatterns []string
	logger       *zap.Logger
}

// NewMonitorFlow creates the operations monitor. lockPatterns is the fixed
// list of lock names cleared during emergency remediation.
func NewMonitorFlow(
	cache services.CacheStore,
	locks *services.LockService,
	cfg *config.MonitorConfig,
	lockPatterns []string,
	logger *zap.Logger,
) OperationsMonitor {
	return &MonitorFlowImpl{
		cache:        cache,
		locks:        locks,
		cfg:          cfg,
		lockPatterns: lockPatterns,
		logger:       logger,
	}
}

// EmergencyLockPatterns derives the remediation lock list from the
// configured data types: each type's own bump lock, its paired bump with
// the global type, and the two fixed engine locks.
func EmergencyLockPatterns(dataTypes []string) []string {
	patterns := make([]string, 0, len(dataTypes)*2+2)
	for _, dt := range dataTypes {
		patterns = append(patterns, utils.BumpLockName([]string{dt}))
		if dt != utils.DataTypeGlobal {
			patterns = append(patterns, utils.BumpLockName([]string{dt, utils.DataTypeGlobal}))
		}
	}
	patterns = append(patterns, utils.GlobalVersionCalcLock, utils.VersionValidationLock)
	return utils.UniqueNonEmpty(patterns)
}

func (m *MonitorFlowImpl) Track(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	requestID := uuid.NewString()
	trackingKey := utils.MonitorTrackingKeyPrefix + requestID

	entry, _ := json.Marshal(trackingEntry{
		RequestID: requestID,
		Operation: operation,
		Endpoint:  contextString(ctx, utils.EndpointKey),
		IPAddress: contextString(ctx, utils.IPAddressKey),
		StartedAt: utils.UTCNow(),
	})
	if err := m.cache.Set(ctx, trackingKey, string(entry), m.cfg.TrackingTTL); err != nil {
		m.logger.Warn("failed to record operation tracking entry",
			zap.String("operation", operation), zap.Error(err))
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if derr := m.cache.Delete(ctx, trackingKey); derr != nil {
		m.logger.Warn("failed to remove operation tracking entry",
			zap.String("operation", operation), zap.Error(derr))
	}

	if err == nil {
		monitoredOperationsTotal.WithLabelValues("success").Inc()
		m.recordSuccess(ctx, operation, duration)
	} else {
		monitoredOperationsTotal.WithLabelValues("failure").Inc()
		m.recordFailure(ctx, operation, requestID, duration, err)
	}

	return err
}

// contextString extracts a string request attribute from the context,
// returning "" when the key is absent.
func contextString(ctx context.Context, key utils.ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func (m *MonitorFlowImpl) recordSuccess(ctx context.Context, operation string, duration time.Duration) {
	agg := m.updateAggregate(ctx, duration, true)

	if duration > m.cfg.SlowThreshold {
		m.logger.Warn("performance alert: slow invalidation operation",
			zap.String("operation", operation),
			zap.Duration("duration", duration),
			zap.Duration("threshold", m.cfg.SlowThreshold),
			zap.Uint64("total_requests", agg.TotalRequests))
	}
}

func (m *MonitorFlowImpl) recordFailure(ctx context.Context, operation, requestID string, duration time.Duration, opErr error) {
	agg := m.updateAggregate(ctx, duration, false)

	m.logger.Error("invalidation operation failed",
		zap.String("operation", operation),
		zap.String("request_id", requestID),
		zap.Duration("duration", duration),
		zap.Float64("error_rate", agg.errorRate()),
		zap.Error(opErr))

	if agg.TotalRequests >= m.cfg.MinSamples && agg.errorRate() > m.cfg.ErrorRateThreshold {
		m.emergency(ctx, agg.errorRate())
	}
}

// updateAggregate folds one observation into the shared aggregate entry.
func (m *MonitorFlowImpl) updateAggregate(ctx context.Context, duration time.Duration, success bool) invalidationAggregate {
	var agg invalidationAggregate
	if raw, found, err := m.cache.Get(ctx, utils.MonitorMetricsCacheKey); err == nil && found {
		_ = json.Unmarshal([]byte(raw), &agg)
	}

	durMs := float64(duration.Microseconds()) / 1000.0

	if agg.TotalRequests == 0 || durMs < agg.MinDurationMs {
		agg.MinDurationMs = durMs
	}
	if durMs > agg.MaxDurationMs {
		agg.MaxDurationMs = durMs
	}
	agg.TotalRequests++
	if success {
		agg.SuccessfulRequests++
	} else {
		agg.FailedRequests++
	}
	agg.TotalDurationMs += durMs
	agg.LastUpdatedAt = utils.UTCNow()

	raw, _ := json.Marshal(agg)
	if err := m.cache.Set(ctx, utils.MonitorMetricsCacheKey, string(raw), m.cfg.MetricsTTL); err != nil {
		m.logger.Warn("failed to persist invalidation aggregate", zap.Error(err))
	}

	return agg
}

// emergency clears the known lock patterns so stuck holders cannot wedge
// the engine, then resets the aggregate to avoid alert storms, and records
// an incident entry in the current hour bucket.
func (m *MonitorFlowImpl) emergency(ctx context.Context, errorRate float64) {
	emergencyActionsTotal.Inc()

	cleared := make([]string, 0, len(m.lockPatterns))
	for _, pattern := range m.lockPatterns {
		if err := m.locks.ForceClear(ctx, pattern); err != nil {
			m.logger.Warn("emergency lock clear failed",
				zap.String("lock", pattern), zap.Error(err))
			continue
		}
		cleared = append(cleared, pattern)
	}

	if err := m.Reset(ctx); err != nil {
		m.logger.Warn("failed to reset invalidation aggregate", zap.Error(err))
	}

	incident := incidentRecord{
		Action:       "cleared version locks and reset invalidation metrics",
		ErrorRate:    errorRate,
		ClearedLocks: cleared,
		OccurredAt:   utils.UTCNow(),
	}
	raw, _ := json.Marshal(incident)
	key := utils.MonitorIncidentKeyPrefix + utils.UTCNowFormat(utils.IncidentHourLayout)
	if err := m.cache.Set(ctx, key, string(raw), m.cfg.IncidentTTL); err != nil {
		m.logger.Warn("failed to record incident entry", zap.Error(err))
	}

	m.logger.Error("emergency remediation triggered",
		zap.Float64("error_rate", errorRate),
		zap.Float64("threshold", m.cfg.ErrorRateThreshold),
		zap.Strings("cleared_locks", cleared))
}

func (m *MonitorFlowImpl) Metrics(ctx context.Context) (*dto.InvalidationMetricsResponse, error) {
	var agg invalidationAggregate
	raw, found, err := m.cache.Get(ctx, utils.MonitorMetricsCacheKey)
	if err != nil {
		return nil, NewBusinessError("MONITOR_METRICS_FAILED", "Failed to read invalidation metrics", err)
	}
	if found {
		if uerr := json.Unmarshal([]byte(raw), &agg); uerr != nil {
			return nil, NewBusinessError("MONITOR_METRICS_FAILED", "Failed to decode invalidation metrics", uerr)
		}
	}

	avg := 0.0
	if agg.TotalRequests > 0 {
		avg = agg.TotalDurationMs / float64(agg.TotalRequests)
	}

	return &dto.InvalidationMetricsResponse{
		TotalRequests:      agg.TotalRequests,
		SuccessfulRequests: agg.SuccessfulRequests,
		FailedRequests:     agg.FailedRequests,
		AverageDurationMs:  avg,
		MaxDurationMs:      agg.MaxDurationMs,
		MinDurationMs:      agg.MinDurationMs,
		SuccessRate:        agg.successRate(),
		ErrorRate:          agg.errorRate(),
		LastUpdatedAt:      agg.LastUpdatedAt,
	}, nil
}

func (m *MonitorFlowImpl) RecentIncidents(ctx context.Context, hours int) ([]dto.IncidentItem, error) {
	if hours <= 0 || hours > m.cfg.LookbackHours {
		hours = m.cfg.LookbackHours
	}

	now := utils.UTCNow()
	items := make([]dto.IncidentItem, 0)
	for h := 0; h < hours; h++ {
		bucket := now.Add(-time.Duration(h) * time.Hour).Format(utils.IncidentHourLayout)
		raw, found, err := m.cache.Get(ctx, utils.MonitorIncidentKeyPrefix+bucket)
		if err != nil || !found {
			continue
		}

		var rec incidentRecord
		if uerr := json.Unmarshal([]byte(raw), &rec); uerr != nil {
			m.logger.Warn("skipping malformed incident entry",
				zap.String("bucket", bucket), zap.Error(uerr))
			continue
		}
		items = append(items, dto.IncidentItem{
			HourBucket:   bucket,
			Action:       rec.Action,
			ErrorRate:    rec.ErrorRate,
			ClearedLocks: rec.ClearedLocks,
			OccurredAt:   rec.OccurredAt,
		})
	}

	return items, nil
}

func (m *MonitorFlowImpl) Reset(ctx context.Context) error {
	return m.cache.Delete(ctx, utils.MonitorMetricsCacheKey)
}
