package dto

import "time"

// BumpVersionsRequest asks the engine to advance one or more data types.
type BumpVersionsRequest struct {
	DataTypes []string `json:"data_types" validate:"required,min=1,max=32,dive,required,max=64"`
}

// BumpResult reports what a bump did. Fallback is true when the lock could
// not be acquired and the non-atomic path ran instead, in which case
// Timestamp is the first entry's timestamp rather than a batch-shared one.
type BumpResult struct {
	DataTypes       []string  `json:"data_types"`
	Timestamp       time.Time `json:"timestamp"`
	Fallback        bool      `json:"fallback"`
	InvalidatedKeys int       `json:"invalidated_keys"`
}

// GlobalVersionResponse carries the single token summarizing the ledger.
type GlobalVersionResponse struct {
	Version string `json:"version"`
}

// VersionStatItem is one data type's dashboard row.
type VersionStatItem struct {
	DataType           string    `json:"data_type"`
	VersionHash        string    `json:"version_hash"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
	ChangeCount        uint64    `json:"change_count"`
	SecondsSinceUpdate float64   `json:"seconds_since_update"`
}

// VersionStatsResponse is the stats dashboard payload.
type VersionStatsResponse struct {
	GlobalVersion string            `json:"global_version"`
	Items         []VersionStatItem `json:"items"`
}

// ValidationResult lists consistency findings. An empty Issues slice means
// the ledger is fully consistent.
type ValidationResult struct {
	Issues   []string `json:"issues"`
	Repaired bool     `json:"repaired"`
}

// BenchmarkResult compares cached global-version reads against the naive
// full-scan recomputation baseline.
type BenchmarkResult struct {
	Iterations        int     `json:"iterations"`
	CachedAvgMillis   float64 `json:"cached_avg_ms"`
	BaselineAvgMillis float64 `json:"baseline_avg_ms"`
	SpeedupFactor     float64 `json:"speedup_factor"`
}

// InvalidationMetricsResponse is the monitor's derived aggregate view.
type InvalidationMetricsResponse struct {
	TotalRequests      uint64    `json:"total_requests"`
	SuccessfulRequests uint64    `json:"successful_requests"`
	FailedRequests     uint64    `json:"failed_requests"`
	AverageDurationMs  float64   `json:"average_duration_ms"`
	MaxDurationMs      float64   `json:"max_duration_ms"`
	MinDurationMs      float64   `json:"min_duration_ms"`
	SuccessRate        float64   `json:"success_rate"`
	ErrorRate          float64   `json:"error_rate"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
}

// IncidentItem describes one emergency action the monitor took.
type IncidentItem struct {
	HourBucket   string    `json:"hour_bucket"`
	Action       string    `json:"action"`
	ErrorRate    float64   `json:"error_rate"`
	ClearedLocks []string  `json:"cleared_locks"`
	OccurredAt   time.Time `json:"occurred_at"`
}
