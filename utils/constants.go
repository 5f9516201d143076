package utils

import (
	"time"
)

// Well-known data types tracked by the version ledger
const (
	DataTypeProducts   = "products"
	DataTypeCategories = "categories"
	DataTypeOrders     = "orders"
	DataTypeCustomers  = "customers"
	DataTypeGlobal     = "global"
)

// Cache key constants for the versioning engine
const (
	// GlobalVersionCacheKey holds the cached global version token
	GlobalVersionCacheKey = "global_version_cache"

	// VersionCacheKeyPrefix prefixes the per-data-type derived cache entries
	VersionCacheKeyPrefix = "version_cache_for_"

	// VersionStatsCacheKey holds the cached per-type stats for dashboards
	VersionStatsCacheKey = "version_stats_by_type"

	// MonitorMetricsCacheKey holds the invalidation operation aggregate
	MonitorMetricsCacheKey = "cache_invalidation_metrics"

	// MonitorTrackingKeyPrefix prefixes short-lived per-operation tracking entries
	MonitorTrackingKeyPrefix = "invalidation_op_"

	// MonitorIncidentKeyPrefix prefixes hour-bucketed incident entries
	MonitorIncidentKeyPrefix = "cache_incident_"
)

// Lock name constants
const (
	// VersionUpdateLockPrefix prefixes bump locks; the suffix is the sorted
	// set of data types joined by underscores
	VersionUpdateLockPrefix = "version_update_"

	// GlobalVersionCalcLock guards global token recomputation
	GlobalVersionCalcLock = "global_version_calc"

	// VersionValidationLock guards consistency validation and repair
	VersionValidationLock = "version_validation"
)

// Versioning TTL and threshold constants
const (
	// GlobalVersionCacheTTL is the time-to-live of the cached global token (5 minutes)
	GlobalVersionCacheTTL = 5 * time.Minute

	// VersionStatsCacheTTL is the time-to-live of cached dashboard stats (60 seconds)
	VersionStatsCacheTTL = 60 * time.Second

	// BumpLockTTL bounds the bump critical section (10 seconds)
	BumpLockTTL = 10 * time.Second

	// BumpLockTimeout bounds how long a bump waits for its lock (10 seconds)
	BumpLockTimeout = 10 * time.Second

	// GlobalCalcLockTTL bounds global token recomputation (5 seconds)
	GlobalCalcLockTTL = 5 * time.Second

	// ValidationLockTTL bounds consistency repair (30 seconds)
	ValidationLockTTL = 30 * time.Second

	// DuplicateTimestampStep separates repaired duplicate timestamps (1000 microseconds)
	DuplicateTimestampStep = 1000 * time.Microsecond
)

// IncidentHourLayout formats the hour bucket of incident cache keys.
const IncidentHourLayout = "2006010215"

// ContextKey is the type for request-scoped context values.
type ContextKey string

// Context keys for request metadata
const (
	RequestIDKey  ContextKey = "request_id"
	EndpointKey   ContextKey = "endpoint"
	IPAddressKey  ContextKey = "ip_address"
	CancelFuncKey ContextKey = "cancel_func"
)
