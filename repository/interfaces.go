// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/oroshi/shopver/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

// VersionEntry is one element of an upsert batch: the target data type,
// the batch-shared timestamp, and the precomputed version token.
type VersionEntry struct {
	DataType  string
	Timestamp time.Time
	Hash      string
}

// VersionRepository is the durable ledger of version records. It is the
// only component that writes the shop_data_versions table; flows never
// touch the rows directly.
type VersionRepository interface {
	// UpsertMany inserts or updates one row per entry atomically across the
	// whole batch. Existing rows get the new timestamp and hash and their
	// change counter incremented by 1; fresh rows start at 1.
	UpsertMany(ctx context.Context, entries []VersionEntry) error

	// Get returns the record for a data type, or nil if absent.
	Get(ctx context.Context, dataType string) (*models.VersionRecord, error)

	// ListAll returns every record ordered by last_updated_at descending.
	ListAll(ctx context.Context) ([]*models.VersionRecord, error)

	// Count returns the number of ledger rows.
	Count(ctx context.Context) (int64, error)

	// ClearAll truncates the ledger. Callers must purge derived caches.
	ClearAll(ctx context.Context) error

	// UpdateRecord persists repaired timestamp/hash values for one record.
	UpdateRecord(ctx context.Context, record *models.VersionRecord) error

	// StatsByType projects dashboard stats with database-side age
	// arithmetic, ordered by last_updated_at descending.
	StatsByType(ctx context.Context) ([]models.VersionStat, error)
}
