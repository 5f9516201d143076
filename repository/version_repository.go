package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/oroshi/shopver/models"
	"github.com/oroshi/shopver/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VersionRepositoryImpl implements VersionRepository on GORM.
type VersionRepositoryImpl struct {
	db *gorm.DB
}

// NewVersionRepository creates a new version ledger repository.
func NewVersionRepository(db *gorm.DB) VersionRepository {
	return &VersionRepositoryImpl{db: db}
}

// UpsertMany writes the whole batch inside one transaction. The insert
// carries change_count=1; on conflict the existing row keeps its counter
// plus one while timestamp and hash come from the proposed row.
func (r *VersionRepositoryImpl) UpsertMany(ctx context.Context, entries []VersionEntry) error {
	if len(entries) == 0 {
		return nil
	}

	records := make([]models.VersionRecord, 0, len(entries))
	now := utils.UTCNowMicro()
	for _, e := range entries {
		records = append(records, models.VersionRecord{
			DataType:      e.DataType,
			LastUpdatedAt: e.Timestamp,
			VersionHash:   e.Hash,
			ChangeCount:   1,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	db, shouldCommit, err := getDBForWrite(ctx, r.db)
	if err != nil {
		return err
	}
	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "data_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_updated_at": gorm.Expr("excluded.last_updated_at"),
			"version_hash":    gorm.Expr("excluded.version_hash"),
			"change_count":    gorm.Expr("change_count + 1"),
			"updated_at":      gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to upsert version records: %w", err)
	}

	return nil
}

// Get returns the record for a data type, or nil if absent.
func (r *VersionRepositoryImpl) Get(ctx context.Context, dataType string) (*models.VersionRecord, error) {
	db := getDB(ctx, r.db)

	var record models.VersionRecord
	err := db.Where("data_type = ?", dataType).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find version record for %q: %w", dataType, err)
	}

	return &record, nil
}

// ListAll returns every record, newest first. Rows written in the same
// batch share a timestamp, so data_type breaks ties to keep the order
// stable across recomputations.
func (r *VersionRepositoryImpl) ListAll(ctx context.Context) ([]*models.VersionRecord, error) {
	db := getDB(ctx, r.db)

	var records []*models.VersionRecord
	if err := db.Order("last_updated_at DESC, data_type ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list version records: %w", err)
	}

	return records, nil
}

// Count returns the number of ledger rows.
func (r *VersionRepositoryImpl) Count(ctx context.Context) (int64, error) {
	db := getDB(ctx, r.db)

	var count int64
	if err := db.Model(&models.VersionRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count version records: %w", err)
	}

	return count, nil
}

// ClearAll truncates the ledger.
func (r *VersionRepositoryImpl) ClearAll(ctx context.Context) error {
	db := getDB(ctx, r.db)

	if err := db.Exec("DELETE FROM shop_data_versions").Error; err != nil {
		return fmt.Errorf("failed to clear version records: %w", err)
	}

	return nil
}

// UpdateRecord persists repaired timestamp/hash values for one record.
func (r *VersionRepositoryImpl) UpdateRecord(ctx context.Context, record *models.VersionRecord) error {
	db, shouldCommit, err := getDBForWrite(ctx, r.db)
	if err != nil {
		return err
	}
	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	err = db.Model(&models.VersionRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"last_updated_at": record.LastUpdatedAt,
			"version_hash":    record.VersionHash,
			"updated_at":      utils.UTCNowMicro(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update version record %d: %w", record.ID, err)
	}

	return nil
}

// StatsByType projects dashboard stats. Age is computed in SQL so the
// result is unaffected by clock skew between the app and DB servers; the
// expression depends on the dialect.
func (r *VersionRepositoryImpl) StatsByType(ctx context.Context) ([]models.VersionStat, error) {
	db := getDB(ctx, r.db)

	var ageExpr string
	switch db.Dialector.Name() {
	case "sqlite":
		ageExpr = "(julianday('now') - julianday(last_updated_at)) * 86400.0"
	default:
		ageExpr = "EXTRACT(EPOCH FROM ((NOW() AT TIME ZONE 'UTC') - last_updated_at))"
	}

	var stats []models.VersionStat
	query := fmt.Sprintf(
		"SELECT data_type, version_hash, last_updated_at, change_count, %s AS seconds_since FROM shop_data_versions ORDER BY last_updated_at DESC",
		ageExpr,
	)
	if err := db.Raw(query).Scan(&stats).Error; err != nil {
		return nil, fmt.Errorf("failed to compute version stats: %w", err)
	}

	return stats, nil
}
