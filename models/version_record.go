// Package models contains the persistence models for the versioning engine.
package models

import "time"

// VersionRecord is one row of the shop data-version ledger. Each tracked
// data type ("products", "categories", "global", ...) owns exactly one row.
//
// Invariants maintained by the upsert path:
//   - LastUpdatedAt carries microsecond resolution and is shared byte-for-byte
//     by every record touched in the same atomic bump.
//   - VersionHash is a 32-character lowercase hex token, globally unique
//     across all rows at all times.
//   - ChangeCount increments by exactly 1 per bump of that data type.
type VersionRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	DataType      string    `gorm:"size:64;not null;uniqueIndex" json:"data_type"`
	LastUpdatedAt time.Time `gorm:"not null;index" json:"last_updated_at"`
	VersionHash   string    `gorm:"size:32;not null" json:"version_hash"`
	ChangeCount   uint64    `gorm:"not null;default:0" json:"change_count"`
	CreatedAt     time.Time `gorm:"default:(CURRENT_TIMESTAMP)" json:"created_at"`
	UpdatedAt     time.Time `gorm:"default:(CURRENT_TIMESTAMP)" json:"updated_at"`
}

func (VersionRecord) TableName() string { return "shop_data_versions" }

// VersionStat is one row of the dashboard stats projection. SecondsSince
// is computed database-side so app/DB clock skew cannot distort it.
type VersionStat struct {
	DataType     string    `gorm:"column:data_type" json:"data_type"`
	VersionHash  string    `gorm:"column:version_hash" json:"version_hash"`
	LastUpdated  time.Time `gorm:"column:last_updated_at" json:"last_updated_at"`
	ChangeCount  uint64    `gorm:"column:change_count" json:"change_count"`
	SecondsSince float64   `gorm:"column:seconds_since" json:"seconds_since_update"`
}
