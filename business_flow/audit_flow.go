package businessflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oroshi/shopver/app/dto"
	"github.com/oroshi/shopver/app/services"
	"github.com/oroshi/shopver/config"
	"github.com/oroshi/shopver/models"
	"github.com/oroshi/shopver/repository"
	"github.com/oroshi/shopver/utils"
	"go.uber.org/zap"
)

// auditLockTimeout bounds how long a validation run waits for the repair
// lock before reporting the ledger busy.
const auditLockTimeout = 5 * time.Second

// AuditFlow detects and repairs ledger corruption: duplicate timestamps
// and duplicate version hashes.
type AuditFlow interface {
	// ValidateAndRepair scans the ledger under the validation lock, repairs
	// what it finds, purges derived caches when anything changed, and
	// returns human-readable findings. An empty issue list means the ledger
	// is fully consistent.
	ValidateAndRepair(ctx context.Context) (*dto.ValidationResult, error)
}

type AuditFlowImpl struct {
	versionRepo repository.VersionRepository
	locks       *services.LockService
	invalidator *services.InvalidationService
	cfg         *config.VersioningConfig
	logger      *zap.Logger
}

// NewAuditFlow creates the consistency auditor.
func NewAuditFlow(
	versionRepo repository.VersionRepository,
	locks *services.LockService,
	invalidator *services.InvalidationService,
	cfg *config.VersioningConfig,
	logger *zap.Logger,
) AuditFlow {
	return &AuditFlowImpl{
		versionRepo: versionRepo,
		locks:       locks,
		invalidator: invalidator,
		cfg:         cfg,
		logger:      logger,
	}
}

func (s *AuditFlowImpl) ValidateAndRepair(ctx context.Context) (*dto.ValidationResult, error) {
	var result *dto.ValidationResult
	err := s.locks.TryWithLock(ctx, utils.VersionValidationLock, s.cfg.ValidationLockTTL, auditLockTimeout, func(ctx context.Context) error {
		r, err := s.validateAndRepairLocked(ctx)
		result = r
		return err
	})

	if services.IsLockTimeout(err) {
		return nil, NewBusinessError("VALIDATION_LOCK_BUSY", "Another validation run is in progress", ErrValidationBusy)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AuditFlowImpl) validateAndRepairLocked(ctx context.Context) (*dto.ValidationResult, error) {
	records, err := s.versionRepo.ListAll(ctx)
	if err != nil {
		return nil, NewBusinessError("VALIDATION_SCAN_FAILED", "Failed to scan version ledger", persistence(err))
	}

	// Repairs iterate in stable id order so reruns are deterministic.
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	result := &dto.ValidationResult{Issues: []string{}}

	if err := s.repairDuplicateTimestamps(ctx, records, result); err != nil {
		return result, err
	}
	if err := s.repairDuplicateHashes(ctx, records, result); err != nil {
		return result, err
	}

	if result.Repaired {
		keys := s.invalidator.KeysForDataTypes(s.cfg.DataTypes)
		keys = append(keys, utils.VersionStatsCacheKey)
		s.invalidator.Invalidate(ctx, keys)
		result.Issues = append(result.Issues, "purged derived version caches after repair")
	}

	return result, nil
}

// repairDuplicateTimestamps keeps the first record of each colliding group
// untouched and pushes every later record forward by index × 1000µs,
// recomputing its hash for the new timestamp.
func (s *AuditFlowImpl) repairDuplicateTimestamps(ctx context.Context, records []*models.VersionRecord, result *dto.ValidationResult) error {
	groups := make(map[int64][]*models.VersionRecord)
	for _, r := range records {
		key := r.LastUpdatedAt.UnixMicro()
		groups[key] = append(groups[key], r)
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}

		types := make([]string, 0, len(group))
		for _, r := range group {
			types = append(types, r.DataType)
		}
		result.Issues = append(result.Issues, fmt.Sprintf(
			"duplicate timestamps: %d records share %s (%v)",
			len(group), group[0].LastUpdatedAt.Format(time.RFC3339Nano), types))

		base := group[0].LastUpdatedAt
		for idx, r := range group[1:] {
			r.LastUpdatedAt = base.Add(time.Duration(idx+1) * utils.DuplicateTimestampStep)
			r.VersionHash = utils.VersionHash(r.DataType, r.LastUpdatedAt, utils.UTCNowUnixNano()+int64(idx))

			if err := s.versionRepo.UpdateRecord(ctx, r); err != nil {
				// A failed write aborts the remaining repair loop; a partial
				// repair rerun is safe and picks up where this one stopped.
				s.logger.Error("timestamp repair failed, aborting remaining repairs",
					zap.String("data_type", r.DataType), zap.Uint("id", r.ID), zap.Error(err))
				return NewBusinessError("VALIDATION_REPAIR_FAILED", "Failed to repair duplicate timestamps", persistence(err))
			}
			result.Repaired = true
		}
	}

	return nil
}

// repairDuplicateHashes regenerates every hash but the first in each
// colliding group, mixing in the record's own timestamp and its group index
// so regenerated hashes cannot collide with each other or the survivor.
func (s *AuditFlowImpl) repairDuplicateHashes(ctx context.Context, records []*models.VersionRecord, result *dto.ValidationResult) error {
	groups := make(map[string][]*models.VersionRecord)
	for _, r := range records {
		groups[r.VersionHash] = append(groups[r.VersionHash], r)
	}

	for hash, group := range groups {
		if len(group) < 2 {
			continue
		}

		types := make([]string, 0, len(group))
		for _, r := range group {
			types = append(types, r.DataType)
		}
		result.Issues = append(result.Issues, fmt.Sprintf(
			"duplicate version hashes: %d records share %s (%v)", len(group), hash, types))

		nano := utils.UTCNowUnixNano()
		for idx, r := range group[1:] {
			r.VersionHash = utils.Digest(fmt.Sprintf(
				"%s_%d_%d_%d", r.DataType, r.LastUpdatedAt.UnixMicro(), nano, idx+1))

			if err := s.versionRepo.UpdateRecord(ctx, r); err != nil {
				s.logger.Error("hash repair failed, aborting remaining repairs",
					zap.String("data_type", r.DataType), zap.Uint("id", r.ID), zap.Error(err))
				return NewBusinessError("VALIDATION_REPAIR_FAILED", "Failed to repair duplicate hashes", persistence(err))
			}
			result.Repaired = true
		}
	}

	return nil
}
