// Package scheduler
package scheduler

import (
	"context"
	"math/rand"
	"time"

	businessflow "github.com/oroshi/shopver/business_flow"
	"go.uber.org/zap"
)

// AuditScheduler periodically runs the ledger consistency audit. Repairs
// are rare in steady state; the run mostly confirms the ledger is clean.
type AuditScheduler struct {
	audit    businessflow.AuditFlow
	logger   *zap.Logger
	interval time.Duration
}

func NewAuditScheduler(audit businessflow.AuditFlow, logger *zap.Logger, interval time.Duration) *AuditScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &AuditScheduler{
		audit:    audit,
		logger:   logger,
		interval: interval,
	}
}

// Start launches the periodic audit loop and returns a cancel func. The
// first run is delayed by a random fraction of the interval so replicas
// started together do not contend on the validation lock.
func (s *AuditScheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		if quarter := int64(s.interval) / 4; quarter > 0 {
			jitter := time.Duration(rand.Int63n(quarter))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter):
			}
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()

	return cancel
}

func (s *AuditScheduler) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	res, err := s.audit.ValidateAndRepair(runCtx)
	if err != nil {
		if businessflow.IsValidationBusy(err) {
			s.logger.Debug("audit skipped, another run holds the validation lock")
			return
		}
		s.logger.Error("periodic ledger audit failed", zap.Error(err))
		return
	}

	if len(res.Issues) == 0 {
		s.logger.Debug("periodic ledger audit found no issues")
		return
	}
	s.logger.Warn("periodic ledger audit repaired inconsistencies",
		zap.Int("issues", len(res.Issues)),
		zap.Strings("details", res.Issues),
	)
}
