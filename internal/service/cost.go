package service

import (
	"context"
	"fmt"
	"log/slog"

	cgotel "github.com/Strob0t/costgate/internal/adapter/otel"
	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/port/costledger"
)

// RollupDispatcher hands a recorded usage off for system rollup.
// Dispatch never blocks on the rollup itself and never fails the caller.
type RollupDispatcher interface {
	Dispatch(ctx context.Context, rec cost.UsageRecord)
}

// CostService maintains per-user running totals.
type CostService struct {
	ledger  costledger.Ledger
	rollups RollupDispatcher
	metrics *cgotel.Metrics
}

// NewCostService creates a CostService. rollups may be nil.
func NewCostService(ledger costledger.Ledger, rollups RollupDispatcher) *CostService {
	return &CostService{ledger: ledger, rollups: rollups}
}

// SetMetrics attaches the metrics recorder.
func (s *CostService) SetMetrics(m *cgotel.Metrics) { s.metrics = m }

// UpdateCost atomically adds one delta to a user's summary for one period.
func (s *CostService) UpdateCost(ctx context.Context, d cost.Delta) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return s.increment(ctx, d)
}

func (s *CostService) increment(ctx context.Context, deltas ...cost.Delta) error {
	err := s.ledger.Increment(ctx, deltas...)
	s.metrics.RecordLedgerUpdate(ctx, err)
	if err != nil {
		return fmt.Errorf("update cost %s: %w", deltas[0].UserID, err)
	}
	return nil
}

// RecordUsage applies rec to the day and month summaries of rec.At in one
// ledger write, so a failed call leaves both untouched and can be retried.
// The system rollup is dispatched afterwards and never fails the call.
func (s *CostService) RecordUsage(ctx context.Context, rec cost.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	ctx, span := cgotel.StartUsageSpan(ctx, rec.UserID, rec.ModelID)
	defer span.End()

	if err := s.increment(ctx, rec.Deltas()...); err != nil {
		return err
	}
	s.metrics.RecordUsageCost(ctx, rec.Cost.Float64(), rec.ModelID)
	slog.DebugContext(ctx, "usage recorded", "user_id", rec.UserID, "cost", rec.Cost.String(), "model", rec.ModelID)

	if s.rollups != nil {
		s.rollups.Dispatch(ctx, rec)
	}
	return nil
}

// GetSummary returns the user's totals for period. Missing rows read as zero.
func (s *CostService) GetSummary(ctx context.Context, userID, period string) (*cost.Summary, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	if err := cost.ValidatePeriod(period); err != nil {
		return nil, err
	}
	return s.ledger.GetSummary(ctx, userID, period)
}

// TopUsers returns the highest spenders in a period, most expensive first.
func (s *CostService) TopUsers(ctx context.Context, q cost.TopQuery) ([]cost.TopUser, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	return s.ledger.TopUsers(ctx, q)
}
