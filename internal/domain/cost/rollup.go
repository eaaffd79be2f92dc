package cost

import (
	"fmt"
	"time"

	"github.com/Strob0t/costgate/internal/domain"
)

// RollupType names a system-wide aggregation dimension.
type RollupType string

const (
	RollupDaily   RollupType = "daily"
	RollupMonthly RollupType = "monthly"
	RollupModel   RollupType = "model"
	RollupTier    RollupType = "tier"
)

// ParseRollupType validates s as a RollupType.
func ParseRollupType(s string) (RollupType, error) {
	switch t := RollupType(s); t {
	case RollupDaily, RollupMonthly, RollupModel, RollupTier:
		return t, nil
	}
	return "", fmt.Errorf("unknown rollup type %q: %w", s, domain.ErrValidation)
}

// RollupKey identifies one rollup row.
type RollupKey struct {
	Type       RollupType `json:"rollup_type"`
	Period     string     `json:"period"`
	Identifier string     `json:"identifier"`
}

// Rollup is a system-wide running total.
type Rollup struct {
	RollupKey
	TotalCost     Micros    `json:"total_cost"`
	TotalRequests int64     `json:"total_requests"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	LastUpdated   time.Time `json:"last_updated"`
}

// UsageRecord is one recorded usage event, the unit of rollup work.
type UsageRecord struct {
	UserID  string    `json:"user_id"`
	At      time.Time `json:"at"`
	Cost    Micros    `json:"cost"`
	Usage   Usage     `json:"usage"`
	ModelID string    `json:"model_id,omitempty"`
	TierID  string    `json:"tier_id,omitempty"`
}

// Validate checks the record before it is applied anywhere.
func (r UsageRecord) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	if r.At.IsZero() {
		return fmt.Errorf("timestamp is required: %w", domain.ErrValidation)
	}
	if r.Cost < 0 || r.Usage.InputTokens < 0 || r.Usage.OutputTokens < 0 {
		return fmt.Errorf("usage deltas must not be negative: %w", domain.ErrValidation)
	}
	return nil
}

// Deltas returns the per-user ledger increments for the day and month of r.
func (r UsageRecord) Deltas() []Delta {
	return []Delta{
		{UserID: r.UserID, Period: DayPeriod(r.At), Cost: r.Cost, Usage: r.Usage, ModelID: r.ModelID},
		{UserID: r.UserID, Period: MonthPeriod(r.At), Cost: r.Cost, Usage: r.Usage, ModelID: r.ModelID},
	}
}

// RollupKeys returns every rollup row r contributes to. Model and tier
// rollups are keyed by month and are skipped when the identifier is unknown.
func (r UsageRecord) RollupKeys() []RollupKey {
	day, month := DayPeriod(r.At), MonthPeriod(r.At)
	keys := []RollupKey{
		{Type: RollupDaily, Period: day, Identifier: day},
		{Type: RollupMonthly, Period: month, Identifier: month},
	}
	if r.ModelID != "" {
		keys = append(keys, RollupKey{Type: RollupModel, Period: month, Identifier: r.ModelID})
	}
	if r.TierID != "" {
		keys = append(keys, RollupKey{Type: RollupTier, Period: month, Identifier: r.TierID})
	}
	return keys
}
