package messagequeue

import (
	"time"

	"github.com/Strob0t/costgate/internal/domain/cost"
)

// UsageRecordedPayload is the schema for usage.recorded messages.
type UsageRecordedPayload struct {
	UserID       string    `json:"user_id"`
	At           time.Time `json:"at"`
	CostMicros   int64     `json:"cost_micros"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	ModelID      string    `json:"model_id,omitempty"`
	TierID       string    `json:"tier_id,omitempty"`
}

// NewUsageRecordedPayload converts a usage record to its wire form.
func NewUsageRecordedPayload(r cost.UsageRecord) UsageRecordedPayload {
	return UsageRecordedPayload{
		UserID:       r.UserID,
		At:           r.At,
		CostMicros:   int64(r.Cost),
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
		ModelID:      r.ModelID,
		TierID:       r.TierID,
	}
}

// Record converts the payload back to a usage record.
func (p UsageRecordedPayload) Record() cost.UsageRecord {
	return cost.UsageRecord{
		UserID:  p.UserID,
		At:      p.At,
		Cost:    cost.Micros(p.CostMicros),
		Usage:   cost.Usage{InputTokens: p.InputTokens, OutputTokens: p.OutputTokens},
		ModelID: p.ModelID,
		TierID:  p.TierID,
	}
}

// QuotaInvalidatePayload is the schema for quota.invalidate messages.
// Either UserID is set or All is true.
type QuotaInvalidatePayload struct {
	UserID string `json:"user_id,omitempty"`
	All    bool   `json:"all,omitempty"`
	Origin string `json:"origin"`
}
