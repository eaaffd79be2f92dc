// Package cost defines per-user cost summaries, usage deltas, system rollups
// and the sort-key codec used for index-served top-N queries.
package cost

import (
	"fmt"
	"time"

	"github.com/Strob0t/costgate/internal/domain"
)

// Usage holds the token counters carried by a usage delta.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ModelUsage is the per-model breakdown inside a Summary.
type ModelUsage struct {
	ModelID      string `json:"model_id"`
	Cost         Micros `json:"cost"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Summary is the running total of one user's spend in one period.
type Summary struct {
	UserID        string       `json:"user_id"`
	Period        string       `json:"period"`
	TotalCost     Micros       `json:"total_cost"`
	TotalRequests int64        `json:"total_requests"`
	InputTokens   int64        `json:"input_tokens"`
	OutputTokens  int64        `json:"output_tokens"`
	Models        []ModelUsage `json:"models"`
	LastUpdated   time.Time    `json:"last_updated"`
	SortKey       string       `json:"sort_key"`
}

// EmptySummary is what a lookup returns when no usage has been recorded.
func EmptySummary(userID, period string) *Summary {
	return &Summary{
		UserID:  userID,
		Period:  period,
		Models:  []ModelUsage{},
		SortKey: SortKey(0),
	}
}

// Delta is a single increment applied to a user's summary for one period.
type Delta struct {
	UserID  string `json:"user_id"`
	Period  string `json:"period"`
	Cost    Micros `json:"cost"`
	Usage   Usage  `json:"usage"`
	ModelID string `json:"model_id,omitempty"`
}

// Validate rejects deltas that would corrupt the running totals.
func (d Delta) Validate() error {
	if d.UserID == "" {
		return fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	if err := ValidatePeriod(d.Period); err != nil {
		return err
	}
	if d.Cost < 0 {
		return fmt.Errorf("cost delta must not be negative: %w", domain.ErrValidation)
	}
	if d.Usage.InputTokens < 0 || d.Usage.OutputTokens < 0 {
		return fmt.Errorf("token deltas must not be negative: %w", domain.ErrValidation)
	}
	return nil
}

// Top-N limits.
const (
	DefaultTopLimit = 10
	MaxTopLimit     = 1000
)

// TopQuery selects the highest spenders in a period.
type TopQuery struct {
	Period  string
	Limit   int
	MinCost Micros
}

// Normalize applies the default and maximum limit and validates the period.
func (q TopQuery) Normalize() (TopQuery, error) {
	if err := ValidatePeriod(q.Period); err != nil {
		return q, err
	}
	if q.MinCost < 0 {
		return q, fmt.Errorf("min_cost must not be negative: %w", domain.ErrValidation)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultTopLimit
	case q.Limit > MaxTopLimit:
		q.Limit = MaxTopLimit
	}
	return q, nil
}

// TopUser is one row of a top-N result.
type TopUser struct {
	UserID        string    `json:"user_id"`
	TotalCost     Micros    `json:"total_cost"`
	TotalRequests int64     `json:"total_requests"`
	LastUpdated   time.Time `json:"last_updated"`
}
