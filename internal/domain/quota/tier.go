// Package quota defines quota tiers, tier assignments, resolution results and
// quota events.
package quota

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
)

// PeriodType selects the accounting window a tier limit applies to.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodMonthly PeriodType = "monthly"
)

// Current returns the period string containing now.
func (p PeriodType) Current(now time.Time) string {
	if p == PeriodDaily {
		return cost.DayPeriod(now)
	}
	return cost.MonthPeriod(now)
}

// Action is what a tier wants done when its limit is reached.
type Action string

const (
	ActionBlock  Action = "block"
	ActionWarn   Action = "warn"
	ActionNotify Action = "notify"
)

// Tier is a named spending limit.
type Tier struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	MonthlyCostLimit cost.Micros  `json:"monthly_cost_limit"`
	DailyCostLimit   *cost.Micros `json:"daily_cost_limit,omitempty"`
	PeriodType       PeriodType   `json:"period_type"`
	ActionOnLimit    Action       `json:"action_on_limit"`
	Enabled          bool         `json:"enabled"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Limit returns the limit that applies to the tier's period type.
func (t *Tier) Limit() cost.Micros {
	if t.PeriodType == PeriodDaily && t.DailyCostLimit != nil {
		return *t.DailyCostLimit
	}
	return t.MonthlyCostLimit
}

// Validate checks domain rules on a fully populated tier.
func (t *Tier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if t.MonthlyCostLimit < 0 {
		return fmt.Errorf("monthly_cost_limit must not be negative: %w", domain.ErrValidation)
	}
	if t.DailyCostLimit != nil && *t.DailyCostLimit < 0 {
		return fmt.Errorf("daily_cost_limit must not be negative: %w", domain.ErrValidation)
	}
	switch t.PeriodType {
	case PeriodMonthly:
	case PeriodDaily:
		if t.DailyCostLimit == nil {
			return fmt.Errorf("daily period requires daily_cost_limit: %w", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("invalid period_type %q: %w", t.PeriodType, domain.ErrValidation)
	}
	switch t.ActionOnLimit {
	case ActionBlock, ActionWarn, ActionNotify:
	default:
		return fmt.Errorf("invalid action_on_limit %q: %w", t.ActionOnLimit, domain.ErrValidation)
	}
	return nil
}

var tierIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// CreateTierRequest is the payload for creating a tier.
type CreateTierRequest struct {
	ID               string       `json:"id" validate:"omitempty,max=64"`
	Name             string       `json:"name" validate:"required,max=128"`
	Description      string       `json:"description" validate:"max=1024"`
	MonthlyCostLimit cost.Micros  `json:"monthly_cost_limit" validate:"gte=0"`
	DailyCostLimit   *cost.Micros `json:"daily_cost_limit" validate:"omitempty,gte=0"`
	PeriodType       PeriodType   `json:"period_type" validate:"omitempty,oneof=daily monthly"`
	ActionOnLimit    Action       `json:"action_on_limit" validate:"omitempty,oneof=block warn notify"`
	Enabled          *bool        `json:"enabled"`
}

// Validate checks the request and returns a wrapped ErrValidation on failure.
func (r *CreateTierRequest) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.ID != "" && !tierIDPattern.MatchString(r.ID) {
		return fmt.Errorf("id must be lowercase letters, digits, '-' or '_': %w", domain.ErrValidation)
	}
	t := r.Tier()
	return t.Validate()
}

// Tier builds the tier the request describes, applying defaults. The ID is
// left empty when the client did not supply one.
func (r *CreateTierRequest) Tier() Tier {
	t := Tier{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		MonthlyCostLimit: r.MonthlyCostLimit,
		DailyCostLimit:   r.DailyCostLimit,
		PeriodType:       r.PeriodType,
		ActionOnLimit:    r.ActionOnLimit,
		Enabled:          true,
	}
	if t.PeriodType == "" {
		t.PeriodType = PeriodMonthly
	}
	if t.ActionOnLimit == "" {
		t.ActionOnLimit = ActionBlock
	}
	if r.Enabled != nil {
		t.Enabled = *r.Enabled
	}
	return t
}

// UpdateTierRequest is a partial update; nil fields are left unchanged.
type UpdateTierRequest struct {
	Name             *string      `json:"name" validate:"omitempty,min=1,max=128"`
	Description      *string      `json:"description" validate:"omitempty,max=1024"`
	MonthlyCostLimit *cost.Micros `json:"monthly_cost_limit" validate:"omitempty,gte=0"`
	DailyCostLimit   *cost.Micros `json:"daily_cost_limit" validate:"omitempty,gte=0"`
	ClearDailyLimit  bool         `json:"clear_daily_cost_limit"`
	PeriodType       *PeriodType  `json:"period_type" validate:"omitempty,oneof=daily monthly"`
	ActionOnLimit    *Action      `json:"action_on_limit" validate:"omitempty,oneof=block warn notify"`
	Enabled          *bool        `json:"enabled"`
}

// Apply merges the request into t and validates the result.
func (r *UpdateTierRequest) Apply(t *Tier) error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.Name != nil {
		t.Name = *r.Name
	}
	if r.Description != nil {
		t.Description = *r.Description
	}
	if r.MonthlyCostLimit != nil {
		t.MonthlyCostLimit = *r.MonthlyCostLimit
	}
	if r.ClearDailyLimit {
		t.DailyCostLimit = nil
	}
	if r.DailyCostLimit != nil {
		v := *r.DailyCostLimit
		t.DailyCostLimit = &v
	}
	if r.PeriodType != nil {
		t.PeriodType = *r.PeriodType
	}
	if r.ActionOnLimit != nil {
		t.ActionOnLimit = *r.ActionOnLimit
	}
	if r.Enabled != nil {
		t.Enabled = *r.Enabled
	}
	return t.Validate()
}
