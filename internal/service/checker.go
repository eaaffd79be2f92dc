package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	cgotel "github.com/Strob0t/costgate/internal/adapter/otel"
	"github.com/Strob0t/costgate/internal/config"
	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
	"github.com/Strob0t/costgate/internal/port/costledger"
	"github.com/Strob0t/costgate/internal/resilience"
)

// QuotaResolver resolves the tier that applies to a principal.
type QuotaResolver interface {
	Resolve(ctx context.Context, userID string, roles []string) (*quota.Resolved, error)
}

// CheckRequest identifies the principal making a billable request.
type CheckRequest struct {
	UserID    string   `json:"user_id"`
	Roles     []string `json:"roles"`
	SessionID string   `json:"session_id,omitempty"`
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed      bool        `json:"allowed"`
	CurrentUsage cost.Micros `json:"current_usage"`
	Limit        cost.Micros `json:"limit"`
	Remaining    cost.Micros `json:"remaining"`
	Message      string      `json:"message"`
	TierID       string      `json:"tier_id,omitempty"`
	Period       string      `json:"period,omitempty"`
	FailOpen     bool        `json:"fail_open,omitempty"`
}

// Checker decides whether a principal may spend more in the current period.
type Checker struct {
	resolver QuotaResolver
	ledger   costledger.Ledger
	breaker  *resilience.Breaker
	events   *EventService
	cfg      config.Quota
	metrics  *cgotel.Metrics
	now      func() time.Time

	lastWarn  sync.Map     // user|period -> time.Time
	nextSweep atomic.Int64 // unix nanos
}

// NewChecker creates a Checker. The breaker guards ledger reads.
func NewChecker(resolver QuotaResolver, ledger costledger.Ledger, breaker *resilience.Breaker, events *EventService, cfg config.Quota) *Checker {
	return &Checker{
		resolver: resolver,
		ledger:   ledger,
		breaker:  breaker,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetMetrics attaches the metrics recorder.
func (c *Checker) SetMetrics(m *cgotel.Metrics) { c.metrics = m }

// Check returns the decision for req. Usage equal to the limit is denied.
// Failures reading the tier or the current usage follow the fail-open policy
// and are reported in the decision, not as an error.
func (c *Checker) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	start := c.now()
	ctx, span := cgotel.StartCheckSpan(ctx, req.UserID, req.SessionID)
	defer span.End()

	res, err := c.resolver.Resolve(ctx, req.UserID, req.Roles)
	if err != nil {
		d := c.unavailable(ctx, req, "", "", fmt.Errorf("resolve quota: %w", err))
		c.record(ctx, d, start)
		return d, nil
	}
	if res == nil {
		d := &Decision{Allowed: true, Message: "no quota configured"}
		c.metrics.RecordCheck(ctx, cgotel.OutcomeNoQuota, "", c.now().Sub(start).Seconds())
		return d, nil
	}

	tier := res.Tier
	period := tier.PeriodType.Current(c.now())
	limit := tier.Limit()

	summary, err := resilience.Do(ctx, c.breaker, func(ctx context.Context) (*cost.Summary, error) {
		return c.ledger.GetSummary(ctx, req.UserID, period)
	})
	if err != nil {
		d := c.unavailable(ctx, req, res.TierID, period, fmt.Errorf("%w: %w", domain.ErrAggregationUnavailable, err))
		d.Limit = limit
		c.record(ctx, d, start)
		return d, nil
	}

	usage := summary.TotalCost
	d := &Decision{
		Allowed:      usage < limit,
		CurrentUsage: usage,
		Limit:        limit,
		Remaining:    max(limit-usage, 0),
		TierID:       res.TierID,
		Period:       period,
	}
	if d.Allowed {
		d.Message = fmt.Sprintf("%s of %s %s limit used", usage, limit, tier.PeriodType)
		if c.shouldWarn(&tier, req.UserID, period, usage, limit) {
			c.emit(ctx, req, &tier, quota.EventWarn, period, usage, limit, res.Source)
		}
	} else {
		d.Message = fmt.Sprintf("quota exceeded: %s of %s %s limit used", usage, limit, tier.PeriodType)
		c.emit(ctx, req, &tier, quota.EventBlock, period, usage, limit, res.Source)
	}
	c.record(ctx, d, start)
	return d, nil
}

// unavailable builds the decision for a check whose inputs could not be read.
func (c *Checker) unavailable(ctx context.Context, req CheckRequest, tierID, period string, err error) *Decision {
	d := &Decision{TierID: tierID, Period: period}
	if c.cfg.FailOpen {
		slog.WarnContext(ctx, "quota check failing open", "user_id", req.UserID, "tier_id", tierID, "error", err)
		d.Allowed = true
		d.FailOpen = true
		d.Message = "usage unavailable, allowed by fail-open policy"
		return d
	}
	slog.WarnContext(ctx, "quota check failing closed", "user_id", req.UserID, "tier_id", tierID, "error", err)
	d.Message = "usage unavailable, denied by fail-closed policy"
	return d
}

func (c *Checker) record(ctx context.Context, d *Decision, start time.Time) {
	outcome := cgotel.OutcomeAllowed
	switch {
	case d.FailOpen:
		outcome = cgotel.OutcomeFailOpen
	case !d.Allowed:
		outcome = cgotel.OutcomeDenied
	}
	c.metrics.RecordCheck(ctx, outcome, d.TierID, c.now().Sub(start).Seconds())
}

// shouldWarn reports whether an allowed request is close enough to the limit
// to emit a warn event, honouring the per-user cooldown.
func (c *Checker) shouldWarn(tier *quota.Tier, userID, period string, usage, limit cost.Micros) bool {
	if c.cfg.WarnThreshold <= 0 || limit <= 0 {
		return false
	}
	if !slices.Contains(c.cfg.WarnActions, string(tier.ActionOnLimit)) {
		return false
	}
	if float64(usage) < c.cfg.WarnThreshold*float64(limit) {
		return false
	}

	if c.cfg.WarnCooldown <= 0 {
		return true
	}
	key := userID + "|" + period
	now := c.now()
	c.maybeSweepWarns(now)
	prev, loaded := c.lastWarn.LoadOrStore(key, now)
	if !loaded {
		return true
	}
	if now.Sub(prev.(time.Time)) < c.cfg.WarnCooldown {
		return false
	}
	return c.lastWarn.CompareAndSwap(key, prev, now)
}

// maybeSweepWarns forgets warn timestamps whose cooldown has passed, at most
// once per cooldown. A forgotten entry behaves exactly like an expired one.
func (c *Checker) maybeSweepWarns(now time.Time) {
	next := c.nextSweep.Load()
	if now.UnixNano() < next || !c.nextSweep.CompareAndSwap(next, now.Add(c.cfg.WarnCooldown).UnixNano()) {
		return
	}
	c.lastWarn.Range(func(k, v any) bool {
		if now.Sub(v.(time.Time)) >= c.cfg.WarnCooldown {
			c.lastWarn.CompareAndDelete(k, v)
		}
		return true
	})
}

func (c *Checker) emit(ctx context.Context, req CheckRequest, tier *quota.Tier, typ quota.EventType, period string, usage, limit cost.Micros, src quota.Source) {
	if c.events == nil {
		return
	}
	c.events.RecordAsync(ctx, quota.Event{
		UserID:       req.UserID,
		TierID:       tier.ID,
		Type:         typ,
		SessionID:    req.SessionID,
		Period:       period,
		CurrentUsage: usage,
		Limit:        limit,
		Timestamp:    c.now().UTC(),
		Metadata: map[string]any{
			"action_on_limit": string(tier.ActionOnLimit),
			"assignment_type": string(src.AssignmentType),
			"assignment_id":   src.AssignmentID,
		},
	})
}
