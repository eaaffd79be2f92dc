package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "costgate"

// Check outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeFailOpen = "fail_open"
	OutcomeNoQuota  = "no_quota"
)

// Metrics holds all costgate metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	Checks         metric.Int64Counter
	CheckDuration  metric.Float64Histogram
	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
	LedgerUpdates  metric.Int64Counter
	LedgerFailures metric.Int64Counter
	RollupFailures metric.Int64Counter
	JobsDropped    metric.Int64Counter
	RecordedCost   metric.Float64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates all metric instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Checks, err = meter.Int64Counter("costgate.quota.checks",
		metric.WithDescription("Quota checks by outcome"))
	if err != nil {
		return nil, err
	}

	m.CheckDuration, err = meter.Float64Histogram("costgate.quota.check.duration_seconds",
		metric.WithDescription("Quota check latency in seconds"))
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("costgate.resolver.cache.hits",
		metric.WithDescription("Resolver cache hits"))
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("costgate.resolver.cache.misses",
		metric.WithDescription("Resolver cache misses"))
	if err != nil {
		return nil, err
	}

	m.LedgerUpdates, err = meter.Int64Counter("costgate.ledger.updates",
		metric.WithDescription("Successful cost ledger increments"))
	if err != nil {
		return nil, err
	}

	m.LedgerFailures, err = meter.Int64Counter("costgate.ledger.failures",
		metric.WithDescription("Failed cost ledger increments"))
	if err != nil {
		return nil, err
	}

	m.RollupFailures, err = meter.Int64Counter("costgate.rollup.failures",
		metric.WithDescription("Failed rollup updates"))
	if err != nil {
		return nil, err
	}

	m.JobsDropped, err = meter.Int64Counter("costgate.worker.dropped",
		metric.WithDescription("Background jobs dropped because the queue was full"))
	if err != nil {
		return nil, err
	}

	m.RecordedCost, err = meter.Float64Counter("costgate.usage.cost_usd",
		metric.WithDescription("Recorded usage cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordCheck(ctx context.Context, outcome, tierID string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("tier", tierID))
	m.Checks.Add(ctx, 1, attrs)
	m.CheckDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

func (m *Metrics) RecordLedgerUpdate(ctx context.Context, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.LedgerFailures.Add(ctx, 1)
		return
	}
	m.LedgerUpdates.Add(ctx, 1)
}

func (m *Metrics) RecordUsageCost(ctx context.Context, usd float64, model string) {
	if m == nil {
		return
	}
	m.RecordedCost.Add(ctx, usd, metric.WithAttributes(attribute.String("model", model)))
}

func (m *Metrics) RecordRollupFailure(ctx context.Context, rollupType string) {
	if m == nil {
		return
	}
	m.RollupFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("rollup_type", rollupType)))
}

func (m *Metrics) RecordDroppedJob(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.JobsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("job", name)))
}
