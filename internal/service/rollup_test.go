package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/worker"
)

func usageRecord() cost.UsageRecord {
	return cost.UsageRecord{
		UserID:  "u1",
		At:      time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		Cost:    cost.USD(2),
		Usage:   cost.Usage{InputTokens: 10, OutputTokens: 20},
		ModelID: "gpt-4o",
		TierID:  "pro",
	}
}

func TestRollupService_ApplyUpdatesEveryDimension(t *testing.T) {
	store := newMemRollups()
	svc := NewRollupService(store)
	ctx := context.Background()

	for range 2 {
		if err := svc.Apply(ctx, usageRecord()); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	for _, key := range usageRecord().RollupKeys() {
		row, err := svc.GetRollup(ctx, key)
		if err != nil {
			t.Fatalf("GetRollup(%+v): %v", key, err)
		}
		if row.TotalCost != cost.USD(4) || row.TotalRequests != 2 || row.OutputTokens != 40 {
			t.Fatalf("rollup %+v = %+v", key, row)
		}
	}
}

func TestRollupService_PartialFailure(t *testing.T) {
	store := newMemRollups()
	store.failFor = cost.RollupModel
	svc := NewRollupService(store)
	ctx := context.Background()

	err := svc.Apply(ctx, usageRecord())
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected joined storage error, got %v", err)
	}
	if _, err := svc.GetRollup(ctx, cost.RollupKey{Type: cost.RollupTier, Period: "2024-03", Identifier: "pro"}); err != nil {
		t.Fatalf("tier rollup should still apply: %v", err)
	}
}

func TestRollupService_Validation(t *testing.T) {
	svc := NewRollupService(newMemRollups())
	ctx := context.Background()
	if _, err := svc.ListRollups(ctx, "weekly", "2024-03", 10); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad type: %v", err)
	}
	if _, err := svc.GetRollup(ctx, cost.RollupKey{Type: cost.RollupModel, Period: "2024-03"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing identifier: %v", err)
	}
	if _, err := svc.GetRollup(ctx, cost.RollupKey{Type: cost.RollupModel, Period: "2024-03", Identifier: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing row: %v", err)
	}
}

func TestLocalDispatcher(t *testing.T) {
	store := newMemRollups()
	svc := NewRollupService(store)
	pool := worker.New(2, 16)
	d := NewLocalDispatcher(svc, pool)

	for range 5 {
		d.Dispatch(context.Background(), usageRecord())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows, err := svc.ListRollups(context.Background(), cost.RollupDaily, "2024-03-15", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].TotalRequests != 5 {
		t.Fatalf("daily rollups = %+v", rows)
	}
}

func TestQueueDispatcherAndConsumer(t *testing.T) {
	store := newMemRollups()
	svc := NewRollupService(store)
	q := newMemQueue()
	ctx := context.Background()

	if _, err := svc.Consume(ctx, q, "rollup"); err != nil {
		t.Fatal(err)
	}
	NewQueueDispatcher(q, nil).Dispatch(ctx, usageRecord())

	row, err := svc.GetRollup(ctx, cost.RollupKey{Type: cost.RollupModel, Period: "2024-03", Identifier: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if row.TotalCost != cost.USD(2) || row.InputTokens != 10 {
		t.Fatalf("model rollup = %+v", row)
	}
}

func TestConsumerAcksPartialFailures(t *testing.T) {
	store := newMemRollups()
	store.failFor = cost.RollupDaily
	svc := NewRollupService(store)
	q := newMemQueue()
	ctx := context.Background()

	if _, err := svc.Consume(ctx, q, "rollup"); err != nil {
		t.Fatal(err)
	}
	NewQueueDispatcher(q, nil).Dispatch(ctx, usageRecord())
	if len(q.handled) != 1 || q.handled[0] != nil {
		t.Fatalf("handler results = %v, want a single ack", q.handled)
	}
}

func TestQueueDispatcher_PublishFailureIsSwallowed(t *testing.T) {
	q := newMemQueue()
	q.publishE = errors.New("nats down")
	NewQueueDispatcher(q, nil).Dispatch(context.Background(), usageRecord())
}
