package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	cgotel "github.com/Strob0t/costgate/internal/adapter/otel"
	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/port/costledger"
	"github.com/Strob0t/costgate/internal/port/messagequeue"
	"github.com/Strob0t/costgate/internal/worker"
)

// RollupService maintains system-wide aggregates.
type RollupService struct {
	store   costledger.RollupStore
	metrics *cgotel.Metrics
}

// NewRollupService creates a RollupService.
func NewRollupService(store costledger.RollupStore) *RollupService {
	return &RollupService{store: store}
}

// SetMetrics attaches the metrics recorder.
func (s *RollupService) SetMetrics(m *cgotel.Metrics) { s.metrics = m }

// Apply adds rec to every rollup it contributes to. Each rollup row is
// updated independently; the returned error joins the ones that failed.
func (s *RollupService) Apply(ctx context.Context, rec cost.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	keys := rec.RollupKeys()
	errs := make([]error, len(keys))

	var g errgroup.Group
	for i, key := range keys {
		g.Go(func() error {
			if err := s.store.ApplyRollup(ctx, key, rec); err != nil {
				s.metrics.RecordRollupFailure(ctx, string(key.Type))
				slog.WarnContext(ctx, "rollup update failed",
					"rollup_type", key.Type,
					"period", key.Period,
					"identifier", key.Identifier,
					"error", err,
				)
				errs[i] = fmt.Errorf("rollup %s/%s/%s: %w", key.Type, key.Period, key.Identifier, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// GetRollup returns one rollup row.
func (s *RollupService) GetRollup(ctx context.Context, key cost.RollupKey) (*cost.Rollup, error) {
	if _, err := cost.ParseRollupType(string(key.Type)); err != nil {
		return nil, err
	}
	if err := cost.ValidatePeriod(key.Period); err != nil {
		return nil, err
	}
	if key.Identifier == "" {
		return nil, fmt.Errorf("identifier is required: %w", domain.ErrValidation)
	}
	return s.store.GetRollup(ctx, key)
}

// ListRollups returns rollups of one type in a period, highest cost first.
func (s *RollupService) ListRollups(ctx context.Context, t cost.RollupType, period string, limit int) ([]cost.Rollup, error) {
	if _, err := cost.ParseRollupType(string(t)); err != nil {
		return nil, err
	}
	if err := cost.ValidatePeriod(period); err != nil {
		return nil, err
	}
	return s.store.ListRollups(ctx, t, period, limit)
}

// Consume applies usage records published by QueueDispatcher. Consumers that
// share group split the stream between them. Rollup failures are logged and
// acknowledged, since partially applied records must not be replayed.
func (s *RollupService) Consume(ctx context.Context, queue messagequeue.Queue, group string) (func(), error) {
	return queue.QueueSubscribe(ctx, messagequeue.SubjectUsageRecorded, group, func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.UsageRecordedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal usage record: %w", err)
		}
		rec := p.Record()
		if err := rec.Validate(); err != nil {
			return err
		}
		_ = s.Apply(ctx, rec)
		return nil
	})
}

// LocalDispatcher runs rollups on the in-process worker pool.
type LocalDispatcher struct {
	svc  *RollupService
	pool *worker.Pool
}

// NewLocalDispatcher creates a LocalDispatcher.
func NewLocalDispatcher(svc *RollupService, pool *worker.Pool) *LocalDispatcher {
	return &LocalDispatcher{svc: svc, pool: pool}
}

// Dispatch implements RollupDispatcher.
func (d *LocalDispatcher) Dispatch(ctx context.Context, rec cost.UsageRecord) {
	d.pool.Submit(ctx, "rollup", func(ctx context.Context) error {
		return d.svc.Apply(ctx, rec)
	})
}

// QueueDispatcher publishes usage records for rollup consumers.
type QueueDispatcher struct {
	queue   messagequeue.Queue
	metrics *cgotel.Metrics
}

// NewQueueDispatcher creates a QueueDispatcher.
func NewQueueDispatcher(queue messagequeue.Queue, metrics *cgotel.Metrics) *QueueDispatcher {
	return &QueueDispatcher{queue: queue, metrics: metrics}
}

// Dispatch implements RollupDispatcher.
func (d *QueueDispatcher) Dispatch(ctx context.Context, rec cost.UsageRecord) {
	data, err := json.Marshal(messagequeue.NewUsageRecordedPayload(rec))
	if err == nil {
		err = d.queue.Publish(ctx, messagequeue.SubjectUsageRecorded, data)
	}
	if err != nil {
		d.metrics.RecordRollupFailure(ctx, "dispatch")
		slog.WarnContext(ctx, "rollup dispatch failed", "user_id", rec.UserID, "error", err)
	}
}
