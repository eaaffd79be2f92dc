package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/quota"
	"github.com/Strob0t/costgate/internal/port/eventlog"
	"github.com/Strob0t/costgate/internal/worker"
)

// EventService writes and pages quota events.
type EventService struct {
	log  eventlog.Log
	pool *worker.Pool
}

// NewEventService creates an EventService. A nil pool makes RecordAsync
// write synchronously.
func NewEventService(log eventlog.Log, pool *worker.Pool) *EventService {
	return &EventService{log: log, pool: pool}
}

// Record appends ev to the log.
func (s *EventService) Record(ctx context.Context, ev *quota.Event) error {
	if ev.UserID == "" || ev.TierID == "" {
		return fmt.Errorf("event requires user_id and tier_id: %w", domain.ErrValidation)
	}
	return s.log.Record(ctx, ev)
}

// RecordAsync appends ev off the request path. Failures are logged only.
func (s *EventService) RecordAsync(ctx context.Context, ev quota.Event) {
	if s.pool == nil {
		if err := s.Record(ctx, &ev); err != nil {
			slog.WarnContext(ctx, "quota event write failed", "user_id", ev.UserID, "type", ev.Type, "error", err)
		}
		return
	}
	s.pool.Submit(ctx, "quota_event", func(ctx context.Context) error {
		return s.Record(ctx, &ev)
	})
}

// ListByUser pages a user's events oldest first.
func (s *EventService) ListByUser(ctx context.Context, userID string, q quota.EventQuery) ([]quota.Event, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	return s.log.ListByUser(ctx, userID, q.Normalize())
}

// ListByTier pages a tier's events oldest first.
func (s *EventService) ListByTier(ctx context.Context, tierID string, q quota.EventQuery) ([]quota.Event, error) {
	if tierID == "" {
		return nil, fmt.Errorf("tier_id is required: %w", domain.ErrValidation)
	}
	return s.log.ListByTier(ctx, tierID, q.Normalize())
}
