package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Strob0t/costgate/internal/port/messagequeue"
)

// CacheInvalidator drops cached quota resolutions.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
	InvalidateAll(ctx context.Context) error
}

// BroadcastInvalidator invalidates the local resolver and then tells every
// other instance to do the same through the queue.
type BroadcastInvalidator struct {
	local  CacheInvalidator
	queue  messagequeue.Queue
	origin string
}

// NewBroadcastInvalidator wraps local. Messages carry a random origin id so
// an instance can skip its own broadcasts.
func NewBroadcastInvalidator(local CacheInvalidator, queue messagequeue.Queue) *BroadcastInvalidator {
	return &BroadcastInvalidator{local: local, queue: queue, origin: uuid.NewString()}
}

// Invalidate implements CacheInvalidator.
func (b *BroadcastInvalidator) Invalidate(ctx context.Context, userID string) error {
	localErr := b.local.Invalidate(ctx, userID)
	pubErr := b.publish(ctx, messagequeue.QuotaInvalidatePayload{UserID: userID, Origin: b.origin})
	return errors.Join(localErr, pubErr)
}

// InvalidateAll implements CacheInvalidator.
func (b *BroadcastInvalidator) InvalidateAll(ctx context.Context) error {
	localErr := b.local.InvalidateAll(ctx)
	pubErr := b.publish(ctx, messagequeue.QuotaInvalidatePayload{All: true, Origin: b.origin})
	return errors.Join(localErr, pubErr)
}

func (b *BroadcastInvalidator) publish(ctx context.Context, p messagequeue.QuotaInvalidatePayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := b.queue.Publish(ctx, messagequeue.SubjectQuotaInvalidate, data); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Listen applies invalidations broadcast by other instances. Every instance
// receives every message.
func (b *BroadcastInvalidator) Listen(ctx context.Context) (func(), error) {
	return b.queue.Subscribe(ctx, messagequeue.SubjectQuotaInvalidate, b.handle)
}

func (b *BroadcastInvalidator) handle(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.QuotaInvalidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal invalidation: %w", err)
	}
	if p.Origin == b.origin {
		return nil
	}
	slog.DebugContext(ctx, "applying remote quota invalidation", "user_id", p.UserID, "all", p.All, "origin", p.Origin)
	if p.All {
		return b.local.InvalidateAll(ctx)
	}
	return b.local.Invalidate(ctx, p.UserID)
}
