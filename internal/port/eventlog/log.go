// Package eventlog defines the append-only quota event log port.
package eventlog

import (
	"context"

	"github.com/Strob0t/costgate/internal/domain/quota"
)

// Log stores quota events. Events are never updated or deleted.
type Log interface {
	Record(ctx context.Context, ev *quota.Event) error
	// ListByUser returns a user's events ordered by (timestamp, id).
	ListByUser(ctx context.Context, userID string, q quota.EventQuery) ([]quota.Event, error)
	// ListByTier returns a tier's events ordered by (timestamp, id).
	ListByTier(ctx context.Context, tierID string, q quota.EventQuery) ([]quota.Event, error)
}
