package quota

import (
	"time"

	"github.com/Strob0t/costgate/internal/domain/cost"
)

// EventType classifies a quota event.
type EventType string

const (
	EventBlock EventType = "block"
	EventWarn  EventType = "warn"
)

// Event is an append-only record of a quota enforcement outcome.
type Event struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	TierID       string         `json:"tier_id"`
	Type         EventType      `json:"event_type"`
	SessionID    string         `json:"session_id,omitempty"`
	Period       string         `json:"period"`
	CurrentUsage cost.Micros    `json:"current_usage"`
	Limit        cost.Micros    `json:"limit"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Event list bounds.
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 500
)

// EventQuery pages through a user's or tier's events in chronological order.
// When After is set only events strictly after the (After, AfterID) cursor
// are returned.
type EventQuery struct {
	Limit   int
	After   time.Time
	AfterID string
}

// Normalize applies the default and maximum limit.
func (q EventQuery) Normalize() EventQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultEventLimit
	case q.Limit > MaxEventLimit:
		q.Limit = MaxEventLimit
	}
	return q
}
