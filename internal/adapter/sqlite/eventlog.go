package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
)

// EventLog implements eventlog.Log on SQLite.
type EventLog struct {
	db *sql.DB
}

// NewEventLog creates an EventLog on an opened, migrated database.
func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

func (l *EventLog) Record(ctx context.Context, ev *quota.Event) error {
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("event id: %w", err)
		}
		ev.ID = id.String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	meta := "{}"
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO quota_events (id, user_id, tier_id, event_type, session_id, period, current_usage, cost_limit, ts, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.TierID, string(ev.Type), ev.SessionID, ev.Period,
		int64(ev.CurrentUsage), int64(ev.Limit), toNanos(ev.Timestamp), meta)
	if err != nil {
		return wrapErr(err, "record event")
	}
	return nil
}

const eventColumns = `id, user_id, tier_id, event_type, session_id, period, current_usage, cost_limit, ts, metadata`

func scanEvent(row scannable) (quota.Event, error) {
	var (
		ev           quota.Event
		usage, limit int64
		ts           int64
		meta         string
	)
	if err := row.Scan(&ev.ID, &ev.UserID, &ev.TierID, &ev.Type, &ev.SessionID, &ev.Period,
		&usage, &limit, &ts, &meta); err != nil {
		return ev, err
	}
	ev.CurrentUsage, ev.Limit = cost.Micros(usage), cost.Micros(limit)
	ev.Timestamp = fromNanos(ts)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return ev, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return ev, nil
}

func (l *EventLog) ListByUser(ctx context.Context, userID string, q quota.EventQuery) ([]quota.Event, error) {
	return l.list(ctx, "user_id", userID, q)
}

func (l *EventLog) ListByTier(ctx context.Context, tierID string, q quota.EventQuery) ([]quota.Event, error) {
	return l.list(ctx, "tier_id", tierID, q)
}

func (l *EventLog) list(ctx context.Context, column, value string, q quota.EventQuery) ([]quota.Event, error) {
	q = q.Normalize()
	query := `SELECT ` + eventColumns + ` FROM quota_events WHERE ` + column + ` = ?`
	args := []any{value}
	if !q.After.IsZero() {
		query += ` AND (ts, id) > (?, ?)`
		args = append(args, toNanos(q.After), q.AfterID)
	}
	query += ` ORDER BY ts, id LIMIT ?`
	args = append(args, q.Limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "list events by %s %s", column, value)
	}
	defer func() { _ = rows.Close() }()

	var events []quota.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, wrapErr(err, "scan event")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list events by %s %s", column, value)
	}
	return orEmpty(events), nil
}
