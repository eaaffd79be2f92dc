package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
)

// EventLog implements eventlog.Log using PostgreSQL (append-only).
type EventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog creates a new EventLog backed by the given connection pool.
func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// Record appends ev. A time-ordered ID and the timestamp are filled in when empty.
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
	meta := []byte("{}")
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		meta = b
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO quota_events (id, user_id, tier_id, event_type, session_id, period, current_usage, cost_limit, ts, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.UserID, ev.TierID, string(ev.Type), ev.SessionID, ev.Period,
		int64(ev.CurrentUsage), int64(ev.Limit), ev.Timestamp, meta)
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
		meta         []byte
	)
	if err := row.Scan(&ev.ID, &ev.UserID, &ev.TierID, &ev.Type, &ev.SessionID, &ev.Period,
		&usage, &limit, &ev.Timestamp, &meta); err != nil {
		return ev, err
	}
	ev.CurrentUsage, ev.Limit = cost.Micros(usage), cost.Micros(limit)
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
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

// list pages on the (column, ts, id) index. column is one of two constants.
func (l *EventLog) list(ctx context.Context, column, value string, q quota.EventQuery) ([]quota.Event, error) {
	q = q.Normalize()
	query := `SELECT ` + eventColumns + ` FROM quota_events WHERE ` + column + ` = $1`
	args := []any{value}
	if !q.After.IsZero() {
		query += ` AND (ts, id) > ($2, $3)`
		args = append(args, q.After, q.AfterID)
	}
	query += fmt.Sprintf(` ORDER BY ts, id LIMIT %d`, q.Limit)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "list events by %s %s", column, value)
	}
	defer rows.Close()

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
