package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Strob0t/costgate/internal/domain/cost"
)

// Ledger implements costledger.Ledger and costledger.RollupStore on SQLite.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger creates a Ledger on an opened, migrated database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const upsertSummarySQL = `
INSERT INTO cost_summaries (user_id, period, total_cost, total_requests, input_tokens, output_tokens, sort_key, last_updated)
VALUES (?, ?, ?, 1, ?, ?, ?, ?)
ON CONFLICT (user_id, period) DO UPDATE SET
    total_cost     = total_cost + excluded.total_cost,
    total_requests = total_requests + 1,
    input_tokens   = input_tokens + excluded.input_tokens,
    output_tokens  = output_tokens + excluded.output_tokens,
    sort_key       = printf('%020d', total_cost + excluded.total_cost),
    last_updated   = excluded.last_updated`

const upsertModelSQL = `
INSERT INTO cost_model_usage (user_id, period, model_id, cost, requests, input_tokens, output_tokens)
VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT (user_id, period, model_id) DO UPDATE SET
    cost          = cost + excluded.cost,
    requests      = requests + 1,
    input_tokens  = input_tokens + excluded.input_tokens,
    output_tokens = output_tokens + excluded.output_tokens`

// Increment applies all deltas in one transaction. Each summary upsert
// recomputes sort_key from the post-increment total.
func (l *Ledger) Increment(ctx context.Context, deltas ...cost.Delta) (err error) {
	for _, d := range deltas {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	if len(deltas) == 0 {
		return nil
	}
	first := deltas[0]
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err, "begin increment %s/%s", first.UserID, first.Period)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	updated := toNanos(l.now())
	for _, d := range deltas {
		if _, err = tx.ExecContext(ctx, upsertSummarySQL,
			d.UserID, d.Period, int64(d.Cost), d.Usage.InputTokens, d.Usage.OutputTokens,
			cost.SortKey(d.Cost), updated); err != nil {
			return wrapErr(err, "increment cost %s/%s", d.UserID, d.Period)
		}
		if d.ModelID == "" {
			continue
		}
		if _, err = tx.ExecContext(ctx, upsertModelSQL,
			d.UserID, d.Period, d.ModelID, int64(d.Cost), d.Usage.InputTokens, d.Usage.OutputTokens); err != nil {
			return wrapErr(err, "increment model cost %s/%s/%s", d.UserID, d.Period, d.ModelID)
		}
	}
	if err = tx.Commit(); err != nil {
		return wrapErr(err, "commit increment %s/%s", first.UserID, first.Period)
	}
	return nil
}

func (l *Ledger) GetSummary(ctx context.Context, userID, period string) (*cost.Summary, error) {
	if err := cost.ValidatePeriod(period); err != nil {
		return nil, err
	}
	s := cost.EmptySummary(userID, period)
	var total, updated int64
	err := l.db.QueryRowContext(ctx,
		`SELECT total_cost, total_requests, input_tokens, output_tokens, sort_key, last_updated
		 FROM cost_summaries WHERE user_id = ? AND period = ?`, userID, period,
	).Scan(&total, &s.TotalRequests, &s.InputTokens, &s.OutputTokens, &s.SortKey, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return nil, wrapErr(err, "get summary %s/%s", userID, period)
	}
	s.TotalCost = cost.Micros(total)
	s.LastUpdated = fromNanos(updated)

	rows, err := l.db.QueryContext(ctx,
		`SELECT model_id, cost, requests, input_tokens, output_tokens
		 FROM cost_model_usage WHERE user_id = ? AND period = ? ORDER BY model_id`, userID, period)
	if err != nil {
		return nil, wrapErr(err, "get model usage %s/%s", userID, period)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			m     cost.ModelUsage
			mcost int64
		)
		if err := rows.Scan(&m.ModelID, &mcost, &m.Requests, &m.InputTokens, &m.OutputTokens); err != nil {
			return nil, wrapErr(err, "scan model usage")
		}
		m.Cost = cost.Micros(mcost)
		s.Models = append(s.Models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "get model usage %s/%s", userID, period)
	}
	return s, nil
}

// topUsersSQL is answered by a range search on idx_cost_summaries_top.
const topUsersSQL = `SELECT user_id, total_cost, total_requests, last_updated
FROM cost_summaries
WHERE period = ? AND sort_key >= ?
ORDER BY sort_key DESC
LIMIT ?`

func (l *Ledger) TopUsers(ctx context.Context, q cost.TopQuery) ([]cost.TopUser, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, topUsersSQL, q.Period, cost.SortKey(q.MinCost), q.Limit)
	if err != nil {
		return nil, wrapErr(err, "top users %s", q.Period)
	}
	defer func() { _ = rows.Close() }()

	var out []cost.TopUser
	for rows.Next() {
		var (
			u              cost.TopUser
			total, updated int64
		)
		if err := rows.Scan(&u.UserID, &total, &u.TotalRequests, &updated); err != nil {
			return nil, wrapErr(err, "scan top user")
		}
		u.TotalCost = cost.Micros(total)
		u.LastUpdated = fromNanos(updated)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "top users %s", q.Period)
	}
	return orEmpty(out), nil
}

// --- Rollups ---

func (l *Ledger) ApplyRollup(ctx context.Context, key cost.RollupKey, rec cost.UsageRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO cost_rollups (rollup_type, period, identifier, total_cost, total_requests, input_tokens, output_tokens, last_updated)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT (rollup_type, period, identifier) DO UPDATE SET
		     total_cost     = total_cost + excluded.total_cost,
		     total_requests = total_requests + 1,
		     input_tokens   = input_tokens + excluded.input_tokens,
		     output_tokens  = output_tokens + excluded.output_tokens,
		     last_updated   = excluded.last_updated`,
		string(key.Type), key.Period, key.Identifier, int64(rec.Cost),
		rec.Usage.InputTokens, rec.Usage.OutputTokens, toNanos(l.now()))
	if err != nil {
		return wrapErr(err, "apply rollup %s/%s/%s", key.Type, key.Period, key.Identifier)
	}
	return nil
}

const rollupColumns = `rollup_type, period, identifier, total_cost, total_requests, input_tokens, output_tokens, last_updated`

func scanRollup(row scannable) (cost.Rollup, error) {
	var (
		r              cost.Rollup
		total, updated int64
	)
	err := row.Scan(&r.Type, &r.Period, &r.Identifier, &total, &r.TotalRequests, &r.InputTokens, &r.OutputTokens, &updated)
	r.TotalCost = cost.Micros(total)
	r.LastUpdated = fromNanos(updated)
	return r, err
}

func (l *Ledger) GetRollup(ctx context.Context, key cost.RollupKey) (*cost.Rollup, error) {
	r, err := scanRollup(l.db.QueryRowContext(ctx,
		`SELECT `+rollupColumns+` FROM cost_rollups WHERE rollup_type = ? AND period = ? AND identifier = ?`,
		string(key.Type), key.Period, key.Identifier))
	if err != nil {
		return nil, wrapErr(err, "get rollup %s/%s/%s", key.Type, key.Period, key.Identifier)
	}
	return &r, nil
}

func (l *Ledger) ListRollups(ctx context.Context, t cost.RollupType, period string, limit int) ([]cost.Rollup, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+rollupColumns+` FROM cost_rollups
		 WHERE rollup_type = ? AND period = ?
		 ORDER BY total_cost DESC, identifier
		 LIMIT ?`, string(t), period, clampLimit(limit))
	if err != nil {
		return nil, wrapErr(err, "list rollups %s/%s", t, period)
	}
	defer func() { _ = rows.Close() }()

	var out []cost.Rollup
	for rows.Next() {
		r, err := scanRollup(rows)
		if err != nil {
			return nil, wrapErr(err, "scan rollup")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list rollups %s/%s", t, period)
	}
	return orEmpty(out), nil
}
