package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/costgate/internal/domain/cost"
)

// Ledger implements costledger.Ledger and costledger.RollupStore using PostgreSQL.
type Ledger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewLedger creates a new Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// incrementSQL upserts the summary and the model row in one statement. The
// sort key is recomputed from the post-increment total inside the upsert.
// The model CTE inserts nothing when $7 is empty.
const incrementSQL = `
WITH summary AS (
    INSERT INTO cost_summaries AS s (user_id, period, total_cost, total_requests, input_tokens, output_tokens, sort_key, last_updated)
    VALUES ($1, $2, $3, 1, $4, $5, $6, $8)
    ON CONFLICT (user_id, period) DO UPDATE SET
        total_cost     = s.total_cost + EXCLUDED.total_cost,
        total_requests = s.total_requests + 1,
        input_tokens   = s.input_tokens + EXCLUDED.input_tokens,
        output_tokens  = s.output_tokens + EXCLUDED.output_tokens,
        sort_key       = lpad((s.total_cost + EXCLUDED.total_cost)::text, 20, '0'),
        last_updated   = EXCLUDED.last_updated
    RETURNING 1
), model AS (
    INSERT INTO cost_model_usage AS m (user_id, period, model_id, cost, requests, input_tokens, output_tokens)
    SELECT $1, $2, $7::text, $3, 1, $4, $5 WHERE $7::text <> ''
    ON CONFLICT (user_id, period, model_id) DO UPDATE SET
        cost          = m.cost + EXCLUDED.cost,
        requests      = m.requests + 1,
        input_tokens  = m.input_tokens + EXCLUDED.input_tokens,
        output_tokens = m.output_tokens + EXCLUDED.output_tokens
    RETURNING 1
)
SELECT (SELECT count(*) FROM summary), (SELECT count(*) FROM model)`

// Increment adds the deltas atomically. A single delta is one statement;
// several share a transaction.
func (l *Ledger) Increment(ctx context.Context, deltas ...cost.Delta) error {
	for _, d := range deltas {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	switch len(deltas) {
	case 0:
		return nil
	case 1:
		return l.increment(ctx, l.pool, deltas[0])
	}
	var opErr error
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		for _, d := range deltas {
			if opErr = l.increment(ctx, tx, d); opErr != nil {
				return opErr
			}
		}
		return nil
	})
	switch {
	case opErr != nil:
		return opErr
	case err != nil:
		return wrapErr(err, "increment cost %s", deltas[0].UserID)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (l *Ledger) increment(ctx context.Context, q querier, d cost.Delta) error {
	var nSummary, nModel int64
	err := q.QueryRow(ctx, incrementSQL,
		d.UserID, d.Period, int64(d.Cost), d.Usage.InputTokens, d.Usage.OutputTokens,
		cost.SortKey(d.Cost), d.ModelID, l.now(),
	).Scan(&nSummary, &nModel)
	if err != nil {
		return wrapErr(err, "increment cost %s/%s", d.UserID, d.Period)
	}
	return nil
}

func (l *Ledger) GetSummary(ctx context.Context, userID, period string) (*cost.Summary, error) {
	if err := cost.ValidatePeriod(period); err != nil {
		return nil, err
	}
	s := cost.EmptySummary(userID, period)
	var total int64
	err := l.pool.QueryRow(ctx,
		`SELECT total_cost, total_requests, input_tokens, output_tokens, sort_key, last_updated
		 FROM cost_summaries WHERE user_id = $1 AND period = $2`, userID, period,
	).Scan(&total, &s.TotalRequests, &s.InputTokens, &s.OutputTokens, &s.SortKey, &s.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return nil, wrapErr(err, "get summary %s/%s", userID, period)
	}
	s.TotalCost = cost.Micros(total)

	rows, err := l.pool.Query(ctx,
		`SELECT model_id, cost, requests, input_tokens, output_tokens
		 FROM cost_model_usage WHERE user_id = $1 AND period = $2 ORDER BY model_id`, userID, period)
	if err != nil {
		return nil, wrapErr(err, "get model usage %s/%s", userID, period)
	}
	defer rows.Close()
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

// TopUsers is a single range scan of idx_cost_summaries_top.
func (l *Ledger) TopUsers(ctx context.Context, q cost.TopQuery) ([]cost.TopUser, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	rows, err := l.pool.Query(ctx,
		`SELECT user_id, total_cost, total_requests, last_updated
		 FROM cost_summaries
		 WHERE period = $1 AND sort_key >= $2
		 ORDER BY sort_key DESC
		 LIMIT $3`, q.Period, cost.SortKey(q.MinCost), q.Limit)
	if err != nil {
		return nil, wrapErr(err, "top users %s", q.Period)
	}
	defer rows.Close()

	var out []cost.TopUser
	for rows.Next() {
		var (
			u     cost.TopUser
			total int64
		)
		if err := rows.Scan(&u.UserID, &total, &u.TotalRequests, &u.LastUpdated); err != nil {
			return nil, wrapErr(err, "scan top user")
		}
		u.TotalCost = cost.Micros(total)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "top users %s", q.Period)
	}
	return orEmpty(out), nil
}

// --- Rollups ---

func (l *Ledger) ApplyRollup(ctx context.Context, key cost.RollupKey, rec cost.UsageRecord) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO cost_rollups AS r (rollup_type, period, identifier, total_cost, total_requests, input_tokens, output_tokens, last_updated)
		 VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
		 ON CONFLICT (rollup_type, period, identifier) DO UPDATE SET
		     total_cost     = r.total_cost + EXCLUDED.total_cost,
		     total_requests = r.total_requests + 1,
		     input_tokens   = r.input_tokens + EXCLUDED.input_tokens,
		     output_tokens  = r.output_tokens + EXCLUDED.output_tokens,
		     last_updated   = EXCLUDED.last_updated`,
		string(key.Type), key.Period, key.Identifier, int64(rec.Cost),
		rec.Usage.InputTokens, rec.Usage.OutputTokens, l.now())
	if err != nil {
		return wrapErr(err, "apply rollup %s/%s/%s", key.Type, key.Period, key.Identifier)
	}
	return nil
}

const rollupColumns = `rollup_type, period, identifier, total_cost, total_requests, input_tokens, output_tokens, last_updated`

func scanRollup(row scannable) (cost.Rollup, error) {
	var (
		r     cost.Rollup
		total int64
	)
	err := row.Scan(&r.Type, &r.Period, &r.Identifier, &total, &r.TotalRequests, &r.InputTokens, &r.OutputTokens, &r.LastUpdated)
	r.TotalCost = cost.Micros(total)
	return r, err
}

func (l *Ledger) GetRollup(ctx context.Context, key cost.RollupKey) (*cost.Rollup, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+rollupColumns+` FROM cost_rollups WHERE rollup_type = $1 AND period = $2 AND identifier = $3`,
		string(key.Type), key.Period, key.Identifier)
	r, err := scanRollup(row)
	if err != nil {
		return nil, wrapErr(err, "get rollup %s/%s/%s", key.Type, key.Period, key.Identifier)
	}
	return &r, nil
}

func (l *Ledger) ListRollups(ctx context.Context, t cost.RollupType, period string, limit int) ([]cost.Rollup, error) {
	limit = clampLimit(limit)
	rows, err := l.pool.Query(ctx,
		`SELECT `+rollupColumns+` FROM cost_rollups
		 WHERE rollup_type = $1 AND period = $2
		 ORDER BY total_cost DESC, identifier
		 LIMIT $3`, string(t), period, limit)
	if err != nil {
		return nil, wrapErr(err, "list rollups %s/%s", t, period)
	}
	defer rows.Close()

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
