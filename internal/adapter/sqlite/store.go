package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
)

// Store implements quotastore.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store on an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// --- Tiers ---

const tierColumns = `id, name, description, monthly_cost_limit, daily_cost_limit, period_type, action_on_limit, enabled, created_at, updated_at`

func scanTier(row scannable) (quota.Tier, error) {
	var (
		t                quota.Tier
		monthly          int64
		daily            sql.NullInt64
		enabled          int
		created, updated int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &monthly, &daily,
		&t.PeriodType, &t.ActionOnLimit, &enabled, &created, &updated)
	if err != nil {
		return t, err
	}
	t.MonthlyCostLimit = cost.Micros(monthly)
	if daily.Valid {
		d := cost.Micros(daily.Int64)
		t.DailyCostLimit = &d
	}
	t.Enabled = enabled == 1
	t.CreatedAt, t.UpdatedAt = fromNanos(created), fromNanos(updated)
	return t, nil
}

func dailyArg(d *cost.Micros) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d), Valid: true}
}

func (s *Store) CreateTier(ctx context.Context, t *quota.Tier) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_tiers (`+tierColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, int64(t.MonthlyCostLimit), dailyArg(t.DailyCostLimit),
		string(t.PeriodType), string(t.ActionOnLimit), boolInt(t.Enabled), toNanos(now), toNanos(now))
	if err != nil {
		return wrapErr(err, "create tier %s", t.ID)
	}
	return nil
}

func (s *Store) GetTier(ctx context.Context, id string) (*quota.Tier, error) {
	t, err := scanTier(s.db.QueryRowContext(ctx, `SELECT `+tierColumns+` FROM quota_tiers WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr(err, "get tier %s", id)
	}
	return &t, nil
}

func (s *Store) ListTiers(ctx context.Context) ([]quota.Tier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tierColumns+` FROM quota_tiers ORDER BY created_at, id`)
	if err != nil {
		return nil, wrapErr(err, "list tiers")
	}
	defer func() { _ = rows.Close() }()

	var tiers []quota.Tier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, wrapErr(err, "scan tier")
		}
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list tiers")
	}
	return orEmpty(tiers), nil
}

func (s *Store) UpdateTier(ctx context.Context, t *quota.Tier) error {
	t.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE quota_tiers SET name = ?, description = ?, monthly_cost_limit = ?, daily_cost_limit = ?,
		        period_type = ?, action_on_limit = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		t.Name, t.Description, int64(t.MonthlyCostLimit), dailyArg(t.DailyCostLimit),
		string(t.PeriodType), string(t.ActionOnLimit), boolInt(t.Enabled), toNanos(t.UpdatedAt), t.ID)
	return execExpectOne(res, err, "update tier %s", t.ID)
}

// DeleteTier removes the tier only while no enabled assignment references
// it; the reference check and the delete are one statement.
func (s *Store) DeleteTier(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_tiers WHERE id = ?
		 AND NOT EXISTS (SELECT 1 FROM quota_assignments WHERE tier_id = ? AND enabled = 1)`, id, id)
	err = execExpectOne(res, err, "delete tier %s", id)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if _, err := s.GetTier(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("delete tier %s: referenced by an enabled assignment: %w", id, domain.ErrConflict)
}

// --- Assignments ---

const assignmentColumns = `id, seq, tier_id, assignment_type, COALESCE(user_id, ''), COALESCE(jwt_role, ''), priority, enabled, created_at, updated_at`

func scanAssignment(row scannable) (quota.Assignment, error) {
	var (
		a                quota.Assignment
		enabled          int
		created, updated int64
	)
	err := row.Scan(&a.ID, &a.Seq, &a.TierID, &a.Type, &a.UserID, &a.JWTRole,
		&a.Priority, &enabled, &created, &updated)
	if err != nil {
		return a, err
	}
	a.Enabled = enabled == 1
	a.CreatedAt, a.UpdatedAt = fromNanos(created), fromNanos(updated)
	return a, nil
}

func (s *Store) queryAssignments(ctx context.Context, op, where string, args ...any) ([]quota.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM quota_assignments WHERE `+where, args...)
	if err != nil {
		return nil, wrapErr(err, "%s", op)
	}
	defer func() { _ = rows.Close() }()

	var out []quota.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, wrapErr(err, "scan assignment")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "%s", op)
	}
	return orEmpty(out), nil
}

func (s *Store) CreateAssignment(ctx context.Context, a *quota.Assignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_assignments (id, tier_id, assignment_type, user_id, jwt_role, priority, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TierID, string(a.Type), nullIfEmpty(a.UserID), nullIfEmpty(a.JWTRole),
		a.Priority, boolInt(a.Enabled), toNanos(now), toNanos(now))
	if err != nil {
		return wrapErr(err, "create assignment %s", a.ID)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return wrapErr(err, "create assignment %s", a.ID)
	}
	a.Seq = seq
	return nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (*quota.Assignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM quota_assignments WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr(err, "get assignment %s", id)
	}
	return &a, nil
}

// GetAssignmentByUser repeats the partial index predicate so the planner can use it.
func (s *Store) GetAssignmentByUser(ctx context.Context, userID string) (*quota.Assignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM quota_assignments
		 WHERE user_id = ? AND assignment_type = 'direct_user' AND enabled = 1`, userID))
	if err != nil {
		return nil, wrapErr(err, "get assignment for user %s", userID)
	}
	return &a, nil
}

func (s *Store) GetAssignmentsByRole(ctx context.Context, role string) ([]quota.Assignment, error) {
	return s.queryAssignments(ctx, "list assignments for role "+role,
		`jwt_role = ? AND assignment_type = 'jwt_role' ORDER BY priority DESC, seq`, role)
}

func (s *Store) ListAssignmentsByType(ctx context.Context, t quota.AssignmentType) ([]quota.Assignment, error) {
	return s.queryAssignments(ctx, "list assignments of type "+string(t),
		`assignment_type = ? ORDER BY seq`, string(t))
}

func (s *Store) ListAssignmentsByTier(ctx context.Context, tierID string) ([]quota.Assignment, error) {
	return s.queryAssignments(ctx, "list assignments for tier "+tierID,
		`tier_id = ? ORDER BY seq`, tierID)
}

func (s *Store) UpdateAssignment(ctx context.Context, a *quota.Assignment) error {
	a.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE quota_assignments SET tier_id = ?, user_id = ?, jwt_role = ?, priority = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		a.TierID, nullIfEmpty(a.UserID), nullIfEmpty(a.JWTRole), a.Priority, boolInt(a.Enabled), toNanos(a.UpdatedAt), a.ID)
	return execExpectOne(res, err, "update assignment %s", a.ID)
}

func (s *Store) DeleteAssignment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quota_assignments WHERE id = ?`, id)
	return execExpectOne(res, err, "delete assignment %s", id)
}
