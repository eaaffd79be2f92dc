package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
)

// Store implements quotastore.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// --- Tiers ---

const tierColumns = `id, name, description, monthly_cost_limit, daily_cost_limit, period_type, action_on_limit, enabled, created_at, updated_at`

func scanTier(row scannable) (quota.Tier, error) {
	var (
		t       quota.Tier
		monthly int64
		daily   *int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &monthly, &daily,
		&t.PeriodType, &t.ActionOnLimit, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.MonthlyCostLimit = cost.Micros(monthly)
	if daily != nil {
		d := cost.Micros(*daily)
		t.DailyCostLimit = &d
	}
	return t, nil
}

func dailyArg(d *cost.Micros) *int64 {
	if d == nil {
		return nil
	}
	v := int64(*d)
	return &v
}

// CreateTier inserts t, generating an ID when none is set. Timestamps are
// written back to t.
func (s *Store) CreateTier(ctx context.Context, t *quota.Tier) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_tiers (`+tierColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Name, t.Description, int64(t.MonthlyCostLimit), dailyArg(t.DailyCostLimit),
		string(t.PeriodType), string(t.ActionOnLimit), t.Enabled, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return wrapErr(err, "create tier %s", t.ID)
	}
	return nil
}

func (s *Store) GetTier(ctx context.Context, id string) (*quota.Tier, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tierColumns+` FROM quota_tiers WHERE id = $1`, id)
	t, err := scanTier(row)
	if err != nil {
		return nil, wrapErr(err, "get tier %s", id)
	}
	return &t, nil
}

func (s *Store) ListTiers(ctx context.Context) ([]quota.Tier, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tierColumns+` FROM quota_tiers ORDER BY created_at, id`)
	if err != nil {
		return nil, wrapErr(err, "list tiers")
	}
	defer rows.Close()

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
	tag, err := s.pool.Exec(ctx,
		`UPDATE quota_tiers SET name = $2, description = $3, monthly_cost_limit = $4, daily_cost_limit = $5,
		        period_type = $6, action_on_limit = $7, enabled = $8, updated_at = $9
		 WHERE id = $1`,
		t.ID, t.Name, t.Description, int64(t.MonthlyCostLimit), dailyArg(t.DailyCostLimit),
		string(t.PeriodType), string(t.ActionOnLimit), t.Enabled, t.UpdatedAt)
	return execExpectOne(tag, err, "update tier %s", t.ID)
}

// DeleteTier removes the tier only while no enabled assignment references
// it; the reference check and the delete are one statement.
func (s *Store) DeleteTier(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM quota_tiers WHERE id = $1
		 AND NOT EXISTS (SELECT 1 FROM quota_assignments WHERE tier_id = $1 AND enabled)`, id)
	err = execExpectOne(tag, err, "delete tier %s", id)
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
	var a quota.Assignment
	err := row.Scan(&a.ID, &a.Seq, &a.TierID, &a.Type, &a.UserID, &a.JWTRole,
		&a.Priority, &a.Enabled, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *Store) queryAssignments(ctx context.Context, op, where string, args ...any) ([]quota.Assignment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM quota_assignments WHERE `+where, args...)
	if err != nil {
		return nil, wrapErr(err, "%s", op)
	}
	defer rows.Close()

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

// CreateAssignment inserts a. The partial unique indexes reject a second
// enabled binding for the same user, role, or the default slot.
func (s *Store) CreateAssignment(ctx context.Context, a *quota.Assignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	row := s.pool.QueryRow(ctx,
		`INSERT INTO quota_assignments (id, tier_id, assignment_type, user_id, jwt_role, priority, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING seq`,
		a.ID, a.TierID, string(a.Type), nullIfEmpty(a.UserID), nullIfEmpty(a.JWTRole),
		a.Priority, a.Enabled, a.CreatedAt, a.UpdatedAt)
	if err := row.Scan(&a.Seq); err != nil {
		return wrapErr(err, "create assignment %s", a.ID)
	}
	return nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (*quota.Assignment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM quota_assignments WHERE id = $1`, id)
	a, err := scanAssignment(row)
	if err != nil {
		return nil, wrapErr(err, "get assignment %s", id)
	}
	return &a, nil
}

func (s *Store) GetAssignmentByUser(ctx context.Context, userID string) (*quota.Assignment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM quota_assignments
		 WHERE user_id = $1 AND assignment_type = 'direct_user' AND enabled`, userID)
	a, err := scanAssignment(row)
	if err != nil {
		return nil, wrapErr(err, "get assignment for user %s", userID)
	}
	return &a, nil
}

func (s *Store) GetAssignmentsByRole(ctx context.Context, role string) ([]quota.Assignment, error) {
	return s.queryAssignments(ctx, "list assignments for role "+role,
		`jwt_role = $1 AND assignment_type = 'jwt_role' ORDER BY priority DESC, seq`, role)
}

func (s *Store) ListAssignmentsByType(ctx context.Context, t quota.AssignmentType) ([]quota.Assignment, error) {
	return s.queryAssignments(ctx, "list assignments of type "+string(t),
		`assignment_type = $1 ORDER BY seq`, string(t))
}

func (s *Store) ListAssignmentsByTier(ctx context.Context, tierID string) ([]quota.Assignment, error) {
	return s.queryAssignments(ctx, "list assignments for tier "+tierID,
		`tier_id = $1 ORDER BY seq`, tierID)
}

func (s *Store) UpdateAssignment(ctx context.Context, a *quota.Assignment) error {
	a.UpdatedAt = s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE quota_assignments SET tier_id = $2, user_id = $3, jwt_role = $4, priority = $5, enabled = $6, updated_at = $7
		 WHERE id = $1`,
		a.ID, a.TierID, nullIfEmpty(a.UserID), nullIfEmpty(a.JWTRole), a.Priority, a.Enabled, a.UpdatedAt)
	return execExpectOne(tag, err, "update assignment %s", a.ID)
}

func (s *Store) DeleteAssignment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quota_assignments WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete assignment %s", id)
}
