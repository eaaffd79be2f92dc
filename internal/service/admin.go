package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
	"github.com/Strob0t/costgate/internal/port/costledger"
	"github.com/Strob0t/costgate/internal/port/quotastore"
)

// AssignmentFilter selects assignments by exactly one indexed attribute.
type AssignmentFilter struct {
	Type   quota.AssignmentType
	Role   string
	UserID string
	TierID string
}

// UserQuota is the admin view of one principal.
type UserQuota struct {
	UserID   string          `json:"user_id"`
	Roles    []string        `json:"roles"`
	Resolved *quota.Resolved `json:"resolved"`
	Usage    *cost.Summary   `json:"usage,omitempty"`
}

// AdminService manages tiers and assignments. Every mutation invalidates the
// affected cached resolutions before it returns.
type AdminService struct {
	store       quotastore.Store
	invalidator CacheInvalidator
	resolver    QuotaResolver
	ledger      costledger.Ledger
	now         func() time.Time
}

// NewAdminService creates an AdminService.
func NewAdminService(store quotastore.Store, invalidator CacheInvalidator, resolver QuotaResolver, ledger costledger.Ledger) *AdminService {
	return &AdminService{
		store:       store,
		invalidator: invalidator,
		resolver:    resolver,
		ledger:      ledger,
		now:         time.Now,
	}
}

// --- Tiers ---

// CreateTier validates req and stores the new tier.
func (s *AdminService) CreateTier(ctx context.Context, req quota.CreateTierRequest) (*quota.Tier, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t := req.Tier()
	if err := s.store.CreateTier(ctx, &t); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "tier created", "tier_id", t.ID, "name", t.Name)
	return &t, nil
}

// GetTier returns one tier.
func (s *AdminService) GetTier(ctx context.Context, id string) (*quota.Tier, error) {
	return s.store.GetTier(ctx, id)
}

// ListTiers returns every tier.
func (s *AdminService) ListTiers(ctx context.Context) ([]quota.Tier, error) {
	return s.store.ListTiers(ctx)
}

// UpdateTier applies a partial update.
func (s *AdminService) UpdateTier(ctx context.Context, id string, req quota.UpdateTierRequest) (*quota.Tier, error) {
	t, err := s.store.GetTier(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.Apply(t); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTier(ctx, t); err != nil {
		return nil, err
	}
	return t, s.invalidateAll(ctx, "tier updated", "tier_id", id)
}

// DeleteTier removes a tier that no enabled assignment references.
func (s *AdminService) DeleteTier(ctx context.Context, id string) error {
	refs, err := s.store.ListAssignmentsByTier(ctx, id)
	if err != nil {
		return err
	}
	for i := range refs {
		if refs[i].Enabled {
			return fmt.Errorf("tier %s is referenced by assignment %s: %w", id, refs[i].ID, domain.ErrConflict)
		}
	}
	if err := s.store.DeleteTier(ctx, id); err != nil {
		return err
	}
	return s.invalidateAll(ctx, "tier deleted", "tier_id", id)
}

// --- Assignments ---

// CreateAssignment validates req and stores the assignment. The referenced
// tier must exist.
func (s *AdminService) CreateAssignment(ctx context.Context, req quota.CreateAssignmentRequest) (*quota.Assignment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	a := req.Assignment()
	if err := s.requireTier(ctx, a.TierID); err != nil {
		return nil, err
	}
	if err := s.store.CreateAssignment(ctx, &a); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "assignment created", "assignment_id", a.ID, "type", a.Type, "tier_id", a.TierID)
	return &a, s.invalidateFor(ctx, &a, "")
}

// GetAssignment returns one assignment.
func (s *AdminService) GetAssignment(ctx context.Context, id string) (*quota.Assignment, error) {
	return s.store.GetAssignment(ctx, id)
}

// ListAssignments returns the assignments matching f. Exactly one filter
// field must be set, so every listing is served by an index.
func (s *AdminService) ListAssignments(ctx context.Context, f AssignmentFilter) ([]quota.Assignment, error) {
	set := 0
	for _, v := range []string{string(f.Type), f.Role, f.UserID, f.TierID} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of type, role, user_id or tier_id is required: %w", domain.ErrValidation)
	}

	switch {
	case f.Type != "":
		if !f.Type.Valid() {
			return nil, fmt.Errorf("invalid assignment_type %q: %w", f.Type, domain.ErrValidation)
		}
		return s.store.ListAssignmentsByType(ctx, f.Type)
	case f.Role != "":
		return s.store.GetAssignmentsByRole(ctx, f.Role)
	case f.TierID != "":
		return s.store.ListAssignmentsByTier(ctx, f.TierID)
	default:
		a, err := s.store.GetAssignmentByUser(ctx, f.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			return []quota.Assignment{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []quota.Assignment{*a}, nil
	}
}

// UpdateAssignment applies a partial update. The assignment type is fixed.
func (s *AdminService) UpdateAssignment(ctx context.Context, id string, req quota.UpdateAssignmentRequest) (*quota.Assignment, error) {
	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	prevUser := a.UserID
	prevTier, prevEnabled := a.TierID, a.Enabled
	if err := req.Apply(a); err != nil {
		return nil, err
	}
	if a.Enabled && (a.TierID != prevTier || !prevEnabled) {
		if err := s.requireTier(ctx, a.TierID); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateAssignment(ctx, a); err != nil {
		return nil, err
	}
	return a, s.invalidateFor(ctx, a, prevUser)
}

// DeleteAssignment removes an assignment.
func (s *AdminService) DeleteAssignment(ctx context.Context, id string) error {
	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAssignment(ctx, id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "assignment deleted", "assignment_id", id, "type", a.Type)
	return s.invalidateFor(ctx, a, "")
}

// InspectUser resolves userID's tier and reads its usage in the tier's
// current period, or the current month when no tier applies.
func (s *AdminService) InspectUser(ctx context.Context, userID string, roles []string) (*UserQuota, error) {
	res, err := s.resolver.Resolve(ctx, userID, roles)
	if err != nil {
		return nil, err
	}
	period := cost.MonthPeriod(s.now())
	if res != nil {
		period = res.Tier.PeriodType.Current(s.now())
	}
	usage, err := s.ledger.GetSummary(ctx, userID, period)
	if err != nil {
		return nil, fmt.Errorf("usage for %s: %w", userID, err)
	}
	return &UserQuota{UserID: userID, Roles: normalizeRoles(roles), Resolved: res, Usage: usage}, nil
}

func (s *AdminService) requireTier(ctx context.Context, tierID string) error {
	_, err := s.store.GetTier(ctx, tierID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("tier %s does not exist: %w", tierID, domain.ErrConflict)
	}
	return err
}

// invalidateFor drops the cache entries a change to a can affect. prevUser is
// the user a direct assignment pointed at before an update.
func (s *AdminService) invalidateFor(ctx context.Context, a *quota.Assignment, prevUser string) error {
	if a.Type != quota.AssignDirectUser {
		return s.invalidateAll(ctx, "assignment changed", "assignment_id", a.ID)
	}
	var errs []error
	if prevUser != "" && prevUser != a.UserID {
		errs = append(errs, s.invalidator.Invalidate(ctx, prevUser))
	}
	errs = append(errs, s.invalidator.Invalidate(ctx, a.UserID))
	if err := errors.Join(errs...); err != nil {
		slog.ErrorContext(ctx, "quota cache invalidation failed", "assignment_id", a.ID, "user_id", a.UserID, "error", err)
		return fmt.Errorf("invalidate cache: %w", err)
	}
	return nil
}

func (s *AdminService) invalidateAll(ctx context.Context, reason string, args ...any) error {
	if err := s.invalidator.InvalidateAll(ctx); err != nil {
		slog.ErrorContext(ctx, "quota cache invalidation failed", append([]any{"reason", reason, "error", err}, args...)...)
		return fmt.Errorf("invalidate cache: %w", err)
	}
	return nil
}
