// Package quotastore defines the persistence port for quota tiers and assignments.
package quotastore

import (
	"context"

	"github.com/Strob0t/costgate/internal/domain/quota"
)

// TierStore persists quota tiers.
type TierStore interface {
	CreateTier(ctx context.Context, t *quota.Tier) error
	GetTier(ctx context.Context, id string) (*quota.Tier, error)
	ListTiers(ctx context.Context) ([]quota.Tier, error)
	UpdateTier(ctx context.Context, t *quota.Tier) error
	// DeleteTier fails with ErrConflict while an enabled assignment
	// references the tier. The check and the delete are atomic.
	DeleteTier(ctx context.Context, id string) error
}

// AssignmentStore persists tier assignments. Every lookup is served by an
// index; there is no unfiltered listing.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a *quota.Assignment) error
	GetAssignment(ctx context.Context, id string) (*quota.Assignment, error)
	// GetAssignmentByUser returns the enabled direct_user assignment for userID.
	GetAssignmentByUser(ctx context.Context, userID string) (*quota.Assignment, error)
	// GetAssignmentsByRole returns all jwt_role assignments for role, enabled or not.
	GetAssignmentsByRole(ctx context.Context, role string) ([]quota.Assignment, error)
	ListAssignmentsByType(ctx context.Context, t quota.AssignmentType) ([]quota.Assignment, error)
	ListAssignmentsByTier(ctx context.Context, tierID string) ([]quota.Assignment, error)
	UpdateAssignment(ctx context.Context, a *quota.Assignment) error
	DeleteAssignment(ctx context.Context, id string) error
}

// Store combines tier and assignment persistence.
type Store interface {
	TierStore
	AssignmentStore
}
