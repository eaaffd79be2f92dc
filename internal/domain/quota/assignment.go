package quota

import (
	"fmt"
	"time"

	"github.com/Strob0t/costgate/internal/domain"
)

// AssignmentType is the binding class of an assignment. Resolution precedence
// is direct_user, then jwt_role, then default_tier.
type AssignmentType string

const (
	AssignDirectUser  AssignmentType = "direct_user"
	AssignJWTRole     AssignmentType = "jwt_role"
	AssignDefaultTier AssignmentType = "default_tier"
)

// Valid reports whether t is a known assignment type.
func (t AssignmentType) Valid() bool {
	switch t {
	case AssignDirectUser, AssignJWTRole, AssignDefaultTier:
		return true
	}
	return false
}

// DefaultPriority is the priority an assignment of this type gets when none is given.
func (t AssignmentType) DefaultPriority() int {
	switch t {
	case AssignDirectUser:
		return 300
	case AssignJWTRole:
		return 200
	default:
		return 100
	}
}

// Priority bounds.
const (
	MinPriority = 0
	MaxPriority = 1000
)

// Assignment binds a tier to a user, a role, or the whole system.
type Assignment struct {
	ID        string         `json:"id"`
	TierID    string         `json:"tier_id"`
	Type      AssignmentType `json:"assignment_type"`
	UserID    string         `json:"user_id,omitempty"`
	JWTRole   string         `json:"jwt_role,omitempty"`
	Priority  int            `json:"priority"`
	Enabled   bool           `json:"enabled"`
	Seq       int64          `json:"seq"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Validate enforces the shape rules tied to the assignment type.
func (a *Assignment) Validate() error {
	if a.TierID == "" {
		return fmt.Errorf("tier_id is required: %w", domain.ErrValidation)
	}
	if a.Priority < MinPriority || a.Priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d: %w", MinPriority, MaxPriority, domain.ErrValidation)
	}
	switch a.Type {
	case AssignDirectUser:
		if a.UserID == "" {
			return fmt.Errorf("direct_user assignment requires user_id: %w", domain.ErrValidation)
		}
		if a.JWTRole != "" {
			return fmt.Errorf("direct_user assignment must not set jwt_role: %w", domain.ErrValidation)
		}
	case AssignJWTRole:
		if a.JWTRole == "" {
			return fmt.Errorf("jwt_role assignment requires jwt_role: %w", domain.ErrValidation)
		}
		if a.UserID != "" {
			return fmt.Errorf("jwt_role assignment must not set user_id: %w", domain.ErrValidation)
		}
	case AssignDefaultTier:
		if a.UserID != "" || a.JWTRole != "" {
			return fmt.Errorf("default_tier assignment must not set user_id or jwt_role: %w", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("invalid assignment_type %q: %w", a.Type, domain.ErrValidation)
	}
	return nil
}

// CreateAssignmentRequest is the payload for creating an assignment.
type CreateAssignmentRequest struct {
	TierID   string         `json:"tier_id" validate:"required,max=64"`
	Type     AssignmentType `json:"assignment_type" validate:"required,oneof=direct_user jwt_role default_tier"`
	UserID   string         `json:"user_id" validate:"max=256"`
	JWTRole  string         `json:"jwt_role" validate:"max=256"`
	Priority *int           `json:"priority" validate:"omitempty,gte=0,lte=1000"`
	Enabled  *bool          `json:"enabled"`
}

// Validate checks the request and returns a wrapped ErrValidation on failure.
func (r *CreateAssignmentRequest) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	a := r.Assignment()
	return a.Validate()
}

// Assignment builds the assignment the request describes, applying defaults.
func (r *CreateAssignmentRequest) Assignment() Assignment {
	a := Assignment{
		TierID:   r.TierID,
		Type:     r.Type,
		UserID:   r.UserID,
		JWTRole:  r.JWTRole,
		Priority: r.Type.DefaultPriority(),
		Enabled:  true,
	}
	if r.Priority != nil && *r.Priority != 0 {
		a.Priority = *r.Priority
	}
	if r.Enabled != nil {
		a.Enabled = *r.Enabled
	}
	return a
}

// UpdateAssignmentRequest is a partial update. The assignment type is fixed
// at creation and cannot be changed.
type UpdateAssignmentRequest struct {
	TierID   *string `json:"tier_id" validate:"omitempty,min=1,max=64"`
	UserID   *string `json:"user_id" validate:"omitempty,max=256"`
	JWTRole  *string `json:"jwt_role" validate:"omitempty,max=256"`
	Priority *int    `json:"priority" validate:"omitempty,gte=0,lte=1000"`
	Enabled  *bool   `json:"enabled"`
}

// Apply merges the request into a and validates the result.
func (r *UpdateAssignmentRequest) Apply(a *Assignment) error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.TierID != nil {
		a.TierID = *r.TierID
	}
	if r.UserID != nil {
		a.UserID = *r.UserID
	}
	if r.JWTRole != nil {
		a.JWTRole = *r.JWTRole
	}
	if r.Priority != nil {
		a.Priority = *r.Priority
		if a.Priority == 0 {
			a.Priority = a.Type.DefaultPriority()
		}
	}
	if r.Enabled != nil {
		a.Enabled = *r.Enabled
	}
	return a.Validate()
}

// RoleOrder reports whether jwt_role assignment a wins over b: higher
// priority first, then earlier creation, then lower id.
func RoleOrder(a, b *Assignment) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}
