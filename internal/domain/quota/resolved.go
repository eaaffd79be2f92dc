package quota

import "time"

// Source records which assignment produced a resolution.
type Source struct {
	AssignmentID   string         `json:"assignment_id"`
	AssignmentType AssignmentType `json:"assignment_type"`
	MatchedRole    string         `json:"matched_role,omitempty"`
}

// Resolved is the tier that applies to a principal, with a snapshot of the
// tier as it was at resolution time.
type Resolved struct {
	TierID     string    `json:"tier_id"`
	Tier       Tier      `json:"tier"`
	Source     Source    `json:"source"`
	ResolvedAt time.Time `json:"resolved_at"`
}
