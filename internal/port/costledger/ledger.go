// Package costledger defines the per-user cost ledger and system rollup ports.
package costledger

import (
	"context"

	"github.com/Strob0t/costgate/internal/domain/cost"
)

// Ledger holds per-(user, period) running totals.
//
// Increment applies every delta as one atomic unit in the backing store:
// either all of them land or none does. Within a delta the totals, the
// per-model breakdown and the sort key move together. TopUsers must be
// answered from the sort-key index; implementations expose no table scan.
type Ledger interface {
	GetSummary(ctx context.Context, userID, period string) (*cost.Summary, error)
	Increment(ctx context.Context, deltas ...cost.Delta) error
	TopUsers(ctx context.Context, q cost.TopQuery) ([]cost.TopUser, error)
}

// RollupStore holds system-wide aggregates.
type RollupStore interface {
	// ApplyRollup atomically adds the record's totals to the row at key.
	ApplyRollup(ctx context.Context, key cost.RollupKey, rec cost.UsageRecord) error
	GetRollup(ctx context.Context, key cost.RollupKey) (*cost.Rollup, error)
	// ListRollups returns rollups of one type in a period, highest cost first.
	ListRollups(ctx context.Context, t cost.RollupType, period string, limit int) ([]cost.Rollup, error)
}
