package sqlite

import (
	"context"
	"fmt"

	"github.com/Strob0t/costgate/internal/domain/cost"
)

// ExplainTopUsers returns the query plan detail lines for the top-N query.
func (l *Ledger) ExplainTopUsers(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `EXPLAIN QUERY PLAN `+topUsersSQL, "2026-01", cost.SortKey(0), cost.DefaultTopLimit)
	if err != nil {
		return nil, fmt.Errorf("explain top users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var details []string
	for rows.Next() {
		var (
			id, parent, notused int
			detail              string
		)
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		details = append(details, detail)
	}
	return details, rows.Err()
}
