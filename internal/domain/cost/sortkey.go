package cost

import (
	"fmt"
	"strconv"
)

// sortKeyWidth fits any non-negative int64.
const sortKeyWidth = 20

// SortKey encodes a running total as a fixed-width, zero-padded decimal so
// that lexical order of keys equals numeric order of totals.
func SortKey(total Micros) string {
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%0*d", sortKeyWidth, int64(total))
}

// ParseSortKey decodes a key produced by SortKey.
func ParseSortKey(key string) (Micros, error) {
	if len(key) != sortKeyWidth {
		return 0, fmt.Errorf("sort key %q: want %d digits", key, sortKeyWidth)
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sort key %q: %w", key, err)
	}
	return Micros(n), nil
}
