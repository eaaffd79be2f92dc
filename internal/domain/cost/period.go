package cost

import (
	"fmt"
	"time"

	"github.com/Strob0t/costgate/internal/domain"
)

// Period layouts. Periods are always derived in UTC.
const (
	DayLayout   = "2006-01-02"
	MonthLayout = "2006-01"
)

// DayPeriod returns the daily period string containing t.
func DayPeriod(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// MonthPeriod returns the monthly period string containing t.
func MonthPeriod(t time.Time) string {
	return t.UTC().Format(MonthLayout)
}

// ValidatePeriod checks that p is a well-formed day or month period.
func ValidatePeriod(p string) error {
	switch len(p) {
	case len(DayLayout):
		if _, err := time.Parse(DayLayout, p); err == nil {
			return nil
		}
	case len(MonthLayout):
		if _, err := time.Parse(MonthLayout, p); err == nil {
			return nil
		}
	}
	return fmt.Errorf("invalid period %q (want YYYY-MM or YYYY-MM-DD): %w", p, domain.ErrValidation)
}
