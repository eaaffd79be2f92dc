package cost

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/costgate/internal/domain"
)

// Micros is an amount of US dollars expressed in millionths of a dollar.
// All stores persist Micros so that increments and limit comparisons are exact.
type Micros int64

const microsExp = 6

var (
	maxMicros = decimal.NewFromInt(math.MaxInt64)
	minMicros = decimal.NewFromInt(math.MinInt64)
)

// fromDollars rounds a dollar decimal half away from zero to Micros. Amounts
// that do not fit in an int64 of micro-dollars are a validation error.
func fromDollars(d decimal.Decimal) (Micros, error) {
	m := d.Shift(microsExp).Round(0)
	if m.GreaterThan(maxMicros) || m.LessThan(minMicros) {
		return 0, fmt.Errorf("dollar amount %s out of range: %w", d.String(), domain.ErrValidation)
	}
	return Micros(m.IntPart()), nil
}

// USD converts a dollar constant to Micros, rounding half away from zero.
// It panics when v is out of range; parse untrusted input with ParseUSD.
func USD(v float64) Micros {
	m, err := fromDollars(decimal.NewFromFloat(v))
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns m as a dollar decimal.
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -microsExp)
}

// Float64 returns m in dollars. Only use for display and telemetry.
func (m Micros) Float64() float64 {
	return m.Decimal().InexactFloat64()
}

// String formats m as a dollar amount with cents.
func (m Micros) String() string {
	return "$" + m.Decimal().StringFixed(2)
}

// MarshalJSON encodes m as a plain dollar number, e.g. 9.99.
func (m Micros) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal().String()), nil
}

// UnmarshalJSON accepts a dollar number or a quoted dollar string.
func (m *Micros) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid dollar amount %s: %w", data, err)
	}
	v, err := fromDollars(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseUSD parses a dollar string such as "12.50".
func ParseUSD(s string) (Micros, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid dollar amount %q: %w: %w", s, domain.ErrValidation, err)
	}
	return fromDollars(d)
}
