package cost_test

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
)

func TestUSD(t *testing.T) {
	tests := []struct {
		in   float64
		want cost.Micros
	}{
		{0, 0},
		{9.99, 9_990_000},
		{10, 10_000_000},
		{0.000001, 1},
		{0.0000005, 1},
		{1234.5678901, 1_234_567_890},
	}
	for _, tt := range tests {
		if got := cost.USD(tt.in); got != tt.want {
			t.Errorf("USD(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMicrosJSON(t *testing.T) {
	var v struct {
		Limit cost.Micros `json:"limit"`
	}
	if err := json.Unmarshal([]byte(`{"limit": 9.99}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Limit != 9_990_000 {
		t.Fatalf("limit = %d, want 9990000", v.Limit)
	}
	if err := json.Unmarshal([]byte(`{"limit": "12.5"}`), &v); err != nil {
		t.Fatalf("unmarshal quoted: %v", err)
	}
	if v.Limit != 12_500_000 {
		t.Fatalf("limit = %d, want 12500000", v.Limit)
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"limit":12.5}` {
		t.Fatalf("marshal = %s", out)
	}

	if err := json.Unmarshal([]byte(`{"limit": "abc"}`), &v); err == nil {
		t.Fatal("expected error for non-numeric amount")
	}
}

func TestMicros_RejectsOutOfRangeAmounts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want cost.Micros
		ok   bool
	}{
		{"largest representable", "9223372036854.775807", cost.Micros(9_223_372_036_854_775_807), true},
		{"smallest representable", "-9223372036854.775808", cost.Micros(-9_223_372_036_854_775_808), true},
		{"one micro too many", "9223372036854.775808", 0, false},
		{"twenty trillion", "20000000000000", 0, false},
		{"rounds past the top", "9223372036854.7758075", 0, false},
		{"far below", "-1e20", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m cost.Micros
			err := json.Unmarshal([]byte(tt.in), &m)
			if tt.ok {
				if err != nil || m != tt.want {
					t.Fatalf("unmarshal %s = %d, %v; want %d", tt.in, m, err, tt.want)
				}
			} else if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("unmarshal %s: expected ErrValidation, got %d, %v", tt.in, m, err)
			}

			p, err := cost.ParseUSD(tt.in)
			if tt.ok {
				if err != nil || p != tt.want {
					t.Fatalf("ParseUSD(%s) = %d, %v; want %d", tt.in, p, err, tt.want)
				}
			} else if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("ParseUSD(%s): expected ErrValidation, got %d, %v", tt.in, p, err)
			}
		})
	}
}

func TestUSD_PanicsOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	_ = cost.USD(2e13)
}

func TestMicrosString(t *testing.T) {
	if got := cost.Micros(9_990_000).String(); got != "$9.99" {
		t.Fatalf("String = %q", got)
	}
}

func TestSortKey_OrderMatchesNumericOrder(t *testing.T) {
	totals := []cost.Micros{0, 1, 9, 10, 999_999, 1_000_000, 45_000_000, 9_223_372_036_854_775_807}
	keys := make([]string, len(totals))
	for i, v := range totals {
		keys[i] = cost.SortKey(v)
		if len(keys[i]) != 20 {
			t.Fatalf("SortKey(%d) has width %d", v, len(keys[i]))
		}
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("keys not lexically sorted: %v", keys)
	}
	for i, k := range keys {
		got, err := cost.ParseSortKey(k)
		if err != nil {
			t.Fatalf("ParseSortKey(%q): %v", k, err)
		}
		if got != totals[i] {
			t.Fatalf("ParseSortKey(%q) = %d, want %d", k, got, totals[i])
		}
	}
}

func TestSortKey_NegativeClampsToZero(t *testing.T) {
	if got := cost.SortKey(-5); got != "00000000000000000000" {
		t.Fatalf("SortKey(-5) = %q", got)
	}
}

func TestParseSortKey_Invalid(t *testing.T) {
	for _, k := range []string{"", "12", "0000000000000000000x"} {
		if _, err := cost.ParseSortKey(k); err == nil {
			t.Errorf("ParseSortKey(%q): expected error", k)
		}
	}
}

func TestPeriods(t *testing.T) {
	at := time.Date(2024, 3, 31, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	if got := cost.DayPeriod(at); got != "2024-04-01" {
		t.Fatalf("DayPeriod = %q, want UTC day 2024-04-01", got)
	}
	if got := cost.MonthPeriod(at); got != "2024-04" {
		t.Fatalf("MonthPeriod = %q", got)
	}
}

func TestValidatePeriod(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"2024-03", true},
		{"2024-03-15", true},
		{"2024-13", false},
		{"2024-02-30", false},
		{"march", false},
		{"", false},
	}
	for _, tt := range tests {
		err := cost.ValidatePeriod(tt.in)
		if tt.valid && err != nil {
			t.Errorf("ValidatePeriod(%q) unexpected error: %v", tt.in, err)
		}
		if !tt.valid && !errors.Is(err, domain.ErrValidation) {
			t.Errorf("ValidatePeriod(%q) = %v, want ErrValidation", tt.in, err)
		}
	}
}

func TestDelta_Validate(t *testing.T) {
	tests := []struct {
		name    string
		delta   cost.Delta
		wantErr bool
	}{
		{name: "valid", delta: cost.Delta{UserID: "u1", Period: "2024-03", Cost: 1}},
		{name: "zero cost", delta: cost.Delta{UserID: "u1", Period: "2024-03"}},
		{name: "missing user", delta: cost.Delta{Period: "2024-03", Cost: 1}, wantErr: true},
		{name: "bad period", delta: cost.Delta{UserID: "u1", Period: "03-2024", Cost: 1}, wantErr: true},
		{name: "negative cost", delta: cost.Delta{UserID: "u1", Period: "2024-03", Cost: -1}, wantErr: true},
		{name: "negative tokens", delta: cost.Delta{UserID: "u1", Period: "2024-03", Usage: cost.Usage{InputTokens: -1}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.delta.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestTopQuery_Normalize(t *testing.T) {
	q, err := cost.TopQuery{Period: "2024-03"}.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if q.Limit != cost.DefaultTopLimit {
		t.Fatalf("default limit = %d", q.Limit)
	}
	q, _ = cost.TopQuery{Period: "2024-03", Limit: 5000}.Normalize()
	if q.Limit != cost.MaxTopLimit {
		t.Fatalf("capped limit = %d", q.Limit)
	}
	if _, err := (cost.TopQuery{Period: "2024-03", MinCost: -1}).Normalize(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("negative min cost: %v", err)
	}
}

func TestUsageRecord_RollupKeys(t *testing.T) {
	rec := cost.UsageRecord{
		UserID:  "u1",
		At:      time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		Cost:    cost.USD(1),
		ModelID: "gpt-4o",
		TierID:  "pro",
	}
	keys := rec.RollupKeys()
	want := []cost.RollupKey{
		{Type: cost.RollupDaily, Period: "2024-03-15", Identifier: "2024-03-15"},
		{Type: cost.RollupMonthly, Period: "2024-03", Identifier: "2024-03"},
		{Type: cost.RollupModel, Period: "2024-03", Identifier: "gpt-4o"},
		{Type: cost.RollupTier, Period: "2024-03", Identifier: "pro"},
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key[%d] = %+v, want %+v", i, keys[i], want[i])
		}
	}

	rec.ModelID, rec.TierID = "", ""
	if got := len(rec.RollupKeys()); got != 2 {
		t.Fatalf("without model/tier got %d keys, want 2", got)
	}
}

func TestUsageRecord_Deltas(t *testing.T) {
	rec := cost.UsageRecord{UserID: "u1", At: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), Cost: 7}
	d := rec.Deltas()
	if len(d) != 2 || d[0].Period != "2024-03-15" || d[1].Period != "2024-03" {
		t.Fatalf("unexpected deltas: %+v", d)
	}
}

func TestParseRollupType(t *testing.T) {
	if _, err := cost.ParseRollupType("model"); err != nil {
		t.Fatal(err)
	}
	if _, err := cost.ParseRollupType("weekly"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("weekly: %v", err)
	}
}
