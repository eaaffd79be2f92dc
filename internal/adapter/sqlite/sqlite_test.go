package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/costgate/internal/adapter/sqlite"
	"github.com/Strob0t/costgate/internal/config"
	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, config.SQLite{
		Path:        filepath.Join(t.TempDir(), "costgate.db"),
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.RunMigrations(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrations_UpDownVersion(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	v, err := sqlite.MigrationVersion(ctx, db)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
	if err := sqlite.RollbackMigrations(ctx, db, 1); err != nil {
		t.Fatalf("RollbackMigrations: %v", err)
	}
	if v, _ := sqlite.MigrationVersion(ctx, db); v != 0 {
		t.Fatalf("version after rollback = %d, want 0", v)
	}
}

func TestStore_TierCRUD(t *testing.T) {
	store := sqlite.NewStore(openDB(t))
	ctx := context.Background()

	daily := cost.USD(2.5)
	tier := &quota.Tier{
		ID: "pro", Name: "Pro", MonthlyCostLimit: cost.USD(50), DailyCostLimit: &daily,
		PeriodType: quota.PeriodDaily, ActionOnLimit: quota.ActionWarn, Enabled: true,
	}
	if err := store.CreateTier(ctx, tier); err != nil {
		t.Fatalf("CreateTier: %v", err)
	}
	if tier.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}

	dup := *tier
	if err := store.CreateTier(ctx, &dup); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate id: expected ErrConflict, got %v", err)
	}

	got, err := store.GetTier(ctx, "pro")
	if err != nil {
		t.Fatalf("GetTier: %v", err)
	}
	if got.Limit() != daily || got.ActionOnLimit != quota.ActionWarn || !got.Enabled {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	generated := &quota.Tier{Name: "Free", MonthlyCostLimit: cost.USD(1), PeriodType: quota.PeriodMonthly, ActionOnLimit: quota.ActionBlock}
	if err := store.CreateTier(ctx, generated); err != nil {
		t.Fatalf("CreateTier generated id: %v", err)
	}
	if generated.ID == "" {
		t.Fatal("expected generated id")
	}

	got.Enabled = false
	got.DailyCostLimit = nil
	got.PeriodType = quota.PeriodMonthly
	if err := store.UpdateTier(ctx, got); err != nil {
		t.Fatalf("UpdateTier: %v", err)
	}
	tiers, err := store.ListTiers(ctx)
	if err != nil {
		t.Fatalf("ListTiers: %v", err)
	}
	if len(tiers) != 2 || tiers[0].ID != "pro" || tiers[0].Enabled || tiers[0].DailyCostLimit != nil {
		t.Fatalf("ListTiers = %+v", tiers)
	}

	if err := store.DeleteTier(ctx, "pro"); err != nil {
		t.Fatalf("DeleteTier: %v", err)
	}
	if _, err := store.GetTier(ctx, "pro"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteTier(ctx, "pro"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateTier(ctx, &quota.Tier{ID: "nope", Name: "x", PeriodType: quota.PeriodMonthly, ActionOnLimit: quota.ActionBlock}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update missing: expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteTierRefusesEnabledReferences(t *testing.T) {
	store := sqlite.NewStore(openDB(t))
	ctx := context.Background()

	tier := &quota.Tier{ID: "team", Name: "Team", MonthlyCostLimit: cost.USD(10), PeriodType: quota.PeriodMonthly, ActionOnLimit: quota.ActionBlock, Enabled: true}
	if err := store.CreateTier(ctx, tier); err != nil {
		t.Fatalf("CreateTier: %v", err)
	}
	// Written straight to the store, as a concurrent admin write would land
	// after the service-level reference check.
	a := &quota.Assignment{TierID: "team", Type: quota.AssignJWTRole, JWTRole: "dev", Enabled: true}
	if err := store.CreateAssignment(ctx, a); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}

	if err := store.DeleteTier(ctx, "team"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("referenced tier: expected ErrConflict, got %v", err)
	}
	if _, err := store.GetTier(ctx, "team"); err != nil {
		t.Fatalf("tier must survive a refused delete: %v", err)
	}

	a.Enabled = false
	if err := store.UpdateAssignment(ctx, a); err != nil {
		t.Fatalf("UpdateAssignment: %v", err)
	}
	if err := store.DeleteTier(ctx, "team"); err != nil {
		t.Fatalf("DeleteTier with only disabled references: %v", err)
	}
	if err := store.DeleteTier(ctx, "team"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing tier: expected ErrNotFound, got %v", err)
	}
}

func TestStore_CheckConstraintIsValidation(t *testing.T) {
	store := sqlite.NewStore(openDB(t))
	err := store.CreateTier(context.Background(), &quota.Tier{
		Name: "bad", MonthlyCostLimit: -1, PeriodType: quota.PeriodMonthly, ActionOnLimit: quota.ActionBlock,
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestStore_AssignmentPartialUniqueIndexes(t *testing.T) {
	store := sqlite.NewStore(openDB(t))
	ctx := context.Background()

	create := func(a quota.Assignment) (*quota.Assignment, error) {
		return &a, store.CreateAssignment(ctx, &a)
	}

	tests := []struct {
		name  string
		first quota.Assignment
		dup   quota.Assignment
	}{
		{
			name:  "direct_user",
			first: quota.Assignment{TierID: "a", Type: quota.AssignDirectUser, UserID: "u1", Priority: 300, Enabled: true},
			dup:   quota.Assignment{TierID: "b", Type: quota.AssignDirectUser, UserID: "u1", Priority: 300, Enabled: true},
		},
		{
			name:  "jwt_role",
			first: quota.Assignment{TierID: "a", Type: quota.AssignJWTRole, JWTRole: "admin", Priority: 200, Enabled: true},
			dup:   quota.Assignment{TierID: "b", Type: quota.AssignJWTRole, JWTRole: "admin", Priority: 500, Enabled: true},
		},
		{
			name:  "default_tier",
			first: quota.Assignment{TierID: "a", Type: quota.AssignDefaultTier, Priority: 100, Enabled: true},
			dup:   quota.Assignment{TierID: "b", Type: quota.AssignDefaultTier, Priority: 100, Enabled: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := create(tt.first); err != nil {
				t.Fatalf("first: %v", err)
			}
			if _, err := create(tt.dup); !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("enabled duplicate: expected ErrConflict, got %v", err)
			}
			disabled := tt.dup
			disabled.Enabled = false
			a, err := create(disabled)
			if err != nil {
				t.Fatalf("disabled duplicate should be allowed: %v", err)
			}
			a.Enabled = true
			if err := store.UpdateAssignment(ctx, a); !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("enabling duplicate: expected ErrConflict, got %v", err)
			}
		})
	}
}

func TestStore_AssignmentShapeCheck(t *testing.T) {
	store := sqlite.NewStore(openDB(t))
	err := store.CreateAssignment(context.Background(), &quota.Assignment{
		TierID: "a", Type: quota.AssignDirectUser, Priority: 300, Enabled: true,
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("direct_user without user_id: expected ErrValidation, got %v", err)
	}
}

func TestStore_AssignmentLookups(t *testing.T) {
	store := sqlite.NewStore(openDB(t))
	ctx := context.Background()

	mk := func(a quota.Assignment) *quota.Assignment {
		t.Helper()
		if err := store.CreateAssignment(ctx, &a); err != nil {
			t.Fatalf("CreateAssignment: %v", err)
		}
		return &a
	}
	direct := mk(quota.Assignment{TierID: "gold", Type: quota.AssignDirectUser, UserID: "alice", Priority: 300, Enabled: true})
	mk(quota.Assignment{TierID: "silver", Type: quota.AssignDirectUser, UserID: "alice", Priority: 300})
	r1 := mk(quota.Assignment{TierID: "silver", Type: quota.AssignJWTRole, JWTRole: "dev", Priority: 200, Enabled: true})
	mk(quota.Assignment{TierID: "gold", Type: quota.AssignJWTRole, JWTRole: "dev", Priority: 700})
	mk(quota.Assignment{TierID: "free", Type: quota.AssignDefaultTier, Priority: 100, Enabled: true})

	if r1.Seq <= direct.Seq {
		t.Fatalf("seq not monotonic: %d then %d", direct.Seq, r1.Seq)
	}

	got, err := store.GetAssignmentByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAssignmentByUser: %v", err)
	}
	if got.ID != direct.ID || got.TierID != "gold" {
		t.Fatalf("GetAssignmentByUser = %+v", got)
	}
	if _, err := store.GetAssignmentByUser(ctx, "bob"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown user: expected ErrNotFound, got %v", err)
	}

	byRole, err := store.GetAssignmentsByRole(ctx, "dev")
	if err != nil {
		t.Fatalf("GetAssignmentsByRole: %v", err)
	}
	if len(byRole) != 2 || byRole[0].Priority != 700 || byRole[0].Enabled {
		t.Fatalf("GetAssignmentsByRole = %+v", byRole)
	}

	defaults, err := store.ListAssignmentsByType(ctx, quota.AssignDefaultTier)
	if err != nil || len(defaults) != 1 {
		t.Fatalf("ListAssignmentsByType = %v, %v", defaults, err)
	}

	gold, err := store.ListAssignmentsByTier(ctx, "gold")
	if err != nil || len(gold) != 2 {
		t.Fatalf("ListAssignmentsByTier = %v, %v", gold, err)
	}

	direct.TierID = "platinum"
	if err := store.UpdateAssignment(ctx, direct); err != nil {
		t.Fatalf("UpdateAssignment: %v", err)
	}
	again, err := store.GetAssignment(ctx, direct.ID)
	if err != nil || again.TierID != "platinum" || again.Seq != direct.Seq {
		t.Fatalf("GetAssignment = %+v, %v", again, err)
	}
	if err := store.DeleteAssignment(ctx, direct.ID); err != nil {
		t.Fatalf("DeleteAssignment: %v", err)
	}
	if _, err := store.GetAssignment(ctx, direct.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventLog_ChronologicalWithCursor(t *testing.T) {
	log := sqlite.NewEventLog(openDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order, with two events sharing a timestamp.
	offsets := []time.Duration{2 * time.Second, 0, time.Second, time.Second}
	for i, off := range offsets {
		ev := &quota.Event{
			ID:     fmt.Sprintf("ev-%d", i),
			UserID: "u1", TierID: "t1", Type: quota.EventBlock, Period: "2026-03",
			CurrentUsage: cost.USD(10), Limit: cost.USD(10),
			Timestamp: base.Add(off),
		}
		if err := log.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := log.Record(ctx, &quota.Event{UserID: "u2", TierID: "t1", Type: quota.EventWarn, Period: "2026-03",
		Timestamp: base.Add(time.Hour), Metadata: map[string]any{"ratio": 0.9}}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	all, err := log.ListByUser(ctx, "u1", quota.EventQuery{})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	want := []string{"ev-1", "ev-2", "ev-3", "ev-0"}
	if len(all) != len(want) {
		t.Fatalf("got %d events, want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Fatalf("order[%d] = %s, want %s", i, all[i].ID, id)
		}
	}

	page, err := log.ListByUser(ctx, "u1", quota.EventQuery{Limit: 2, After: all[1].Timestamp, AfterID: all[1].ID})
	if err != nil {
		t.Fatalf("ListByUser cursor: %v", err)
	}
	if len(page) != 2 || page[0].ID != "ev-3" || page[1].ID != "ev-0" {
		t.Fatalf("cursor page = %+v", page)
	}

	byTier, err := log.ListByTier(ctx, "t1", quota.EventQuery{Limit: 10})
	if err != nil || len(byTier) != 5 {
		t.Fatalf("ListByTier = %d, %v", len(byTier), err)
	}
	last := byTier[4]
	if last.UserID != "u2" || last.Metadata["ratio"] != 0.9 {
		t.Fatalf("metadata not preserved: %+v", last)
	}
}

func TestLedger_ConcurrentIncrementsAreAtomic(t *testing.T) {
	ledger := sqlite.NewLedger(openDB(t))
	ctx := context.Background()

	const (
		goroutines = 20
		perG       = 10
		delta      = cost.Micros(1_234)
	)
	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			model := "m-a"
			if g%2 == 1 {
				model = "m-b"
			}
			for range perG {
				err := ledger.Increment(ctx, cost.Delta{
					UserID: "alice", Period: "2026-04", Cost: delta, ModelID: model,
					Usage: cost.Usage{InputTokens: 10, OutputTokens: 5},
				})
				if err != nil {
					t.Errorf("Increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	s, err := ledger.GetSummary(ctx, "alice", "2026-04")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	n := int64(goroutines * perG)
	if s.TotalCost != cost.Micros(n)*delta {
		t.Fatalf("TotalCost = %d, want %d", s.TotalCost, cost.Micros(n)*delta)
	}
	if s.TotalRequests != n || s.InputTokens != 10*n || s.OutputTokens != 5*n {
		t.Fatalf("counters = %+v", s)
	}
	if s.SortKey != cost.SortKey(s.TotalCost) {
		t.Fatalf("SortKey %q out of sync with total %d", s.SortKey, s.TotalCost)
	}
	var modelTotal cost.Micros
	for _, m := range s.Models {
		modelTotal += m.Cost
	}
	if len(s.Models) != 2 || modelTotal != s.TotalCost {
		t.Fatalf("models = %+v", s.Models)
	}
}

func TestLedger_IncrementIsAllOrNothing(t *testing.T) {
	db := openDB(t)
	ledger := sqlite.NewLedger(db)
	ctx := context.Background()

	day := cost.Delta{UserID: "alice", Period: "2026-04-09", Cost: cost.USD(1), ModelID: "m"}
	month := day
	month.Period = "2026-04"

	if err := ledger.Increment(ctx, day, month); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	// Refuse every month-period write from here on.
	if _, err := db.ExecContext(ctx, `CREATE TRIGGER refuse_month BEFORE INSERT ON cost_summaries
		WHEN length(NEW.period) = 7 BEGIN SELECT RAISE(ABORT, 'month write refused'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if err := ledger.Increment(ctx, day, month); err == nil {
		t.Fatal("expected the month write to fail")
	}

	for _, period := range []string{"2026-04-09", "2026-04"} {
		s, err := ledger.GetSummary(ctx, "alice", period)
		if err != nil {
			t.Fatalf("GetSummary %s: %v", period, err)
		}
		if s.TotalCost != cost.USD(1) || s.TotalRequests != 1 {
			t.Fatalf("%s summary after failed write = %+v", period, s)
		}
		if len(s.Models) != 1 || s.Models[0].Cost != cost.USD(1) {
			t.Fatalf("%s models after failed write = %+v", period, s.Models)
		}
	}

	bad := month
	bad.Cost = -1
	if err := ledger.Increment(ctx, day, bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if s, _ := ledger.GetSummary(ctx, "alice", "2026-04-09"); s.TotalRequests != 1 {
		t.Fatalf("day summary moved on a rejected batch: %+v", s)
	}
}

func TestLedger_SummaryEdgeCases(t *testing.T) {
	ledger := sqlite.NewLedger(openDB(t))
	ctx := context.Background()

	s, err := ledger.GetSummary(ctx, "nobody", "2026-04")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if s.TotalCost != 0 || s.TotalRequests != 0 || len(s.Models) != 0 {
		t.Fatalf("expected zero summary, got %+v", s)
	}
	if _, err := ledger.GetSummary(ctx, "x", "April"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad period: expected ErrValidation, got %v", err)
	}
	if err := ledger.Increment(ctx, cost.Delta{UserID: "x", Period: "2026-04", Cost: -1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("negative delta: expected ErrValidation, got %v", err)
	}
	if err := ledger.Increment(ctx, cost.Delta{UserID: "x", Period: "2026-04"}); err != nil {
		t.Fatalf("zero delta: %v", err)
	}
	s, _ = ledger.GetSummary(ctx, "x", "2026-04")
	if s.TotalRequests != 1 || len(s.Models) != 0 {
		t.Fatalf("zero delta without model: %+v", s)
	}
}

func TestLedger_TopUsers(t *testing.T) {
	ledger := sqlite.NewLedger(openDB(t))
	ctx := context.Background()

	spend := map[string]cost.Micros{
		"a": cost.USD(5), "b": cost.USD(50), "c": cost.USD(0.5), "d": cost.USD(500), "e": cost.USD(9.99),
	}
	for user, c := range spend {
		if err := ledger.Increment(ctx, cost.Delta{UserID: user, Period: "2026-05", Cost: c}); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}
	// Other periods must not leak in.
	if err := ledger.Increment(ctx, cost.Delta{UserID: "z", Period: "2026-06", Cost: cost.USD(9999)}); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	top, err := ledger.TopUsers(ctx, cost.TopQuery{Period: "2026-05", Limit: 3})
	if err != nil {
		t.Fatalf("TopUsers: %v", err)
	}
	want := []string{"d", "b", "e"}
	if len(top) != len(want) {
		t.Fatalf("TopUsers len = %d", len(top))
	}
	for i := range want {
		if top[i].UserID != want[i] {
			t.Fatalf("TopUsers[%d] = %s, want %s", i, top[i].UserID, want[i])
		}
		if i > 0 && top[i].TotalCost > top[i-1].TotalCost {
			t.Fatal("TopUsers not in descending order")
		}
	}

	filtered, err := ledger.TopUsers(ctx, cost.TopQuery{Period: "2026-05", MinCost: cost.USD(9.99)})
	if err != nil {
		t.Fatalf("TopUsers min_cost: %v", err)
	}
	if len(filtered) != 3 {
		t.Fatalf("min_cost filter returned %d rows, want 3", len(filtered))
	}

	empty, err := ledger.TopUsers(ctx, cost.TopQuery{Period: "2020-01"})
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty period = %v, %v", empty, err)
	}
}

func TestLedger_TopUsersUsesIndex(t *testing.T) {
	ledger := sqlite.NewLedger(openDB(t))
	plan, err := ledger.ExplainTopUsers(context.Background())
	if err != nil {
		t.Fatalf("ExplainTopUsers: %v", err)
	}
	joined := strings.Join(plan, "\n")
	if !strings.Contains(joined, "idx_cost_summaries_top") {
		t.Fatalf("plan does not use the top-N index:\n%s", joined)
	}
	for _, line := range plan {
		if strings.HasPrefix(line, "SCAN") {
			t.Fatalf("plan contains a table scan:\n%s", joined)
		}
		if strings.Contains(line, "TEMP B-TREE") {
			t.Fatalf("plan sorts outside the index:\n%s", joined)
		}
	}
}

func TestLedger_Rollups(t *testing.T) {
	ledger := sqlite.NewLedger(openDB(t))
	ctx := context.Background()

	at := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	recs := []cost.UsageRecord{
		{UserID: "u1", At: at, Cost: cost.USD(1), ModelID: "small", TierID: "free", Usage: cost.Usage{InputTokens: 1}},
		{UserID: "u2", At: at, Cost: cost.USD(3), ModelID: "large", TierID: "free"},
		{UserID: "u3", At: at, Cost: cost.USD(2), ModelID: "large"},
	}
	for _, rec := range recs {
		for _, key := range rec.RollupKeys() {
			if err := ledger.ApplyRollup(ctx, key, rec); err != nil {
				t.Fatalf("ApplyRollup %+v: %v", key, err)
			}
		}
	}

	daily, err := ledger.GetRollup(ctx, cost.RollupKey{Type: cost.RollupDaily, Period: "2026-07-14", Identifier: "2026-07-14"})
	if err != nil {
		t.Fatalf("GetRollup daily: %v", err)
	}
	if daily.TotalCost != cost.USD(6) || daily.TotalRequests != 3 || daily.InputTokens != 1 {
		t.Fatalf("daily = %+v", daily)
	}

	models, err := ledger.ListRollups(ctx, cost.RollupModel, "2026-07", 0)
	if err != nil {
		t.Fatalf("ListRollups: %v", err)
	}
	if len(models) != 2 || models[0].Identifier != "large" || models[0].TotalCost != cost.USD(5) {
		t.Fatalf("model rollups = %+v", models)
	}

	tier, err := ledger.GetRollup(ctx, cost.RollupKey{Type: cost.RollupTier, Period: "2026-07", Identifier: "free"})
	if err != nil || tier.TotalCost != cost.USD(4) {
		t.Fatalf("tier rollup = %+v, %v", tier, err)
	}

	if _, err := ledger.GetRollup(ctx, cost.RollupKey{Type: cost.RollupTier, Period: "2026-07", Identifier: "pro"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing rollup: expected ErrNotFound, got %v", err)
	}
}
