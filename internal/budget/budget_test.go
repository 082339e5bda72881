package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

type memStore struct {
	mu      sync.Mutex
	budgets map[string]*gateway.Budget
}

func newMemStore() *memStore {
	return &memStore{budgets: make(map[string]*gateway.Budget)}
}

func (s *memStore) LoadBudget(_ context.Context, userID string) (*gateway.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.budgets[userID]; ok {
		cp := *b
		return &cp, nil
	}
	return &gateway.Budget{UserID: userID}, nil
}

func (s *memStore) SaveBudget(_ context.Context, b *gateway.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.budgets[b.UserID] = &cp
	return nil
}

func ptr(f float64) *float64 { return &f }

func TestEnforcer_AllowsUnderLimit(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.budgets["u1"] = &gateway.Budget{UserID: "u1", MonthlyLimit: ptr(10)}
	e := NewEnforcer(store)

	d, err := e.Check(context.Background(), "u1", 5)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Error("expected allowed under limit")
	}
}

func TestEnforcer_RejectsOverMonthlyLimit(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.budgets["u1"] = &gateway.Budget{UserID: "u1", MonthlyLimit: ptr(10), MonthlySpend: 10.5}
	e := NewEnforcer(store)

	d, err := e.Check(context.Background(), "u1", 5)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("expected rejection over monthly limit")
	}
	if d.LimitType != "monthly" {
		t.Errorf("LimitType = %q, want monthly", d.LimitType)
	}
}

func TestEnforcer_RejectsOverDailyLimit(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.budgets["u1"] = &gateway.Budget{UserID: "u1", DailyLimit: ptr(1), DailySpend: 1.1}
	e := NewEnforcer(store)

	d, err := e.Check(context.Background(), "u1", 0.5)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("expected rejection over daily limit")
	}
	if d.LimitType != "daily" {
		t.Errorf("LimitType = %q, want daily", d.LimitType)
	}
}

func TestEnforcer_CommitAccumulatesSpend(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.budgets["u1"] = &gateway.Budget{UserID: "u1", MonthlyLimit: ptr(100)}
	e := NewEnforcer(store)
	ctx := context.Background()

	if err := e.Commit(ctx, "u1", 3); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e.Commit(ctx, "u1", 4); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	saved, _ := store.LoadBudget(ctx, "u1")
	if saved.MonthlySpend != 7 {
		t.Errorf("MonthlySpend = %v, want 7", saved.MonthlySpend)
	}
	if saved.DailySpend != 7 {
		t.Errorf("DailySpend = %v, want 7", saved.DailySpend)
	}
}

func TestEnforcer_WarningAtNinetyPercent(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.budgets["u1"] = &gateway.Budget{UserID: "u1", MonthlyLimit: ptr(10), MonthlySpend: 9}
	e := NewEnforcer(store)

	d, err := e.Check(context.Background(), "u1", 0.5)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected allowed, still under limit")
	}
	if !d.Warning {
		t.Error("expected warning at 90% spend")
	}
}

func TestRollover_DailyResetsOnNewUTCDay(t *testing.T) {
	t.Parallel()
	b := gateway.Budget{
		DailySpend:     5,
		LastDailyReset: time.Now().UTC().Add(-25 * time.Hour),
	}
	rollover(&b)
	if b.DailySpend != 0 {
		t.Errorf("DailySpend = %v, want 0 after day rollover", b.DailySpend)
	}
}

func TestRollover_MonthlyResetsOnNewUTCMonth(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	b := gateway.Budget{
		MonthlySpend:     50,
		LastMonthlyReset: firstOfMonth.AddDate(0, -1, 0),
	}
	rollover(&b)
	if b.MonthlySpend != 0 {
		t.Errorf("MonthlySpend = %v, want 0 after month rollover", b.MonthlySpend)
	}
}

func TestRollover_NoResetWithinSamePeriod(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	b := gateway.Budget{
		DailySpend:       5,
		LastDailyReset:   now,
		MonthlySpend:     50,
		LastMonthlyReset: now,
	}
	rollover(&b)
	if b.DailySpend != 5 || b.MonthlySpend != 50 {
		t.Error("rollover should not reset within the same UTC day/month")
	}
}

func TestEnforcer_ConcurrentCommitsSerializePerUser(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.budgets["u1"] = &gateway.Budget{UserID: "u1", MonthlyLimit: ptr(1000)}
	e := NewEnforcer(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Commit(ctx, "u1", 1)
		}()
	}
	wg.Wait()

	saved, _ := store.LoadBudget(ctx, "u1")
	if saved.MonthlySpend != 50 {
		t.Errorf("MonthlySpend = %v, want 50 (no lost updates)", saved.MonthlySpend)
	}
}
