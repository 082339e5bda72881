// Package budget enforces per-user monthly and daily spend caps. It follows
// the same shape as internal/ratelimit: a registry of per-key mutex-guarded
// state, checked before a request and adjusted after it completes, with lazy
// rollover computed from wall-clock time rather than a background sweep.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

// WarningThreshold is the fraction of a limit at which Enforcer annotates a
// successful Check with a warning so callers can surface an
// approaching-budget header.
const WarningThreshold = 0.90

// Store persists Budget rows. Enforcer calls Load once per user on first
// touch and Save after every mutation; both round-trip through the caller's
// storage layer (sqlite by default).
type Store interface {
	LoadBudget(ctx context.Context, userID string) (*gateway.Budget, error)
	SaveBudget(ctx context.Context, b *gateway.Budget) error
}

// Decision is the outcome of a pre-request budget check.
type Decision struct {
	Allowed   bool
	Warning   bool    // projected spend (committed plus estimate) has crossed WarningThreshold of a limit
	LimitType string  // "monthly" or "daily", set when Allowed is false or Warning is true
	Remaining float64 // remaining budget under the limit that rejected, set when Allowed is false
	Percent   float64 // percent of LimitType's limit the projected spend represents, set when Warning is true
}

// entry is the in-memory, mutex-guarded state for one user, mirroring
// ratelimit.Limiter's per-key lock discipline.
type entry struct {
	mu     sync.Mutex
	budget gateway.Budget
}

// Enforcer tracks per-user spend against monthly and daily limits.
type Enforcer struct {
	store Store

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewEnforcer returns an Enforcer backed by store.
func NewEnforcer(store Store) *Enforcer {
	return &Enforcer{store: store, entries: make(map[string]*entry)}
}

// Check rolls over stale periods and reports whether userID may make another
// request, without committing any spend. It rejects once committed spend has
// reached a limit; estimatedCost is added to committed spend only to decide
// the warning. Call Commit after the request completes with the actual cost.
func (e *Enforcer) Check(ctx context.Context, userID string, estimatedCost float64) (Decision, error) {
	ent, err := e.getOrLoad(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	rollover(&ent.budget)

	if ent.budget.DailyLimit != nil && ent.budget.DailySpend >= *ent.budget.DailyLimit {
		return Decision{Allowed: false, LimitType: "daily", Remaining: *ent.budget.DailyLimit - ent.budget.DailySpend}, nil
	}
	if ent.budget.MonthlyLimit != nil && ent.budget.MonthlySpend >= *ent.budget.MonthlyLimit {
		return Decision{Allowed: false, LimitType: "monthly", Remaining: *ent.budget.MonthlyLimit - ent.budget.MonthlySpend}, nil
	}

	projected := ent.budget
	projected.DailySpend += estimatedCost
	projected.MonthlySpend += estimatedCost
	warnType, percent := warn(&projected)
	return Decision{Allowed: true, Warning: warnType != "", LimitType: warnType, Percent: percent}, nil
}

// Commit records actualCost against userID's monthly and daily spend and
// persists the result. It is called once per completed request, after the
// provider response (or failure) is known, so cost reflects real usage
// rather than the pre-request estimate.
func (e *Enforcer) Commit(ctx context.Context, userID string, actualCost float64) error {
	ent, err := e.getOrLoad(ctx, userID)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	rollover(&ent.budget)
	ent.budget.MonthlySpend += actualCost
	ent.budget.DailySpend += actualCost
	snapshot := ent.budget

	return e.store.SaveBudget(ctx, &snapshot)
}

func (e *Enforcer) getOrLoad(ctx context.Context, userID string) (*entry, error) {
	e.mu.RLock()
	ent, ok := e.entries[userID]
	e.mu.RUnlock()
	if ok {
		return ent, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.entries[userID]; ok {
		return ent, nil
	}

	b, err := e.store.LoadBudget(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("budget: load %s: %w", userID, err)
	}
	ent = &entry{budget: *b}
	e.entries[userID] = ent
	return ent, nil
}

// rollover zeroes spend counters whose period has elapsed, comparing
// against time.Now().UTC() exclusively so the reset boundary never depends
// on the server's local timezone.
func rollover(b *gateway.Budget) {
	now := time.Now().UTC()

	if b.LastDailyReset.IsZero() {
		b.LastDailyReset = now
	}
	if !sameUTCDay(b.LastDailyReset, now) {
		b.DailySpend = 0
		b.LastDailyReset = now
	}

	if b.LastMonthlyReset.IsZero() {
		b.LastMonthlyReset = now
	}
	if !sameUTCMonth(b.LastMonthlyReset, now) {
		b.MonthlySpend = 0
		b.LastMonthlyReset = now
	}
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameUTCMonth(a, b time.Time) bool {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return ay == by && am == bm
}

// warn reports the tightest active limit whose spend has crossed
// WarningThreshold, and the percent of that limit consumed. Returns ""
// when neither limit is close.
func warn(b *gateway.Budget) (limitType string, percent float64) {
	if b.DailyLimit != nil && *b.DailyLimit > 0 {
		if p := b.DailySpend / (*b.DailyLimit); p >= WarningThreshold {
			return "daily", p * 100
		}
	}
	if b.MonthlyLimit != nil && *b.MonthlyLimit > 0 {
		if p := b.MonthlySpend / (*b.MonthlyLimit); p >= WarningThreshold {
			return "monthly", p * 100
		}
	}
	return "", 0
}
