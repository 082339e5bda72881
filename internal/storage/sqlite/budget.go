package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

// LoadBudget returns userID's budget row, creating a zeroed one (both resets
// set to now) on first touch so the caller never has to special-case a
// missing row.
func (s *Store) LoadBudget(ctx context.Context, userID string) (*gateway.Budget, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT user_id, monthly_limit, daily_limit, monthly_spend, daily_spend,
		 last_monthly_reset, last_daily_reset FROM budgets WHERE user_id = ?`, userID)

	var b gateway.Budget
	var monthlyLimit, dailyLimit sql.NullFloat64
	var monthlyReset, dailyReset string
	err := row.Scan(&b.UserID, &monthlyLimit, &dailyLimit, &b.MonthlySpend, &b.DailySpend,
		&monthlyReset, &dailyReset)
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now().UTC()
		b = gateway.Budget{UserID: userID, LastMonthlyReset: now, LastDailyReset: now}
		if err := s.SaveBudget(ctx, &b); err != nil {
			return nil, err
		}
		return &b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load budget %s: %w", userID, err)
	}

	if monthlyLimit.Valid {
		b.MonthlyLimit = &monthlyLimit.Float64
	}
	if dailyLimit.Valid {
		b.DailyLimit = &dailyLimit.Float64
	}
	if t, perr := time.Parse(time.RFC3339, monthlyReset); perr == nil {
		b.LastMonthlyReset = t
	}
	if t, perr := time.Parse(time.RFC3339, dailyReset); perr == nil {
		b.LastDailyReset = t
	}
	return &b, nil
}

// SaveBudget upserts b by user_id.
func (s *Store) SaveBudget(ctx context.Context, b *gateway.Budget) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO budgets (user_id, monthly_limit, daily_limit, monthly_spend, daily_spend,
		 last_monthly_reset, last_daily_reset)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   monthly_limit = excluded.monthly_limit,
		   daily_limit = excluded.daily_limit,
		   monthly_spend = excluded.monthly_spend,
		   daily_spend = excluded.daily_spend,
		   last_monthly_reset = excluded.last_monthly_reset,
		   last_daily_reset = excluded.last_daily_reset`,
		b.UserID, nullFloat(b.MonthlyLimit), nullFloat(b.DailyLimit), b.MonthlySpend, b.DailySpend,
		b.LastMonthlyReset.UTC().Format(time.RFC3339), b.LastDailyReset.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save budget %s: %w", b.UserID, err)
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
