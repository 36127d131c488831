package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brokerage/position-ledger/internal/model"
)

// ErrLimitExceeded is the sentinel every *LimitExceededError unwraps to.
var ErrLimitExceeded = errors.New("wallet: transaction limit exceeded")

// LimitKind names the ceiling a debit ran into.
type LimitKind string

const (
	LimitDaily             LimitKind = "daily"
	LimitMonthly           LimitKind = "monthly"
	LimitPerTransactionMax LimitKind = "perTransactionMax"
	LimitPerTransactionMin LimitKind = "perTransactionMin"
	LimitDailyCount        LimitKind = "dailyCount"
)

// LimitExceededError reports which limit rejected a debit. Used is the
// period usage before the debit (zero for per-transaction limits).
type LimitExceededError struct {
	Kind      LimitKind
	Limit     decimal.Decimal
	Used      decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("wallet: %s limit exceeded (limit %s, used %s, requested %s)",
		e.Kind, e.Limit, e.Used, e.Requested)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// CheckLimits validates a debit of amount against the wallet's limits and
// its usage in the current period. Periods must already be reset. A zero
// limit is not enforced.
func CheckLimits(w *model.Wallet, amount decimal.Decimal) error {
	// 1. Per-transaction bounds.
	if w.MinTransactionAmount.IsPositive() && amount.LessThan(w.MinTransactionAmount) {
		return &LimitExceededError{Kind: LimitPerTransactionMin, Limit: w.MinTransactionAmount, Requested: amount}
	}
	if w.MaxTransactionAmount.IsPositive() && amount.GreaterThan(w.MaxTransactionAmount) {
		return &LimitExceededError{Kind: LimitPerTransactionMax, Limit: w.MaxTransactionAmount, Requested: amount}
	}

	// 2. Daily transaction count.
	if w.MaxDailyTransactionCount > 0 && w.DailyCount+1 > w.MaxDailyTransactionCount {
		return &LimitExceededError{
			Kind:      LimitDailyCount,
			Limit:     decimal.NewFromInt(int64(w.MaxDailyTransactionCount)),
			Used:      decimal.NewFromInt(int64(w.DailyCount)),
			Requested: decimal.NewFromInt(1),
		}
	}

	// 3. Cumulative period amounts.
	if w.DailyLimit.IsPositive() && w.DailyUsed.Add(amount).GreaterThan(w.DailyLimit) {
		return &LimitExceededError{Kind: LimitDaily, Limit: w.DailyLimit, Used: w.DailyUsed, Requested: amount}
	}
	if w.MonthlyLimit.IsPositive() && w.MonthlyUsed.Add(amount).GreaterThan(w.MonthlyLimit) {
		return &LimitExceededError{Kind: LimitMonthly, Limit: w.MonthlyLimit, Used: w.MonthlyUsed, Requested: amount}
	}

	return nil
}

// ValidateLimits rejects negative limits and a minimum above the maximum.
func ValidateLimits(l model.WalletLimits) error {
	fields := []struct {
		name string
		v    decimal.Decimal
	}{
		{"daily_limit", l.DailyLimit},
		{"monthly_limit", l.MonthlyLimit},
		{"max_transaction_amount", l.MaxTransactionAmount},
		{"min_transaction_amount", l.MinTransactionAmount},
	}
	for _, f := range fields {
		if f.v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidLimits, f.name)
		}
	}
	if l.MaxDailyTransactionCount < 0 {
		return fmt.Errorf("%w: max_daily_transaction_count must not be negative", ErrInvalidLimits)
	}
	if l.MaxTransactionAmount.IsPositive() && l.MinTransactionAmount.GreaterThan(l.MaxTransactionAmount) {
		return fmt.Errorf("%w: min_transaction_amount exceeds max_transaction_amount", ErrInvalidLimits)
	}
	return nil
}

// resetPeriods zeroes daily usage when the last reset was before today and
// monthly usage when it was in an earlier month.
func resetPeriods(w *model.Wallet, today time.Time) {
	last := w.LastResetDate.In(today.Location())
	if !sameDay(last, today) && last.Before(today) {
		w.DailyUsed = decimal.Zero
		w.DailyCount = 0
		if !sameMonth(last, today) {
			w.MonthlyUsed = decimal.Zero
		}
		w.LastResetDate = today
	}
}

// addUsage books a debit against the current periods.
func addUsage(w *model.Wallet, amount decimal.Decimal) {
	w.DailyUsed = w.DailyUsed.Add(amount)
	w.MonthlyUsed = w.MonthlyUsed.Add(amount)
	w.DailyCount++
}

// revertUsage undoes addUsage for a debit made at authorized, as far as
// its period is still current. Usage never goes below zero.
func revertUsage(w *model.Wallet, amount decimal.Decimal, authorized, today time.Time) {
	authorized = authorized.In(today.Location())
	if sameDay(authorized, today) {
		w.DailyUsed = decimal.Max(decimal.Zero, w.DailyUsed.Sub(amount))
		if w.DailyCount > 0 {
			w.DailyCount--
		}
	}
	if sameMonth(authorized, today) {
		w.MonthlyUsed = decimal.Max(decimal.Zero, w.MonthlyUsed.Sub(amount))
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}
