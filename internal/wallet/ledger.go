// Package wallet owns customer cash: balances, the available/blocked split,
// and per-period transaction limits. Debits are two-phase: AuthorizeDebit
// moves funds into a held Reservation, then Commit or Rollback settles it.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerage/position-ledger/internal/model"
	"github.com/brokerage/position-ledger/internal/settlement"
	"github.com/brokerage/position-ledger/internal/store"
)

var (
	ErrWalletNotFound      = errors.New("wallet: wallet not found")
	ErrWalletExists        = errors.New("wallet: wallet already exists")
	ErrWalletNotActive     = errors.New("wallet: wallet is not active")
	ErrInvalidAmount       = errors.New("wallet: amount must be positive")
	ErrInsufficientBalance = errors.New("wallet: insufficient available balance")
	ErrInvalidLimits       = errors.New("wallet: invalid limits")
	ErrInvalidStatus       = errors.New("wallet: invalid status")
	ErrReservationNotFound = errors.New("wallet: reservation not found")

	// ErrReservationReleased is returned by Commit for a reservation that
	// was already rolled back.
	ErrReservationReleased = errors.New("wallet: reservation already rolled back")
)

// Defaults apply to wallets created without explicit limits.
type Defaults struct {
	Currency string
	Limits   model.WalletLimits
}

// DefaultDefaults mirrors the brokerage's standard retail account.
func DefaultDefaults() Defaults {
	return Defaults{
		Currency: "TRY",
		Limits: model.WalletLimits{
			DailyLimit:               decimal.NewFromInt(90_000_000),
			MonthlyLimit:             decimal.NewFromInt(900_000_000),
			MaxTransactionAmount:     decimal.NewFromInt(50_000_000),
			MinTransactionAmount:     decimal.NewFromInt(10),
			MaxDailyTransactionCount: 500,
		},
	}
}

// Ledger is the WalletLedger. All mutations of one wallet are serialised
// by the store's per-wallet unit of work.
type Ledger struct {
	store    store.Store
	clock    *settlement.Clock
	defaults Defaults
}

// NewLedger creates a wallet ledger.
func NewLedger(st store.Store, clock *settlement.Clock, defaults Defaults) *Ledger {
	return &Ledger{store: st, clock: clock, defaults: defaults}
}

// CreateWallet opens an empty wallet. Zero limits take the defaults.
func (l *Ledger) CreateWallet(ctx context.Context, customerID string, limits model.WalletLimits) (*model.Wallet, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidLimits)
	}
	if limits == (model.WalletLimits{}) {
		limits = l.defaults.Limits
	}
	if err := ValidateLimits(limits); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	w := &model.Wallet{
		CustomerID:       customerID,
		Currency:         l.defaults.Currency,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		BlockedBalance:   decimal.Zero,
		WalletLimits:     limits,
		DailyUsed:        decimal.Zero,
		MonthlyUsed:      decimal.Zero,
		LastResetDate:    l.clock.Day(now),
		Status:           model.WalletActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrWalletExists, customerID)
		}
		return nil, err
	}

	slog.Info("wallet created", "customer_id", customerID, "currency", w.Currency)
	return w, nil
}

// Wallet returns the customer's wallet with usage counters as of today.
func (l *Ledger) Wallet(ctx context.Context, customerID string) (*model.Wallet, error) {
	w, err := l.store.GetWallet(ctx, customerID)
	if err != nil {
		return nil, mapNotFound(err, customerID)
	}
	resetPeriods(w, l.clock.Today())
	return w, nil
}

// RequireActive returns ErrWalletNotActive unless the wallet is active. The
// status is read under the wallet's lock, never from a cached snapshot.
func (l *Ledger) RequireActive(ctx context.Context, customerID string) error {
	err := l.store.UpdateWallet(ctx, customerID, func(tx store.WalletTx) error {
		if tx.Wallet().Status != model.WalletActive {
			return ErrWalletNotActive
		}
		return nil
	})
	return mapNotFound(err, customerID)
}

// AuthorizeDebit holds amount for a later Commit. The hold counts against
// the wallet's limits immediately. txID links the reservation to the
// Transaction record that Commit completes; it may be empty.
func (l *Ledger) AuthorizeDebit(ctx context.Context, customerID string, amount decimal.Decimal, txType model.TransactionType, txID string) (*model.Reservation, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var res *model.Reservation
	err := l.store.UpdateWallet(ctx, customerID, func(tx store.WalletTx) error {
		w := tx.Wallet()
		if w.Status != model.WalletActive {
			return ErrWalletNotActive
		}
		now := l.clock.Now()
		resetPeriods(w, l.clock.Day(now))

		if err := CheckLimits(w, amount); err != nil {
			return err
		}
		if amount.GreaterThan(w.AvailableBalance) {
			return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientBalance, w.AvailableBalance, amount)
		}

		w.AvailableBalance = w.AvailableBalance.Sub(amount)
		w.BlockedBalance = w.BlockedBalance.Add(amount)
		addUsage(w, amount)
		w.UpdatedAt = now

		res = &model.Reservation{
			ID:            uuid.New().String(),
			CustomerID:    customerID,
			TransactionID: txID,
			Type:          txType,
			Amount:        amount,
			Status:        model.ReservationHeld,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.PutReservation(res)
	})
	if err != nil {
		return nil, mapNotFound(err, customerID)
	}

	slog.Debug("debit authorized",
		"customer_id", customerID,
		"reservation_id", res.ID,
		"tx_id", txID,
		"amount", amount.String(),
	)
	return res, nil
}

// Commit settles a held reservation: balance and blocked balance drop by
// the held amount and the linked Transaction becomes COMPLETED, in one
// unit of work. Committing an already committed reservation is a no-op
// that returns the same result.
func (l *Ledger) Commit(ctx context.Context, res *model.Reservation) (*model.Reservation, error) {
	var out *model.Reservation
	err := l.store.UpdateWallet(ctx, res.CustomerID, func(tx store.WalletTx) error {
		r, err := tx.Reservation(res.ID)
		if err != nil {
			return mapReservation(err)
		}
		switch r.Status {
		case model.ReservationCommitted:
			out = r
			return nil
		case model.ReservationRolledBack:
			return ErrReservationReleased
		}

		now := l.clock.Now()
		w := tx.Wallet()
		w.Balance = w.Balance.Sub(r.Amount)
		w.BlockedBalance = w.BlockedBalance.Sub(r.Amount)
		w.UpdatedAt = now

		r.Status = model.ReservationCommitted
		r.UpdatedAt = now
		if err := tx.PutReservation(r); err != nil {
			return err
		}
		if err := completeTransaction(tx, r.TransactionID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, mapNotFound(err, res.CustomerID)
	}

	slog.Debug("reservation committed", "customer_id", res.CustomerID, "reservation_id", res.ID)
	return out, nil
}

// Rollback returns a held amount to the available balance and releases the
// limit usage it consumed. It is a no-op for a reservation that is already
// committed or rolled back; when both race, whichever runs first wins.
func (l *Ledger) Rollback(ctx context.Context, res *model.Reservation) error {
	err := l.store.UpdateWallet(ctx, res.CustomerID, func(tx store.WalletTx) error {
		r, err := tx.Reservation(res.ID)
		if err != nil {
			return mapReservation(err)
		}
		if r.Status != model.ReservationHeld {
			return nil
		}

		now := l.clock.Now()
		today := l.clock.Day(now)
		w := tx.Wallet()
		resetPeriods(w, today)
		w.AvailableBalance = w.AvailableBalance.Add(r.Amount)
		w.BlockedBalance = w.BlockedBalance.Sub(r.Amount)
		revertUsage(w, r.Amount, r.CreatedAt, today)
		w.UpdatedAt = now

		r.Status = model.ReservationRolledBack
		r.UpdatedAt = now
		return tx.PutReservation(r)
	})
	if err != nil {
		return mapNotFound(err, res.CustomerID)
	}

	slog.Debug("reservation rolled back", "customer_id", res.CustomerID, "reservation_id", res.ID)
	return nil
}

// Credit adds amount to the balance and the available balance. A non-empty
// ref makes the credit idempotent: a second credit with the same ref is a
// no-op. When ref names a PENDING Transaction it is completed in the same
// unit of work.
func (l *Ledger) Credit(ctx context.Context, customerID string, amount decimal.Decimal, txType model.TransactionType, ref string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	applied := false
	err := l.store.UpdateWallet(ctx, customerID, func(tx store.WalletTx) error {
		w := tx.Wallet()
		if w.Status != model.WalletActive {
			return ErrWalletNotActive
		}
		if ref != "" {
			seen, err := tx.CreditApplied(ref)
			if err != nil {
				return err
			}
			if seen {
				return nil
			}
			if err := tx.RecordCredit(ref); err != nil {
				return err
			}
		}

		now := l.clock.Now()
		w.Balance = w.Balance.Add(amount)
		w.AvailableBalance = w.AvailableBalance.Add(amount)
		w.UpdatedAt = now
		applied = true

		if err := completeTransaction(tx, ref, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return mapNotFound(err, customerID)
	}

	if applied {
		slog.Debug("wallet credited",
			"customer_id", customerID,
			"type", txType,
			"ref", ref,
			"amount", amount.String(),
		)
	}
	return nil
}

// Deposit credits cash from outside the brokerage and records a DEPOSIT
// transaction.
func (l *Ledger) Deposit(ctx context.Context, customerID string, amount decimal.Decimal) (*model.Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := l.Wallet(ctx, customerID); err != nil {
		return nil, err
	}

	rec, err := l.beginTransaction(ctx, customerID, model.TxDeposit, amount)
	if err != nil {
		return nil, err
	}
	if err := l.Credit(ctx, customerID, amount, model.TxDeposit, rec.ID); err != nil {
		l.failTransaction(ctx, rec, err)
		return rec, err
	}
	return l.finished(ctx, rec)
}

// Withdraw debits cash to outside the brokerage as authorize plus commit
// and records a WITHDRAWAL transaction.
func (l *Ledger) Withdraw(ctx context.Context, customerID string, amount decimal.Decimal) (*model.Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := l.Wallet(ctx, customerID); err != nil {
		return nil, err
	}

	rec, err := l.beginTransaction(ctx, customerID, model.TxWithdrawal, amount)
	if err != nil {
		return nil, err
	}
	res, err := l.AuthorizeDebit(ctx, customerID, amount, model.TxWithdrawal, rec.ID)
	if err != nil {
		l.failTransaction(ctx, rec, err)
		return rec, err
	}
	if _, err := l.Commit(context.WithoutCancel(ctx), res); err != nil {
		if rbErr := l.Rollback(context.WithoutCancel(ctx), res); rbErr != nil {
			slog.Error("withdraw rollback failed", "customer_id", customerID, "tx_id", rec.ID, "error", rbErr)
		}
		l.failTransaction(ctx, rec, err)
		return rec, err
	}
	return l.finished(ctx, rec)
}

// SetStatus activates or suspends a wallet.
func (l *Ledger) SetStatus(ctx context.Context, customerID string, status model.WalletStatus) (*model.Wallet, error) {
	if status != model.WalletActive && status != model.WalletSuspended {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var out model.Wallet
	err := l.store.UpdateWallet(ctx, customerID, func(tx store.WalletTx) error {
		w := tx.Wallet()
		w.Status = status
		w.UpdatedAt = l.clock.Now()
		out = *w
		return nil
	})
	if err != nil {
		return nil, mapNotFound(err, customerID)
	}
	slog.Info("wallet status changed", "customer_id", customerID, "status", status)
	return &out, nil
}

// UpdateLimits replaces the wallet's limits. Usage counters are kept.
func (l *Ledger) UpdateLimits(ctx context.Context, customerID string, limits model.WalletLimits) (*model.Wallet, error) {
	if err := ValidateLimits(limits); err != nil {
		return nil, err
	}
	var out model.Wallet
	err := l.store.UpdateWallet(ctx, customerID, func(tx store.WalletTx) error {
		w := tx.Wallet()
		w.WalletLimits = limits
		w.UpdatedAt = l.clock.Now()
		out = *w
		return nil
	})
	if err != nil {
		return nil, mapNotFound(err, customerID)
	}
	slog.Info("wallet limits updated", "customer_id", customerID)
	return &out, nil
}

// --- helpers ---

func (l *Ledger) beginTransaction(ctx context.Context, customerID string, txType model.TransactionType, amount decimal.Decimal) (*model.Transaction, error) {
	now := l.clock.Now()
	rec := &model.Transaction{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Type:       txType,
		Amount:     amount,
		Status:     model.TxPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.InsertTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("record %s: %w", txType, err)
	}
	return rec, nil
}

func (l *Ledger) failTransaction(ctx context.Context, rec *model.Transaction, cause error) {
	rec.Status = model.TxFailed
	rec.FailureReason = cause.Error()
	rec.UpdatedAt = l.clock.Now()
	if err := l.store.UpdateTransaction(context.WithoutCancel(ctx), rec); err != nil {
		slog.Error("failed to mark transaction failed", "tx_id", rec.ID, "error", err)
	}
	slog.Warn("wallet transaction failed",
		"customer_id", rec.CustomerID,
		"tx_id", rec.ID,
		"type", rec.Type,
		"reason", cause.Error(),
	)
}

func (l *Ledger) finished(ctx context.Context, rec *model.Transaction) (*model.Transaction, error) {
	done, err := l.store.GetTransaction(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	slog.Info("wallet transaction completed",
		"customer_id", done.CustomerID,
		"tx_id", done.ID,
		"type", done.Type,
		"amount", done.Amount.String(),
	)
	return done, nil
}

// completeTransaction marks a linked PENDING transaction COMPLETED.
func completeTransaction(tx store.WalletTx, txID string, now time.Time) error {
	if txID == "" {
		return nil
	}
	rec, err := tx.Transaction(txID)
	if err != nil {
		return err
	}
	if rec.Status != model.TxPending {
		return nil
	}
	rec.Status = model.TxCompleted
	rec.UpdatedAt = now
	return tx.SaveTransaction(rec)
}

func mapNotFound(err error, customerID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, customerID)
	}
	return err
}

func mapReservation(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrReservationNotFound
	}
	return err
}
