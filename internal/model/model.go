// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
// Share quantities are whole units and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger mutation.
type TransactionType string

const (
	TxDeposit       TransactionType = "DEPOSIT"
	TxWithdrawal    TransactionType = "WITHDRAWAL"
	TxStockPurchase TransactionType = "STOCK_PURCHASE"
	TxStockSale     TransactionType = "STOCK_SALE"
)

// TransactionStatus is the lifecycle state of a Transaction. PARTIALLY_SOLD
// and SOLD never describe a Transaction itself; they tag the lot outcomes of
// a sale.
type TransactionStatus string

const (
	TxPending       TransactionStatus = "PENDING"
	TxCompleted     TransactionStatus = "COMPLETED"
	TxFailed        TransactionStatus = "FAILED"
	TxCancelled     TransactionStatus = "CANCELLED"
	TxSettled       TransactionStatus = "SETTLED"
	TxPartiallySold TransactionStatus = "PARTIALLY_SOLD"
	TxSold          TransactionStatus = "SOLD"
)

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxCancelled, TxSettled:
		return true
	}
	return false
}

// CanTransition reports whether a Transaction may move from s to next.
// Only PENDING transactions move, and only to a terminal status.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	return s == TxPending && next.Terminal()
}

// LotOutcome records how much of one lot a sale consumed.
type LotOutcome struct {
	LotID     string            `json:"lot_id"`
	Consumed  int64             `json:"consumed"`
	Remaining int64             `json:"remaining"`
	Status    TransactionStatus `json:"status"` // PARTIALLY_SOLD or SOLD
}

// Transaction is the record of one ledger mutation. It is created PENDING
// before the mutation and moves to a terminal status exactly once.
type Transaction struct {
	ID            string            `json:"id" db:"id"`
	CustomerID    string            `json:"customer_id" db:"customer_id"`
	OrderID       string            `json:"order_id,omitempty" db:"order_id"`
	Type          TransactionType   `json:"type" db:"type"`
	Amount        decimal.Decimal   `json:"amount" db:"amount"`
	Commission    decimal.Decimal   `json:"commission" db:"commission"`
	StockCode     string            `json:"stock_code,omitempty" db:"stock_code"`
	Quantity      int64             `json:"quantity,omitempty" db:"quantity"`
	Price         decimal.Decimal   `json:"price" db:"price"`
	Status        TransactionStatus `json:"status" db:"status"`
	LotOutcomes   []LotOutcome      `json:"lot_outcomes,omitempty" db:"lot_outcomes"`
	FailureReason string            `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// StockLot is one purchase of one stock by one customer, consumed FIFO by
// later sales. Fully consumed lots are retained.
type StockLot struct {
	ID                    string          `json:"id" db:"id"`
	CustomerID            string          `json:"customer_id" db:"customer_id"`
	StockCode             string          `json:"stock_code" db:"stock_code"`
	Quantity              int64           `json:"quantity" db:"quantity"`
	RemainingQuantity     int64           `json:"remaining_quantity" db:"remaining_quantity"`
	Price                 decimal.Decimal `json:"price" db:"price"` // cost per share
	TransactionID         string          `json:"transaction_id,omitempty" db:"transaction_id"`
	PurchaseDate          time.Time       `json:"purchase_date" db:"purchase_date"`
	SettlementReleaseDate time.Time       `json:"settlement_release_date" db:"settlement_release_date"`
}

// PositionSummary is derived from the lots of one (customer, stock) pair.
type PositionSummary struct {
	CustomerID string `json:"customer_id"`
	StockCode  string `json:"stock_code"`
	TotalOwned int64  `json:"total_owned"`
	Blocked    int64  `json:"blocked"`
	Available  int64  `json:"available"`
}

// Holding is one line of a customer's portfolio: the position plus the cost
// of the shares still held. AverageCost is CostBasis / TotalOwned.
type Holding struct {
	PositionSummary
	CostBasis   decimal.Decimal `json:"cost_basis"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// WalletStatus gates every wallet operation.
type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletSuspended WalletStatus = "SUSPENDED"
)

// WalletLimits are the per-wallet transaction ceilings. A zero amount or
// count means the limit is not enforced.
type WalletLimits struct {
	DailyLimit               decimal.Decimal `json:"daily_limit" db:"daily_limit"`
	MonthlyLimit             decimal.Decimal `json:"monthly_limit" db:"monthly_limit"`
	MaxTransactionAmount     decimal.Decimal `json:"max_transaction_amount" db:"max_transaction_amount"`
	MinTransactionAmount     decimal.Decimal `json:"min_transaction_amount" db:"min_transaction_amount"`
	MaxDailyTransactionCount int             `json:"max_daily_transaction_count" db:"max_daily_transaction_count"`
}

// Wallet is the single cash account of a customer.
// Invariant: AvailableBalance + BlockedBalance == Balance, Balance >= 0.
type Wallet struct {
	CustomerID       string          `json:"customer_id" db:"customer_id"`
	Currency         string          `json:"currency" db:"currency"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	BlockedBalance   decimal.Decimal `json:"blocked_balance" db:"blocked_balance"`
	WalletLimits
	DailyUsed     decimal.Decimal `json:"daily_used" db:"daily_used"`
	MonthlyUsed   decimal.Decimal `json:"monthly_used" db:"monthly_used"`
	DailyCount    int             `json:"daily_count" db:"daily_count"`
	LastResetDate time.Time       `json:"last_reset_date" db:"last_reset_date"`
	Status        WalletStatus    `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// ReservationStatus is the state of a wallet hold.
type ReservationStatus string

const (
	ReservationHeld       ReservationStatus = "HELD"
	ReservationCommitted  ReservationStatus = "COMMITTED"
	ReservationRolledBack ReservationStatus = "ROLLED_BACK"
)

// Reservation holds funds moved out of AvailableBalance between
// authorization and commit or rollback.
type Reservation struct {
	ID            string            `json:"id" db:"id"`
	CustomerID    string            `json:"customer_id" db:"customer_id"`
	TransactionID string            `json:"transaction_id,omitempty" db:"transaction_id"`
	Type          TransactionType   `json:"type" db:"type"`
	Amount        decimal.Decimal   `json:"amount" db:"amount"`
	Status        ReservationStatus `json:"status" db:"status"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}
