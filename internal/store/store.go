// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), SQLite through gorm
// (single node), Redis (read-through wallet cache), and in-memory (for
// testing).
package store

import (
	"context"
	"errors"

	"github.com/brokerage/position-ledger/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when inserting a duplicate key.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned when a transaction record is no longer PENDING
	// and so cannot be rewritten.
	ErrConflict = errors.New("store: transaction already terminal")
)

// Store is the persistence interface. Every mutation of a wallet or of a
// (customer, stock) lot set runs as a unit of work: the callback sees a
// consistent snapshot under an exclusive lock for that key, and its staged
// writes are committed together when it returns nil and discarded otherwise.
type Store interface {
	// --- Wallets ---

	// CreateWallet persists a new wallet. Returns ErrAlreadyExists if the
	// customer already has one.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// GetWallet returns a snapshot of the customer's wallet.
	GetWallet(ctx context.Context, customerID string) (*model.Wallet, error)

	// UpdateWallet runs fn as one unit of work on the customer's wallet.
	UpdateWallet(ctx context.Context, customerID string, fn func(tx WalletTx) error) error

	// --- Stock lots ---

	// ListLots returns all lots of the pair in FIFO order, fully consumed
	// lots included.
	ListLots(ctx context.Context, customerID, stockCode string) ([]model.StockLot, error)

	// ListLotsByCustomer returns every lot the customer holds across all
	// stocks, ordered by stock code and then FIFO.
	ListLotsByCustomer(ctx context.Context, customerID string) ([]model.StockLot, error)

	// UpdateLots runs fn as one unit of work on the pair's lots.
	UpdateLots(ctx context.Context, customerID, stockCode string, fn func(tx LotTx) error) error

	// --- Transactions ---

	// InsertTransaction appends a new transaction record.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	// GetTransaction retrieves a transaction by its ID.
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)

	// UpdateTransaction rewrites a PENDING transaction. Returns ErrConflict
	// if the stored record is already terminal.
	UpdateTransaction(ctx context.Context, t *model.Transaction) error

	// ListTransactions returns the customer's transactions, oldest first.
	ListTransactions(ctx context.Context, customerID string) ([]model.Transaction, error)
}

// TxRecorder reads and rewrites transaction records inside a unit of work,
// so a ledger mutation and its status change commit together.
type TxRecorder interface {
	Transaction(id string) (*model.Transaction, error)
	SaveTransaction(t *model.Transaction) error
}

// WalletTx is the view of one wallet inside UpdateWallet.
type WalletTx interface {
	TxRecorder

	// Wallet returns the working copy. Changes to it are saved on commit.
	Wallet() *model.Wallet

	Reservation(id string) (*model.Reservation, error)
	PutReservation(r *model.Reservation) error

	// CreditApplied reports whether a credit with this reference has
	// already been booked to the wallet.
	CreditApplied(ref string) (bool, error)
	RecordCredit(ref string) error
}

// LotTx is the view of one (customer, stock) lot set inside UpdateLots.
type LotTx interface {
	TxRecorder

	// Lots returns the pair's lots in FIFO order.
	Lots() ([]model.StockLot, error)
	InsertLot(l *model.StockLot) error
	UpdateLot(l *model.StockLot) error
}

// checkRewrite enforces that only PENDING records change, and only to
// PENDING or a terminal status.
func checkRewrite(stored, next model.TransactionStatus) error {
	if stored != model.TxPending {
		return ErrConflict
	}
	if next != model.TxPending && !stored.CanTransition(next) {
		return ErrConflict
	}
	return nil
}

func cloneTransaction(t *model.Transaction) *model.Transaction {
	c := *t
	if t.LotOutcomes != nil {
		c.LotOutcomes = append([]model.LotOutcome(nil), t.LotOutcomes...)
	}
	return &c
}
