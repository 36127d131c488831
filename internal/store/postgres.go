package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/brokerage/position-ledger/internal/model"
)

//go:embed schema.sql
var Schema string

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Wallet units of work lock the wallet row with SELECT ... FOR UPDATE; lot
// units of work take a transaction-scoped advisory lock on the pair, which
// also covers the first purchase when no row exists yet.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const walletColumns = `customer_id, currency,
	balance::TEXT, available_balance::TEXT, blocked_balance::TEXT,
	daily_limit::TEXT, monthly_limit::TEXT,
	max_transaction_amount::TEXT, min_transaction_amount::TEXT,
	max_daily_transaction_count,
	daily_used::TEXT, monthly_used::TEXT, daily_count,
	last_reset_date, status, created_at, updated_at`

const lotColumns = `id, customer_id, stock_code, quantity, remaining_quantity,
	price::TEXT, transaction_id, purchase_date, settlement_release_date`

const txColumns = `id, customer_id, order_id, type,
	amount::TEXT, commission::TEXT, stock_code, quantity, price::TEXT,
	status, lot_outcomes::TEXT, failure_reason, created_at, updated_at`

// --- Wallets ---

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (customer_id, currency, balance, available_balance, blocked_balance,
		        daily_limit, monthly_limit, max_transaction_amount, min_transaction_amount,
		        max_daily_transaction_count, daily_used, monthly_used, daily_count,
		        last_reset_date, status, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10, $11::NUMERIC, $12::NUMERIC, $13, $14, $15, $16, $17)`,
		w.CustomerID, w.Currency,
		w.Balance.String(), w.AvailableBalance.String(), w.BlockedBalance.String(),
		w.DailyLimit.String(), w.MonthlyLimit.String(),
		w.MaxTransactionAmount.String(), w.MinTransactionAmount.String(),
		w.MaxDailyTransactionCount,
		w.DailyUsed.String(), w.MonthlyUsed.String(), w.DailyCount,
		w.LastResetDate, w.Status, w.CreatedAt, w.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("wallet %s: %w", w.CustomerID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, customerID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE customer_id = $1`, customerID))
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", customerID, err)
	}
	return w, nil
}

func (s *PostgresStore) UpdateWallet(ctx context.Context, customerID string, fn func(tx WalletTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		w, err := scanWallet(tx.QueryRow(ctx,
			`SELECT `+walletColumns+` FROM wallets WHERE customer_id = $1 FOR UPDATE`, customerID))
		if err != nil {
			return fmt.Errorf("lock wallet %s: %w", customerID, err)
		}
		wtx := &pgWalletTx{pgTx: pgTx{ctx: ctx, tx: tx}, wallet: w}
		if err := fn(wtx); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE wallets
			 SET balance = $2::NUMERIC, available_balance = $3::NUMERIC, blocked_balance = $4::NUMERIC,
			     daily_limit = $5::NUMERIC, monthly_limit = $6::NUMERIC,
			     max_transaction_amount = $7::NUMERIC, min_transaction_amount = $8::NUMERIC,
			     max_daily_transaction_count = $9,
			     daily_used = $10::NUMERIC, monthly_used = $11::NUMERIC, daily_count = $12,
			     last_reset_date = $13, status = $14, updated_at = $15
			 WHERE customer_id = $1`,
			w.CustomerID,
			w.Balance.String(), w.AvailableBalance.String(), w.BlockedBalance.String(),
			w.DailyLimit.String(), w.MonthlyLimit.String(),
			w.MaxTransactionAmount.String(), w.MinTransactionAmount.String(),
			w.MaxDailyTransactionCount,
			w.DailyUsed.String(), w.MonthlyUsed.String(), w.DailyCount,
			w.LastResetDate, w.Status, w.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("save wallet %s: %w", customerID, err)
		}
		return nil
	})
}

// --- Stock lots ---

func (s *PostgresStore) ListLots(ctx context.Context, customerID, stockCode string) ([]model.StockLot, error) {
	return queryLots(ctx, s.pool, customerID, stockCode)
}

func (s *PostgresStore) ListLotsByCustomer(ctx context.Context, customerID string) ([]model.StockLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM stock_lots
		 WHERE customer_id = $1
		 ORDER BY stock_code, purchase_date, id`, customerID)
	if err != nil {
		return nil, err
	}
	return scanLots(rows)
}

func (s *PostgresStore) UpdateLots(ctx context.Context, customerID, stockCode string, fn func(tx LotTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
			lotKey(customerID, stockCode)); err != nil {
			return fmt.Errorf("lock lots %s/%s: %w", customerID, stockCode, err)
		}
		return fn(&pgLotTx{
			pgTx:       pgTx{ctx: ctx, tx: tx},
			customerID: customerID,
			stockCode:  stockCode,
		})
	})
}

// --- Transactions ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	outcomes, err := marshalOutcomes(t.LotOutcomes)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO transactions (id, customer_id, order_id, type, amount, commission,
		        stock_code, quantity, price, status, lot_outcomes, failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9::NUMERIC, $10, $11::JSONB, $12, $13, $14)`,
		t.ID, t.CustomerID, t.OrderID, t.Type,
		t.Amount.String(), t.Commission.String(),
		t.StockCode, t.Quantity, t.Price.String(),
		t.Status, outcomes, t.FailureReason, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTransaction(ctx context.Context, t *model.Transaction) error {
	return updatePendingTransaction(ctx, s.pool, t)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, customerID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE customer_id = $1 ORDER BY created_at, id`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// --- Units of work ---

// querier is the subset of pgxpool.Pool and pgx.Tx used by shared helpers.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Transaction(id string) (*model.Transaction, error) {
	rec, err := scanTransaction(t.tx.QueryRow(t.ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return rec, nil
}

func (t *pgTx) SaveTransaction(rec *model.Transaction) error {
	return updatePendingTransaction(t.ctx, t.tx, rec)
}

type pgWalletTx struct {
	pgTx
	wallet *model.Wallet
}

func (t *pgWalletTx) Wallet() *model.Wallet { return t.wallet }

func (t *pgWalletTx) Reservation(id string) (*model.Reservation, error) {
	var r model.Reservation
	var amount string
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, customer_id, transaction_id, type, amount::TEXT, status, created_at, updated_at
		 FROM reservations WHERE id = $1 AND customer_id = $2`, id, t.wallet.CustomerID).
		Scan(&r.ID, &r.CustomerID, &r.TransactionID, &r.Type, &amount, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get reservation %s: %w", id, notFound(err))
	}
	r.Amount, _ = decimal.NewFromString(amount)
	return &r, nil
}

func (t *pgWalletTx) PutReservation(r *model.Reservation) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO reservations (id, customer_id, transaction_id, type, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		r.ID, r.CustomerID, r.TransactionID, r.Type, r.Amount.String(), r.Status, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put reservation %s: %w", r.ID, err)
	}
	return nil
}

func (t *pgWalletTx) CreditApplied(ref string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(t.ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_refs WHERE customer_id = $1 AND ref = $2)`,
		t.wallet.CustomerID, ref).Scan(&exists)
	return exists, err
}

func (t *pgWalletTx) RecordCredit(ref string) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO credit_refs (customer_id, ref) VALUES ($1, $2)`, t.wallet.CustomerID, ref)
	return err
}

type pgLotTx struct {
	pgTx
	customerID string
	stockCode  string
}

func (t *pgLotTx) Lots() ([]model.StockLot, error) {
	return queryLots(t.ctx, t.tx, t.customerID, t.stockCode)
}

func (t *pgLotTx) InsertLot(l *model.StockLot) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO stock_lots (id, customer_id, stock_code, quantity, remaining_quantity,
		        price, transaction_id, purchase_date, settlement_release_date)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		l.ID, l.CustomerID, l.StockCode, l.Quantity, l.RemainingQuantity,
		l.Price.String(), l.TransactionID, l.PurchaseDate, l.SettlementReleaseDate,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("lot %s: %w", l.ID, ErrAlreadyExists)
	}
	return err
}

// UpdateLot writes the remaining quantity; nothing else on a lot changes.
func (t *pgLotTx) UpdateLot(l *model.StockLot) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE stock_lots SET remaining_quantity = $2 WHERE id = $1`, l.ID, l.RemainingQuantity)
	if err != nil {
		return fmt.Errorf("update lot %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

// --- Helpers ---

func queryLots(ctx context.Context, q querier, customerID, stockCode string) ([]model.StockLot, error) {
	rows, err := q.Query(ctx,
		`SELECT `+lotColumns+` FROM stock_lots
		 WHERE customer_id = $1 AND stock_code = $2
		 ORDER BY purchase_date, id`, customerID, stockCode)
	if err != nil {
		return nil, err
	}
	return scanLots(rows)
}

func scanLots(rows pgx.Rows) ([]model.StockLot, error) {
	defer rows.Close()

	var lots []model.StockLot
	for rows.Next() {
		var l model.StockLot
		var price string
		if err := rows.Scan(&l.ID, &l.CustomerID, &l.StockCode, &l.Quantity, &l.RemainingQuantity,
			&price, &l.TransactionID, &l.PurchaseDate, &l.SettlementReleaseDate); err != nil {
			return nil, err
		}
		l.Price, _ = decimal.NewFromString(price)
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func updatePendingTransaction(ctx context.Context, q querier, t *model.Transaction) error {
	if err := checkRewrite(model.TxPending, t.Status); err != nil {
		return fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	outcomes, err := marshalOutcomes(t.LotOutcomes)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		`UPDATE transactions
		 SET amount = $2::NUMERIC, commission = $3::NUMERIC, status = $4,
		     lot_outcomes = $5::JSONB, failure_reason = $6, updated_at = $7
		 WHERE id = $1 AND status = 'PENDING'`,
		t.ID, t.Amount.String(), t.Commission.String(), t.Status,
		outcomes, t.FailureReason, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, t.ID).
			Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("transaction %s: %w", t.ID, ErrNotFound)
		}
		return fmt.Errorf("transaction %s: %w", t.ID, ErrConflict)
	}
	return nil
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var balance, available, blocked, daily, monthly, maxTx, minTx, dailyUsed, monthlyUsed string
	err := row.Scan(&w.CustomerID, &w.Currency,
		&balance, &available, &blocked,
		&daily, &monthly, &maxTx, &minTx,
		&w.MaxDailyTransactionCount,
		&dailyUsed, &monthlyUsed, &w.DailyCount,
		&w.LastResetDate, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	w.Balance, _ = decimal.NewFromString(balance)
	w.AvailableBalance, _ = decimal.NewFromString(available)
	w.BlockedBalance, _ = decimal.NewFromString(blocked)
	w.DailyLimit, _ = decimal.NewFromString(daily)
	w.MonthlyLimit, _ = decimal.NewFromString(monthly)
	w.MaxTransactionAmount, _ = decimal.NewFromString(maxTx)
	w.MinTransactionAmount, _ = decimal.NewFromString(minTx)
	w.DailyUsed, _ = decimal.NewFromString(dailyUsed)
	w.MonthlyUsed, _ = decimal.NewFromString(monthlyUsed)
	return &w, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var amount, commission, price, outcomes string
	err := row.Scan(&t.ID, &t.CustomerID, &t.OrderID, &t.Type,
		&amount, &commission, &t.StockCode, &t.Quantity, &price,
		&t.Status, &outcomes, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	t.Amount, _ = decimal.NewFromString(amount)
	t.Commission, _ = decimal.NewFromString(commission)
	t.Price, _ = decimal.NewFromString(price)
	if err := json.Unmarshal([]byte(outcomes), &t.LotOutcomes); err != nil {
		return nil, fmt.Errorf("decode lot outcomes: %w", err)
	}
	if len(t.LotOutcomes) == 0 {
		t.LotOutcomes = nil
	}
	return &t, nil
}

func marshalOutcomes(o []model.LotOutcome) (string, error) {
	if o == nil {
		return "[]", nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode lot outcomes: %w", err)
	}
	return string(b), nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
