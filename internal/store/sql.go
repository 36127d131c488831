package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/brokerage/position-ledger/internal/model"
)

// OpenSQLite opens a SQLite database through gorm. Use ":memory:" for a
// throwaway database. The pool is pinned to one connection because SQLite
// has a single writer and each in-memory connection is its own database.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// SQLStore implements Store on any gorm dialect; in practice SQLite for
// single-node deployments. Units of work are serialised by a process-wide
// mutex and run inside a gorm transaction.
type SQLStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewSQLStore migrates the tables and returns the store.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&walletRow{}, &reservationRow{}, &creditRefRow{}, &lotRow{}, &transactionRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// --- Rows ---

type walletRow struct {
	CustomerID               string          `gorm:"column:customer_id;primaryKey"`
	Currency                 string          `gorm:"column:currency;not null"`
	Balance                  decimal.Decimal `gorm:"column:balance;type:text;not null"`
	AvailableBalance         decimal.Decimal `gorm:"column:available_balance;type:text;not null"`
	BlockedBalance           decimal.Decimal `gorm:"column:blocked_balance;type:text;not null"`
	DailyLimit               decimal.Decimal `gorm:"column:daily_limit;type:text;not null"`
	MonthlyLimit             decimal.Decimal `gorm:"column:monthly_limit;type:text;not null"`
	MaxTransactionAmount     decimal.Decimal `gorm:"column:max_transaction_amount;type:text;not null"`
	MinTransactionAmount     decimal.Decimal `gorm:"column:min_transaction_amount;type:text;not null"`
	MaxDailyTransactionCount int             `gorm:"column:max_daily_transaction_count;not null"`
	DailyUsed                decimal.Decimal `gorm:"column:daily_used;type:text;not null"`
	MonthlyUsed              decimal.Decimal `gorm:"column:monthly_used;type:text;not null"`
	DailyCount               int             `gorm:"column:daily_count;not null"`
	LastResetDate            time.Time       `gorm:"column:last_reset_date"`
	Status                   string          `gorm:"column:status;not null"`
	CreatedAt                time.Time       `gorm:"column:created_at"`
	UpdatedAt                time.Time       `gorm:"column:updated_at"`
}

func (walletRow) TableName() string { return "wallets" }

func (r *walletRow) toModel() *model.Wallet {
	return &model.Wallet{
		CustomerID:       r.CustomerID,
		Currency:         r.Currency,
		Balance:          r.Balance,
		AvailableBalance: r.AvailableBalance,
		BlockedBalance:   r.BlockedBalance,
		WalletLimits: model.WalletLimits{
			DailyLimit:               r.DailyLimit,
			MonthlyLimit:             r.MonthlyLimit,
			MaxTransactionAmount:     r.MaxTransactionAmount,
			MinTransactionAmount:     r.MinTransactionAmount,
			MaxDailyTransactionCount: r.MaxDailyTransactionCount,
		},
		DailyUsed:     r.DailyUsed,
		MonthlyUsed:   r.MonthlyUsed,
		DailyCount:    r.DailyCount,
		LastResetDate: r.LastResetDate,
		Status:        model.WalletStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func walletRowFrom(w *model.Wallet) *walletRow {
	return &walletRow{
		CustomerID:               w.CustomerID,
		Currency:                 w.Currency,
		Balance:                  w.Balance,
		AvailableBalance:         w.AvailableBalance,
		BlockedBalance:           w.BlockedBalance,
		DailyLimit:               w.DailyLimit,
		MonthlyLimit:             w.MonthlyLimit,
		MaxTransactionAmount:     w.MaxTransactionAmount,
		MinTransactionAmount:     w.MinTransactionAmount,
		MaxDailyTransactionCount: w.MaxDailyTransactionCount,
		DailyUsed:                w.DailyUsed,
		MonthlyUsed:              w.MonthlyUsed,
		DailyCount:               w.DailyCount,
		LastResetDate:            w.LastResetDate,
		Status:                   string(w.Status),
		CreatedAt:                w.CreatedAt,
		UpdatedAt:                w.UpdatedAt,
	}
}

type reservationRow struct {
	ID            string          `gorm:"column:id;primaryKey"`
	CustomerID    string          `gorm:"column:customer_id;index;not null"`
	TransactionID string          `gorm:"column:transaction_id"`
	Type          string          `gorm:"column:type;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:text;not null"`
	Status        string          `gorm:"column:status;not null"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

func (reservationRow) TableName() string { return "reservations" }

type creditRefRow struct {
	CustomerID string `gorm:"column:customer_id;primaryKey"`
	Ref        string `gorm:"column:ref;primaryKey"`
}

func (creditRefRow) TableName() string { return "credit_refs" }

type lotRow struct {
	ID                    string          `gorm:"column:id;primaryKey"`
	CustomerID            string          `gorm:"column:customer_id;index:idx_lots_fifo,priority:1;not null"`
	StockCode             string          `gorm:"column:stock_code;index:idx_lots_fifo,priority:2;not null"`
	Quantity              int64           `gorm:"column:quantity;not null"`
	RemainingQuantity     int64           `gorm:"column:remaining_quantity;not null"`
	Price                 decimal.Decimal `gorm:"column:price;type:text;not null"`
	TransactionID         string          `gorm:"column:transaction_id"`
	PurchaseDate          time.Time       `gorm:"column:purchase_date;index:idx_lots_fifo,priority:3"`
	SettlementReleaseDate time.Time       `gorm:"column:settlement_release_date"`
}

func (lotRow) TableName() string { return "stock_lots" }

func (r *lotRow) toModel() model.StockLot {
	return model.StockLot{
		ID:                    r.ID,
		CustomerID:            r.CustomerID,
		StockCode:             r.StockCode,
		Quantity:              r.Quantity,
		RemainingQuantity:     r.RemainingQuantity,
		Price:                 r.Price,
		TransactionID:         r.TransactionID,
		PurchaseDate:          r.PurchaseDate,
		SettlementReleaseDate: r.SettlementReleaseDate,
	}
}

type transactionRow struct {
	ID            string             `gorm:"column:id;primaryKey"`
	CustomerID    string             `gorm:"column:customer_id;index;not null"`
	OrderID       string             `gorm:"column:order_id"`
	Type          string             `gorm:"column:type;not null"`
	Amount        decimal.Decimal    `gorm:"column:amount;type:text;not null"`
	Commission    decimal.Decimal    `gorm:"column:commission;type:text;not null"`
	StockCode     string             `gorm:"column:stock_code"`
	Quantity      int64              `gorm:"column:quantity"`
	Price         decimal.Decimal    `gorm:"column:price;type:text;not null"`
	Status        string             `gorm:"column:status;not null"`
	LotOutcomes   []model.LotOutcome `gorm:"column:lot_outcomes;type:text;serializer:json"`
	FailureReason string             `gorm:"column:failure_reason"`
	CreatedAt     time.Time          `gorm:"column:created_at"`
	UpdatedAt     time.Time          `gorm:"column:updated_at"`
}

func (transactionRow) TableName() string { return "transactions" }

func (r *transactionRow) toModel() *model.Transaction {
	t := &model.Transaction{
		ID:            r.ID,
		CustomerID:    r.CustomerID,
		OrderID:       r.OrderID,
		Type:          model.TransactionType(r.Type),
		Amount:        r.Amount,
		Commission:    r.Commission,
		StockCode:     r.StockCode,
		Quantity:      r.Quantity,
		Price:         r.Price,
		Status:        model.TransactionStatus(r.Status),
		LotOutcomes:   r.LotOutcomes,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(t.LotOutcomes) == 0 {
		t.LotOutcomes = nil
	}
	return t
}

func transactionRowFrom(t *model.Transaction) *transactionRow {
	return &transactionRow{
		ID:            t.ID,
		CustomerID:    t.CustomerID,
		OrderID:       t.OrderID,
		Type:          string(t.Type),
		Amount:        t.Amount,
		Commission:    t.Commission,
		StockCode:     t.StockCode,
		Quantity:      t.Quantity,
		Price:         t.Price,
		Status:        string(t.Status),
		LotOutcomes:   t.LotOutcomes,
		FailureReason: t.FailureReason,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// --- Wallets ---

func (s *SQLStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(walletRowFrom(w))
	if res.Error != nil {
		return fmt.Errorf("create wallet %s: %w", w.CustomerID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("wallet %s: %w", w.CustomerID, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLStore) GetWallet(ctx context.Context, customerID string) (*model.Wallet, error) {
	w, err := loadWallet(s.db.WithContext(ctx), customerID)
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", customerID, err)
	}
	return w, nil
}

func (s *SQLStore) UpdateWallet(ctx context.Context, customerID string, fn func(tx WalletTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := loadWallet(tx, customerID)
		if err != nil {
			return fmt.Errorf("lock wallet %s: %w", customerID, err)
		}
		if err := fn(&sqlWalletTx{sqlTx: sqlTx{tx: tx}, wallet: w}); err != nil {
			return err
		}
		if err := tx.Save(walletRowFrom(w)).Error; err != nil {
			return fmt.Errorf("save wallet %s: %w", customerID, err)
		}
		return nil
	})
}

// --- Stock lots ---

func (s *SQLStore) ListLots(ctx context.Context, customerID, stockCode string) ([]model.StockLot, error) {
	return loadLots(s.db.WithContext(ctx), customerID, stockCode)
}

func (s *SQLStore) ListLotsByCustomer(ctx context.Context, customerID string) ([]model.StockLot, error) {
	var rows []lotRow
	if err := s.db.WithContext(ctx).Where("customer_id = ?", customerID).
		Order("stock_code, purchase_date, id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	lots := make([]model.StockLot, 0, len(rows))
	for i := range rows {
		lots = append(lots, rows[i].toModel())
	}
	return lots, nil
}

func (s *SQLStore) UpdateLots(ctx context.Context, customerID, stockCode string, fn func(tx LotTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlLotTx{sqlTx: sqlTx{tx: tx}, customerID: customerID, stockCode: stockCode})
	})
}

// --- Transactions ---

func (s *SQLStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(transactionRowFrom(t))
	if res.Error != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := loadTransaction(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLStore) UpdateTransaction(ctx context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTransaction(s.db.WithContext(ctx), t)
}

func (s *SQLStore) ListTransactions(ctx context.Context, customerID string) ([]model.Transaction, error) {
	var rows []transactionRow
	if err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at, id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]model.Transaction, 0, len(rows))
	for i := range rows {
		result = append(result, *rows[i].toModel())
	}
	return result, nil
}

// --- Units of work ---

type sqlTx struct {
	tx *gorm.DB
}

func (t *sqlTx) Transaction(id string) (*model.Transaction, error) {
	return loadTransaction(t.tx, id)
}

func (t *sqlTx) SaveTransaction(rec *model.Transaction) error {
	return saveTransaction(t.tx, rec)
}

type sqlWalletTx struct {
	sqlTx
	wallet *model.Wallet
}

func (t *sqlWalletTx) Wallet() *model.Wallet { return t.wallet }

func (t *sqlWalletTx) Reservation(id string) (*model.Reservation, error) {
	var row reservationRow
	err := t.tx.Where("id = ? AND customer_id = ?", id, t.wallet.CustomerID).First(&row).Error
	if err != nil {
		return nil, fmt.Errorf("get reservation %s: %w", id, gormNotFound(err))
	}
	return &model.Reservation{
		ID:            row.ID,
		CustomerID:    row.CustomerID,
		TransactionID: row.TransactionID,
		Type:          model.TransactionType(row.Type),
		Amount:        row.Amount,
		Status:        model.ReservationStatus(row.Status),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

func (t *sqlWalletTx) PutReservation(r *model.Reservation) error {
	return t.tx.Save(&reservationRow{
		ID:            r.ID,
		CustomerID:    r.CustomerID,
		TransactionID: r.TransactionID,
		Type:          string(r.Type),
		Amount:        r.Amount,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}).Error
}

func (t *sqlWalletTx) CreditApplied(ref string) (bool, error) {
	var n int64
	err := t.tx.Model(&creditRefRow{}).
		Where("customer_id = ? AND ref = ?", t.wallet.CustomerID, ref).
		Count(&n).Error
	return n > 0, err
}

func (t *sqlWalletTx) RecordCredit(ref string) error {
	return t.tx.Create(&creditRefRow{CustomerID: t.wallet.CustomerID, Ref: ref}).Error
}

type sqlLotTx struct {
	sqlTx
	customerID string
	stockCode  string
}

func (t *sqlLotTx) Lots() ([]model.StockLot, error) {
	return loadLots(t.tx, t.customerID, t.stockCode)
}

func (t *sqlLotTx) InsertLot(l *model.StockLot) error {
	return t.tx.Create(&lotRow{
		ID:                    l.ID,
		CustomerID:            l.CustomerID,
		StockCode:             l.StockCode,
		Quantity:              l.Quantity,
		RemainingQuantity:     l.RemainingQuantity,
		Price:                 l.Price,
		TransactionID:         l.TransactionID,
		PurchaseDate:          l.PurchaseDate,
		SettlementReleaseDate: l.SettlementReleaseDate,
	}).Error
}

func (t *sqlLotTx) UpdateLot(l *model.StockLot) error {
	res := t.tx.Model(&lotRow{}).Where("id = ?", l.ID).Update("remaining_quantity", l.RemainingQuantity)
	if res.Error != nil {
		return fmt.Errorf("update lot %s: %w", l.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("lot %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

// --- Helpers ---

func loadWallet(db *gorm.DB, customerID string) (*model.Wallet, error) {
	var row walletRow
	if err := db.Where("customer_id = ?", customerID).First(&row).Error; err != nil {
		return nil, gormNotFound(err)
	}
	return row.toModel(), nil
}

func loadLots(db *gorm.DB, customerID, stockCode string) ([]model.StockLot, error) {
	var rows []lotRow
	if err := db.Where("customer_id = ? AND stock_code = ?", customerID, stockCode).
		Order("purchase_date, id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	lots := make([]model.StockLot, 0, len(rows))
	for i := range rows {
		lots = append(lots, rows[i].toModel())
	}
	return lots, nil
}

func loadTransaction(db *gorm.DB, id string) (*model.Transaction, error) {
	var row transactionRow
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		return nil, gormNotFound(err)
	}
	return row.toModel(), nil
}

func saveTransaction(db *gorm.DB, t *model.Transaction) error {
	if err := checkRewrite(model.TxPending, t.Status); err != nil {
		return fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	res := db.Model(&transactionRow{}).
		Where("id = ? AND status = ?", t.ID, string(model.TxPending)).
		Select("amount", "commission", "status", "lot_outcomes", "failure_reason", "updated_at").
		Updates(transactionRowFrom(t))
	if res.Error != nil {
		return fmt.Errorf("update transaction %s: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.Model(&transactionRow{}).Where("id = ?", t.ID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("transaction %s: %w", t.ID, ErrNotFound)
		}
		return fmt.Errorf("transaction %s: %w", t.ID, ErrConflict)
	}
	return nil
}

func gormNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
