// Package order executes a single buy or sell order against the wallet and
// lot ledgers, moving the order through PENDING → OPEN → FILLED, CANCELED or
// REJECTED and recording the matching Transaction.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerage/position-ledger/internal/lots"
	"github.com/brokerage/position-ledger/internal/metrics"
	"github.com/brokerage/position-ledger/internal/model"
	"github.com/brokerage/position-ledger/internal/ratelimit"
	"github.com/brokerage/position-ledger/internal/settlement"
	"github.com/brokerage/position-ledger/internal/store"
	"github.com/brokerage/position-ledger/internal/wallet"
)

var (
	ErrOrderNotCancellable = errors.New("order: order cannot be cancelled in its current status")
	ErrOrderNotOpenable    = errors.New("order: only PENDING limit orders can be opened")

	// ErrFillIncomplete means the ledger mutation that fills the order was
	// applied but the final cash step failed. The order is FILLED and its
	// Transaction stays PENDING until the step is re-driven.
	ErrFillIncomplete = errors.New("order: fill applied but not finalised")
)

// finalizeAttempts bounds retries of the post-fill wallet step.
const finalizeAttempts = 3

// Config tunes order execution.
type Config struct {
	SettlementDays int             // T+N offset for new lots
	SaleRetryLimit int             // re-plans after a lot conflict
	CommissionRate decimal.Decimal // default rate, overridable per order
}

// DefaultConfig is T+2, three sale retries and a 0.1% commission.
func DefaultConfig() Config {
	return Config{
		SettlementDays: 2,
		SaleRetryLimit: 3,
		CommissionRate: decimal.RequireFromString("0.001"),
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.SettlementDays < 0 {
		return fmt.Errorf("order: settlement days must not be negative, got %d", c.SettlementDays)
	}
	if c.SaleRetryLimit < 0 {
		return fmt.Errorf("order: sale retry limit must not be negative, got %d", c.SaleRetryLimit)
	}
	return validateRate(c.CommissionRate)
}

// Event is published after every execution outcome.
type Event struct {
	Type          string            `json:"type"`
	OrderID       string            `json:"order_id"`
	CustomerID    string            `json:"customer_id"`
	StockCode     string            `json:"stock_code"`
	Side          model.OrderSide   `json:"side"`
	Status        model.OrderStatus `json:"status"`
	Quantity      int64             `json:"quantity"`
	Price         string            `json:"price"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Publisher receives execution events. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// Result is the outcome of Execute. Transaction is nil when the order was
// rejected before any ledger was touched.
type Result struct {
	Order       model.Order        `json:"order"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	RateLimit   ratelimit.Decision `json:"-"`
}

// Coordinator is the OrderExecutionCoordinator. It owns no state of its own.
type Coordinator struct {
	store   store.Store
	limiter ratelimit.Limiter
	wallets *wallet.Ledger
	lots    *lots.Ledger
	clock   *settlement.Clock
	cfg     Config
	pub     Publisher // optional
}

// NewCoordinator wires a coordinator. Pass nil for pub if events are not
// needed.
func NewCoordinator(st store.Store, limiter ratelimit.Limiter, wallets *wallet.Ledger, lotLedger *lots.Ledger, clock *settlement.Clock, cfg Config, pub Publisher) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		store:   st,
		limiter: limiter,
		wallets: wallets,
		lots:    lotLedger,
		clock:   clock,
		cfg:     cfg,
		pub:     pub,
	}, nil
}

// Execute fills the order. Every outcome, success or not, ends in a final
// order status; once a ledger has been touched it also ends in a terminal
// Transaction, except for ErrFillIncomplete.
func (c *Coordinator) Execute(ctx context.Context, o model.Order) (*Result, error) {
	// 1. Admission.
	decision, err := c.admit(ctx, o)
	if err != nil {
		res := c.reject(o, nil, err)
		res.RateLimit = decision
		return res, err
	}
	return c.execute(ctx, o, decision)
}

// execute runs an admitted order from its preconditions to a final status.
func (c *Coordinator) execute(ctx context.Context, o model.Order, decision ratelimit.Decision) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.OrderLatency.WithLabelValues(string(o.Side)).Observe(time.Since(start).Seconds())
	}()

	res, err := c.run(ctx, o)
	res.RateLimit = decision
	return res, err
}

func (c *Coordinator) run(ctx context.Context, o model.Order) (*Result, error) {
	// 2. Preconditions.
	if err := Validate(o); err != nil {
		return c.reject(o, nil, err), err
	}
	if err := ValidateExecutable(o); err != nil {
		return c.reject(o, nil, err), err
	}
	if err := validateAmount(o, c.Commission(o)); err != nil {
		return c.reject(o, nil, err), err
	}

	// 3. Transaction record.
	rec, err := c.beginTransaction(ctx, o)
	if err != nil {
		return c.reject(o, nil, err), err
	}

	// 4. Ledgers.
	switch o.Side {
	case model.Buy:
		err = c.executeBuy(ctx, o, rec)
	case model.Sell:
		err = c.executeSell(ctx, o, rec)
	default:
		err = fmt.Errorf("%w: unhandled side %q", ErrInvalidOrder, o.Side)
	}

	switch {
	case err == nil:
		return c.fill(ctx, o, rec), nil
	case errors.Is(err, ErrFillIncomplete):
		res := c.fill(ctx, o, rec)
		slog.Error("order filled but not finalised",
			"order_id", o.ID,
			"tx_id", rec.ID,
			"customer_id", o.CustomerID,
			"error", err,
		)
		return res, err
	}
	return c.reject(o, rec, err), err
}

// executeBuy holds the cost, records the lot, then commits the hold.
func (c *Coordinator) executeBuy(ctx context.Context, o model.Order, rec *model.Transaction) error {
	reservation, err := c.wallets.AuthorizeDebit(ctx, o.CustomerID, rec.Amount, model.TxStockPurchase, rec.ID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		c.rollback(ctx, reservation)
		return err
	}

	if _, err := c.lots.RecordPurchase(ctx, o.CustomerID, o.StockCode, o.Quantity, o.Price, c.cfg.SettlementDays, rec.ID); err != nil {
		c.rollback(ctx, reservation)
		return err
	}

	// The lot exists; from here the order is no longer cancellable.
	var commitErr error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		if _, commitErr = c.wallets.Commit(context.WithoutCancel(ctx), reservation); commitErr == nil {
			return nil
		}
		slog.Warn("reservation commit failed",
			"order_id", o.ID,
			"reservation_id", reservation.ID,
			"attempt", attempt,
			"error", commitErr,
		)
	}
	return fmt.Errorf("%w: commit reservation %s: %w", ErrFillIncomplete, reservation.ID, commitErr)
}

// executeSell plans and applies the lot consumption, re-planning on
// conflict, then credits the proceeds.
func (c *Coordinator) executeSell(ctx context.Context, o model.Order, rec *model.Transaction) error {
	// Credit needs an active wallet; check before any lot is consumed.
	if err := c.wallets.RequireActive(ctx, o.CustomerID); err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		plan, err := c.lots.AuthorizeSale(ctx, o.CustomerID, o.StockCode, o.Quantity)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err = c.lots.ApplySale(ctx, plan, rec.ID)
		if err == nil {
			break
		}
		if !errors.Is(err, lots.ErrLotConsumptionConflict) || attempt >= c.cfg.SaleRetryLimit {
			return err
		}
		metrics.LotConflictRetries.Inc()
		slog.Warn("lot conflict, re-planning sale",
			"order_id", o.ID,
			"customer_id", o.CustomerID,
			"stock_code", o.StockCode,
			"attempt", attempt+1,
		)
	}

	// Lots are consumed; the credit is idempotent by transaction id.
	if err := c.creditProceeds(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("%w: credit proceeds: %w", ErrFillIncomplete, err)
	}
	return nil
}

func (c *Coordinator) creditProceeds(ctx context.Context, rec *model.Transaction) error {
	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		if err = c.wallets.Credit(ctx, rec.CustomerID, rec.Amount, model.TxStockSale, rec.ID); err == nil {
			return nil
		}
		if errors.Is(err, wallet.ErrWalletNotActive) || errors.Is(err, wallet.ErrWalletNotFound) {
			return err
		}
		slog.Warn("proceeds credit failed", "tx_id", rec.ID, "attempt", attempt, "error", err)
	}
	return err
}

// RetryProceeds re-drives the credit of a sale left PENDING by
// ErrFillIncomplete. It is a no-op for a sale already completed.
func (c *Coordinator) RetryProceeds(ctx context.Context, txID string) (*model.Transaction, error) {
	rec, err := c.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if rec.Type != model.TxStockSale {
		return nil, fmt.Errorf("%w: transaction %s is %s, not a sale", ErrInvalidOrder, txID, rec.Type)
	}
	if rec.Status != model.TxPending {
		return rec, nil
	}
	if len(rec.LotOutcomes) == 0 {
		return nil, fmt.Errorf("%w: sale %s has no applied lots", ErrInvalidOrder, txID)
	}
	if err := c.creditProceeds(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("sale proceeds credited", "tx_id", txID, "customer_id", rec.CustomerID)
	return c.store.GetTransaction(ctx, txID)
}

// Open moves a PENDING limit order to OPEN, where it waits for a trigger.
func (c *Coordinator) Open(ctx context.Context, o model.Order) (*Result, error) {
	decision, err := c.admit(ctx, o)
	if err != nil {
		return &Result{Order: o, RateLimit: decision}, err
	}
	res := &Result{Order: o, RateLimit: decision}
	if err := Validate(o); err != nil {
		return res, err
	}
	if o.Category != model.Limit || o.Status != model.OrderPending {
		return res, fmt.Errorf("%w: %s %s", ErrOrderNotOpenable, o.Category, o.Status)
	}
	res.Order.Status = model.OrderOpen
	res.Order.UpdatedAt = c.clock.Now()
	slog.Info("order opened", "order_id", o.ID, "customer_id", o.CustomerID, "stock_code", o.StockCode)
	return res, nil
}

// Cancel moves a PENDING or OPEN order to CANCELED.
func (c *Coordinator) Cancel(ctx context.Context, o model.Order) (*Result, error) {
	decision, err := c.admit(ctx, o)
	if err != nil {
		return &Result{Order: o, RateLimit: decision}, err
	}
	res := &Result{Order: o, RateLimit: decision}
	switch o.Status {
	case model.OrderPending, model.OrderOpen:
	default:
		return res, fmt.Errorf("%w: %s", ErrOrderNotCancellable, o.Status)
	}
	res.Order.Status = model.OrderCanceled
	res.Order.UpdatedAt = c.clock.Now()
	slog.Info("order canceled", "order_id", o.ID, "customer_id", o.CustomerID)
	c.publish(res.Order, nil, "order_canceled", "")
	return res, nil
}

// ExecuteIfTriggered fills an OPEN or PENDING order when the market price
// satisfies its limit. An order that is not triggered, or whose check is
// throttled, comes back unchanged with no Transaction.
func (c *Coordinator) ExecuteIfTriggered(ctx context.Context, o model.Order, marketPrice decimal.Decimal) (*Result, error) {
	decision, err := c.admit(ctx, o)
	if err != nil {
		return &Result{Order: o, RateLimit: decision}, err
	}
	if err := ValidateExecutable(o); err != nil {
		return &Result{Order: o, RateLimit: decision}, err
	}
	if !o.LimitTriggered(marketPrice) {
		return &Result{Order: o, RateLimit: decision}, nil
	}
	return c.execute(ctx, o, decision)
}

// Commission is notional × rate, rounded to cents.
func (c *Coordinator) Commission(o model.Order) decimal.Decimal {
	rate := c.cfg.CommissionRate
	if o.CommissionRate != nil {
		rate = *o.CommissionRate
	}
	return o.Notional().Mul(rate).Round(2)
}

// --- helpers ---

// admit takes one token from the customer's bucket.
func (c *Coordinator) admit(ctx context.Context, o model.Order) (ratelimit.Decision, error) {
	decision, err := c.limiter.Admit(ctx, o.CustomerID)
	if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		metrics.RateLimitRejections.WithLabelValues("order").Inc()
		slog.Warn("order rate limited", "order_id", o.ID, "customer_id", o.CustomerID)
	}
	return decision, err
}

func (c *Coordinator) beginTransaction(ctx context.Context, o model.Order) (*model.Transaction, error) {
	notional := o.Notional()
	commission := c.Commission(o)

	txType, amount := model.TxStockPurchase, notional.Add(commission)
	if o.Side == model.Sell {
		txType, amount = model.TxStockSale, notional.Sub(commission)
	}

	now := c.clock.Now()
	rec := &model.Transaction{
		ID:         uuid.New().String(),
		CustomerID: o.CustomerID,
		OrderID:    o.ID,
		Type:       txType,
		Amount:     amount,
		Commission: commission,
		StockCode:  o.StockCode,
		Quantity:   o.Quantity,
		Price:      o.Price,
		Status:     model.TxPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.store.InsertTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("record order transaction: %w", err)
	}
	return rec, nil
}

func (c *Coordinator) rollback(ctx context.Context, r *model.Reservation) {
	if err := c.wallets.Rollback(context.WithoutCancel(ctx), r); err != nil {
		slog.Error("reservation rollback failed",
			"customer_id", r.CustomerID,
			"reservation_id", r.ID,
			"error", err,
		)
	}
}

func (c *Coordinator) fill(ctx context.Context, o model.Order, rec *model.Transaction) *Result {
	o.Status = model.OrderFilled
	o.UpdatedAt = c.clock.Now()

	if fresh, err := c.store.GetTransaction(context.WithoutCancel(ctx), rec.ID); err == nil {
		rec = fresh
	} else {
		slog.Error("failed to reload order transaction", "tx_id", rec.ID, "error", err)
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	metrics.SharesTraded.WithLabelValues(o.StockCode, string(o.Side)).Add(float64(o.Quantity))
	slog.Info("order filled",
		"order_id", o.ID,
		"customer_id", o.CustomerID,
		"stock_code", o.StockCode,
		"side", o.Side,
		"quantity", o.Quantity,
		"price", o.Price.String(),
		"tx_id", rec.ID,
		"tx_status", rec.Status,
	)
	c.publish(o, rec, "order_filled", "")
	return &Result{Order: o, Transaction: rec}
}

// reject ends the order as REJECTED, or CANCELED when the caller cancelled,
// and closes its Transaction when one was recorded.
func (c *Coordinator) reject(o model.Order, rec *model.Transaction, cause error) *Result {
	orderStatus, txStatus := model.OrderRejected, model.TxFailed
	if errors.Is(cause, context.Canceled) {
		orderStatus, txStatus = model.OrderCanceled, model.TxCancelled
	}
	o.Status = orderStatus
	o.UpdatedAt = c.clock.Now()

	if rec != nil {
		rec.Status = txStatus
		rec.FailureReason = cause.Error()
		rec.UpdatedAt = o.UpdatedAt
		if err := c.store.UpdateTransaction(context.Background(), rec); err != nil {
			slog.Error("failed to close order transaction", "tx_id", rec.ID, "status", txStatus, "error", err)
		}
	}

	reason := Reason(cause)
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	metrics.OrderRejections.WithLabelValues(reason).Inc()
	slog.Warn("order not filled",
		"order_id", o.ID,
		"customer_id", o.CustomerID,
		"stock_code", o.StockCode,
		"side", o.Side,
		"status", o.Status,
		"reason", reason,
		"error", cause,
	)
	c.publish(o, rec, "order_rejected", reason)
	return &Result{Order: o, Transaction: rec}
}

func (c *Coordinator) publish(o model.Order, rec *model.Transaction, kind, reason string) {
	if c.pub == nil {
		return
	}
	e := Event{
		Type:       kind,
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		StockCode:  o.StockCode,
		Side:       o.Side,
		Status:     o.Status,
		Quantity:   o.Quantity,
		Price:      o.Price.String(),
		Reason:     reason,
	}
	if rec != nil {
		e.TransactionID = rec.ID
	}
	c.pub.Publish(e)
}

// Reason names the error kind for metrics and events.
func Reason(err error) string {
	var limitErr *wallet.LimitExceededError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrOrderNotExecutable):
		return "not_executable"
	case errors.Is(err, wallet.ErrWalletNotFound):
		return "wallet_not_found"
	case errors.Is(err, wallet.ErrWalletNotActive):
		return "wallet_not_active"
	case errors.As(err, &limitErr):
		return "limit_" + string(limitErr.Kind)
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, lots.ErrInsufficientAvailableStock):
		return "insufficient_stock"
	case errors.Is(err, lots.ErrLotConsumptionConflict):
		return "lot_conflict"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "internal"
}
