// Package lots owns stock positions as discrete purchase lots. Sales consume
// lots oldest first among those past their settlement window; the blocked
// remainder stays unavailable until its release date.
package lots

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
	ErrInvalidQuantity = errors.New("lots: quantity must be positive")

	// ErrInsufficientAvailableStock is the sentinel every
	// *InsufficientStockError unwraps to.
	ErrInsufficientAvailableStock = errors.New("lots: insufficient available stock")

	// ErrLotConsumptionConflict means a lot changed between AuthorizeSale and
	// ApplySale. The caller re-plans from AuthorizeSale.
	ErrLotConsumptionConflict = errors.New("lots: lot changed since sale was planned")
)

// InsufficientStockError carries the position a sale was rejected against.
type InsufficientStockError struct {
	Requested  int64
	TotalOwned int64
	Blocked    int64
	Available  int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("lots: insufficient available stock (requested %d, owned %d, blocked %d, available %d)",
		e.Requested, e.TotalOwned, e.Blocked, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientAvailableStock }

// LotConsumption is one step of a sale plan. RemainingBefore is the lot's
// remaining quantity when the plan was made; ApplySale only proceeds while
// it still holds.
type LotConsumption struct {
	LotID           string    `json:"lot_id"`
	PurchaseDate    time.Time `json:"purchase_date"`
	RemainingBefore int64     `json:"remaining_before"`
	Amount          int64     `json:"amount"`
}

// SalePlan is a dry run of a sale: the lots it would consume, oldest first.
type SalePlan struct {
	CustomerID   string
	StockCode    string
	Requested    int64
	Position     model.PositionSummary
	Consumptions []LotConsumption
}

// SaleOutcome is the applied result of a SalePlan.
type SaleOutcome struct {
	Sold     int64
	Outcomes []model.LotOutcome
}

// Ledger is the StockLotLedger. Every mutation of a (customer, stock) pair
// runs inside the store's unit of work for that pair.
type Ledger struct {
	store store.Store
	clock *settlement.Clock
}

// NewLedger creates a lot ledger.
func NewLedger(st store.Store, clock *settlement.Clock) *Ledger {
	return &Ledger{store: st, clock: clock}
}

// RecordPurchase adds a lot of quantity shares bought at price, blocked until
// settlementDays after today. txID links the lot to its purchase Transaction.
func (l *Ledger) RecordPurchase(ctx context.Context, customerID, stockCode string, quantity int64, price decimal.Decimal, settlementDays int, txID string) (*model.StockLot, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if settlementDays < 0 {
		return nil, fmt.Errorf("lots: settlement days must not be negative, got %d", settlementDays)
	}

	now := l.clock.Now()
	lot := &model.StockLot{
		ID:                    uuid.New().String(),
		CustomerID:            customerID,
		StockCode:             stockCode,
		Quantity:              quantity,
		RemainingQuantity:     quantity,
		Price:                 price,
		TransactionID:         txID,
		PurchaseDate:          now,
		SettlementReleaseDate: l.clock.ReleaseDate(now, settlementDays),
	}
	err := l.store.UpdateLots(ctx, customerID, stockCode, func(tx store.LotTx) error {
		return tx.InsertLot(lot)
	})
	if err != nil {
		return nil, fmt.Errorf("record purchase: %w", err)
	}

	slog.Info("lot recorded",
		"customer_id", customerID,
		"stock_code", stockCode,
		"lot_id", lot.ID,
		"quantity", quantity,
		"release_date", lot.SettlementReleaseDate.Format(time.DateOnly),
	)
	return lot, nil
}

// Position summarises the pair's holdings as of now.
func (l *Ledger) Position(ctx context.Context, customerID, stockCode string) (model.PositionSummary, error) {
	lots, err := l.store.ListLots(ctx, customerID, stockCode)
	if err != nil {
		return model.PositionSummary{}, err
	}
	return l.summarize(customerID, stockCode, lots, l.clock.Now()), nil
}

// Portfolio summarises every stock the customer still holds, ordered by
// stock code. Average cost is weighted by remaining quantity, so consumed
// shares drop out of it. Stocks sold out entirely are omitted.
func (l *Ledger) Portfolio(ctx context.Context, customerID string) ([]model.Holding, error) {
	lots, err := l.store.ListLotsByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	holdings := []model.Holding{}
	for start := 0; start < len(lots); {
		end := start
		for end < len(lots) && lots[end].StockCode == lots[start].StockCode {
			end++
		}
		group := lots[start:end]
		start = end

		pos := l.summarize(customerID, group[0].StockCode, group, now)
		if pos.TotalOwned == 0 {
			continue
		}
		basis := decimal.Zero
		for _, lot := range group {
			basis = basis.Add(lot.Price.Mul(decimal.NewFromInt(lot.RemainingQuantity)))
		}
		holdings = append(holdings, model.Holding{
			PositionSummary: pos,
			CostBasis:       basis,
			AverageCost:     basis.Div(decimal.NewFromInt(pos.TotalOwned)).Round(4),
		})
	}
	return holdings, nil
}

// Lots returns every lot of the pair in FIFO order, fully consumed ones
// included.
func (l *Ledger) Lots(ctx context.Context, customerID, stockCode string) ([]model.StockLot, error) {
	return l.store.ListLots(ctx, customerID, stockCode)
}

// AuthorizeSale plans a sale of quantity shares without changing anything.
// Lots are read under the pair's lock so the plan never sees a half-applied
// sale.
func (l *Ledger) AuthorizeSale(ctx context.Context, customerID, stockCode string, quantity int64) (*SalePlan, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	var plan *SalePlan
	err := l.store.UpdateLots(ctx, customerID, stockCode, func(tx store.LotTx) error {
		lots, err := tx.Lots()
		if err != nil {
			return err
		}
		plan, err = l.plan(customerID, stockCode, lots, quantity, l.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// plan selects unblocked lots oldest first until quantity is covered. lots
// must be in FIFO order.
func (l *Ledger) plan(customerID, stockCode string, lots []model.StockLot, quantity int64, now time.Time) (*SalePlan, error) {
	pos := l.summarize(customerID, stockCode, lots, now)
	if quantity > pos.Available {
		return nil, &InsufficientStockError{
			Requested:  quantity,
			TotalOwned: pos.TotalOwned,
			Blocked:    pos.Blocked,
			Available:  pos.Available,
		}
	}

	plan := &SalePlan{
		CustomerID: customerID,
		StockCode:  stockCode,
		Requested:  quantity,
		Position:   pos,
	}
	need := quantity
	for _, lot := range lots {
		if need == 0 {
			break
		}
		if lot.RemainingQuantity == 0 || l.clock.IsBlocked(lot.SettlementReleaseDate, now) {
			continue
		}
		take := min(need, lot.RemainingQuantity)
		plan.Consumptions = append(plan.Consumptions, LotConsumption{
			LotID:           lot.ID,
			PurchaseDate:    lot.PurchaseDate,
			RemainingBefore: lot.RemainingQuantity,
			Amount:          take,
		})
		need -= take
	}
	return plan, nil
}

// ApplySale executes a plan. Each lot must still hold exactly the remaining
// quantity the plan saw, otherwise nothing is applied and
// ErrLotConsumptionConflict is returned. When txID names a PENDING
// Transaction its lot outcomes are recorded in the same unit of work; the
// Transaction stays PENDING.
func (l *Ledger) ApplySale(ctx context.Context, plan *SalePlan, txID string) (*SaleOutcome, error) {
	if plan == nil || len(plan.Consumptions) == 0 {
		return nil, ErrInvalidQuantity
	}

	var out *SaleOutcome
	err := l.store.UpdateLots(ctx, plan.CustomerID, plan.StockCode, func(tx store.LotTx) error {
		lots, err := tx.Lots()
		if err != nil {
			return err
		}
		byID := make(map[string]model.StockLot, len(lots))
		for _, lot := range lots {
			byID[lot.ID] = lot
		}

		res := &SaleOutcome{Outcomes: make([]model.LotOutcome, 0, len(plan.Consumptions))}
		for _, c := range plan.Consumptions {
			lot, ok := byID[c.LotID]
			if !ok || lot.RemainingQuantity != c.RemainingBefore || c.Amount <= 0 || c.Amount > lot.RemainingQuantity {
				return fmt.Errorf("%w: lot %s", ErrLotConsumptionConflict, c.LotID)
			}
			lot.RemainingQuantity -= c.Amount
			if err := tx.UpdateLot(&lot); err != nil {
				return err
			}

			status := model.TxPartiallySold
			if lot.RemainingQuantity == 0 {
				status = model.TxSold
			}
			res.Outcomes = append(res.Outcomes, model.LotOutcome{
				LotID:     lot.ID,
				Consumed:  c.Amount,
				Remaining: lot.RemainingQuantity,
				Status:    status,
			})
			res.Sold += c.Amount
		}

		if txID != "" {
			rec, err := tx.Transaction(txID)
			if err != nil {
				return fmt.Errorf("load sale transaction: %w", err)
			}
			rec.LotOutcomes = res.Outcomes
			rec.UpdatedAt = l.clock.Now()
			if err := tx.SaveTransaction(rec); err != nil {
				return err
			}
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("sale applied",
		"customer_id", plan.CustomerID,
		"stock_code", plan.StockCode,
		"tx_id", txID,
		"quantity", out.Sold,
		"lots", len(out.Outcomes),
	)
	return out, nil
}

func (l *Ledger) summarize(customerID, stockCode string, lots []model.StockLot, now time.Time) model.PositionSummary {
	pos := model.PositionSummary{CustomerID: customerID, StockCode: stockCode}
	for _, lot := range lots {
		pos.TotalOwned += lot.RemainingQuantity
		if l.clock.IsBlocked(lot.SettlementReleaseDate, now) {
			pos.Blocked += lot.RemainingQuantity
		}
	}
	pos.Available = pos.TotalOwned - pos.Blocked
	return pos
}
