package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderCategory is MARKET or LIMIT.
type OrderCategory string

const (
	Market OrderCategory = "MARKET"
	Limit  OrderCategory = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderOpen     OrderStatus = "OPEN"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
)

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

// Order is owned by the order placement layer. The ledger engine only reads
// it and transitions its Status as a side effect of execution.
type Order struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	StockCode  string          `json:"stock_code"`
	Side       OrderSide       `json:"side"`
	Category   OrderCategory   `json:"category"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Status     OrderStatus     `json:"status"`

	// CommissionRate overrides the default rate for this customer when set.
	CommissionRate *decimal.Decimal `json:"commission_rate,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Notional returns price × quantity.
func (o Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// LimitTriggered reports whether a LIMIT order should fill at the given
// market price: a buy fills at or below its limit, a sell at or above it.
// MARKET orders always trigger.
func (o Order) LimitTriggered(marketPrice decimal.Decimal) bool {
	switch o.Category {
	case Market:
		return true
	case Limit:
		switch o.Side {
		case Buy:
			return marketPrice.LessThanOrEqual(o.Price)
		case Sell:
			return marketPrice.GreaterThanOrEqual(o.Price)
		}
	}
	return false
}
