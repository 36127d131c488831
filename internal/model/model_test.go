package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTransactionStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to TransactionStatus
		want     bool
	}{
		{TxPending, TxCompleted, true},
		{TxPending, TxFailed, true},
		{TxPending, TxCancelled, true},
		{TxPending, TxSettled, true},
		{TxPending, TxPending, false},
		{TxPending, TxSold, false},
		{TxCompleted, TxCancelled, false},
		{TxCompleted, TxFailed, false},
		{TxFailed, TxCompleted, false},
		{TxCancelled, TxCompleted, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%s -> %s: expected %v, got %v", c.from, c.to, c.want, got)
		}
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderFilled, OrderCanceled, OrderRejected} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderPending, OrderOpen} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrder_Notional(t *testing.T) {
	o := Order{Quantity: 12, Price: decimal.RequireFromString("10.25")}
	if !o.Notional().Equal(decimal.RequireFromString("123")) {
		t.Errorf("expected notional 123, got %s", o.Notional())
	}
}

func TestOrder_LimitTriggered(t *testing.T) {
	limit := decimal.NewFromInt(100)
	buy := Order{Side: Buy, Category: Limit, Price: limit}
	sell := Order{Side: Sell, Category: Limit, Price: limit}

	if !buy.LimitTriggered(decimal.NewFromInt(99)) {
		t.Error("buy limit should trigger below the limit price")
	}
	if !buy.LimitTriggered(limit) {
		t.Error("buy limit should trigger at the limit price")
	}
	if buy.LimitTriggered(decimal.NewFromInt(101)) {
		t.Error("buy limit should not trigger above the limit price")
	}
	if !sell.LimitTriggered(decimal.NewFromInt(101)) {
		t.Error("sell limit should trigger above the limit price")
	}
	if sell.LimitTriggered(decimal.NewFromInt(99)) {
		t.Error("sell limit should not trigger below the limit price")
	}

	market := Order{Side: Buy, Category: Market, Price: limit}
	if !market.LimitTriggered(decimal.NewFromInt(1000)) {
		t.Error("market orders always trigger")
	}
}
