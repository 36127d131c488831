package order

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/brokerage/position-ledger/internal/model"
)

var (
	// ErrInvalidOrder wraps every precondition failure.
	ErrInvalidOrder = errors.New("order: invalid order")

	// ErrOrderNotExecutable is returned for an order that is already terminal.
	ErrOrderNotExecutable = errors.New("order: order is not executable in its current status")
)

var stockCodePattern = regexp.MustCompile(`^[A-Z0-9]{1,12}$`)

// Validate checks everything about an order that does not need the ledgers.
func Validate(o model.Order) error {
	if o.CustomerID == "" {
		return fmt.Errorf("%w: customer_id is required", ErrInvalidOrder)
	}
	if !stockCodePattern.MatchString(o.StockCode) {
		return fmt.Errorf("%w: stock_code %q must be 1-12 uppercase letters or digits", ErrInvalidOrder, o.StockCode)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	switch o.Side {
	case model.Buy, model.Sell:
	default:
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrInvalidOrder, o.Side)
	}
	switch o.Category {
	case model.Market, model.Limit:
	default:
		return fmt.Errorf("%w: category must be MARKET or LIMIT, got %q", ErrInvalidOrder, o.Category)
	}
	if o.CommissionRate != nil {
		if err := validateRate(*o.CommissionRate); err != nil {
			return err
		}
	}
	return nil
}

// ValidateExecutable checks that the order may still be filled.
func ValidateExecutable(o model.Order) error {
	switch o.Status {
	case model.OrderPending, model.OrderOpen:
		return nil
	case "":
		return fmt.Errorf("%w: status is required", ErrInvalidOrder)
	}
	return fmt.Errorf("%w: %s", ErrOrderNotExecutable, o.Status)
}

func validateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: commission rate %s must be in [0, 1)", ErrInvalidOrder, rate)
	}
	return nil
}

// validateAmount rejects an order whose cash leg would not be positive once
// commission is applied. It runs before any ledger is touched, so a SELL
// whose commission eats the proceeds never consumes a lot.
func validateAmount(o model.Order, commission decimal.Decimal) error {
	notional := o.Notional()
	if o.Side == model.Sell {
		if proceeds := notional.Sub(commission); !proceeds.IsPositive() {
			return fmt.Errorf("%w: proceeds %s after commission %s must be positive", ErrInvalidOrder, proceeds, commission)
		}
		return nil
	}
	if debit := notional.Add(commission); !debit.IsPositive() {
		return fmt.Errorf("%w: debit %s must be positive", ErrInvalidOrder, debit)
	}
	return nil
}
