package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/brokerage/position-ledger/internal/lots"
	"github.com/brokerage/position-ledger/internal/model"
	"github.com/brokerage/position-ledger/internal/order"
	"github.com/brokerage/position-ledger/internal/ratelimit"
	"github.com/brokerage/position-ledger/internal/store"
	"github.com/brokerage/position-ledger/internal/wallet"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Result  any    `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeLedgerError maps a ledger error to its status code. result, when
// non-nil, is echoed so callers see the final order state.
func writeLedgerError(w http.ResponseWriter, err error, result any) {
	status, code := classify(err)
	switch r := result.(type) {
	case *model.Transaction:
		if r == nil {
			result = nil
		}
	case *order.Result:
		if r == nil {
			result = nil
		}
	}
	resp := errorResponse{Error: code, Message: err.Error(), Result: result}

	var stockErr *lots.InsufficientStockError
	var limitErr *wallet.LimitExceededError
	switch {
	case errors.As(err, &stockErr):
		resp.Details = map[string]int64{
			"requested":   stockErr.Requested,
			"total_owned": stockErr.TotalOwned,
			"blocked":     stockErr.Blocked,
			"available":   stockErr.Available,
		}
	case errors.As(err, &limitErr):
		resp.Details = map[string]string{
			"kind":      string(limitErr.Kind),
			"limit":     limitErr.Limit.String(),
			"used":      limitErr.Used.String(),
			"requested": limitErr.Requested.String(),
		}
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate_limited"

	case errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, wallet.ErrReservationNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, wallet.ErrWalletExists),
		errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, wallet.ErrWalletNotActive):
		return http.StatusConflict, "wallet_not_active"
	case errors.Is(err, order.ErrOrderNotCancellable),
		errors.Is(err, order.ErrOrderNotOpenable),
		errors.Is(err, order.ErrOrderNotExecutable),
		errors.Is(err, wallet.ErrReservationReleased),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, lots.ErrLotConsumptionConflict):
		return http.StatusConflict, "lot_conflict"

	case errors.Is(err, wallet.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, lots.ErrInsufficientAvailableStock):
		return http.StatusUnprocessableEntity, "insufficient_stock"

	case errors.Is(err, order.ErrInvalidOrder),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidLimits),
		errors.Is(err, wallet.ErrInvalidStatus),
		errors.Is(err, lots.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_request"

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}
