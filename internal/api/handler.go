// Package api exposes the wallet, position and order operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/brokerage/position-ledger/internal/lots"
	"github.com/brokerage/position-ledger/internal/model"
	"github.com/brokerage/position-ledger/internal/order"
	"github.com/brokerage/position-ledger/internal/ratelimit"
	"github.com/brokerage/position-ledger/internal/store"
	"github.com/brokerage/position-ledger/internal/wallet"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	wallets *wallet.Ledger
	lots    *lots.Ledger
	orders  *order.Coordinator
	store   store.Store
}

// NewHandler creates the API handler.
func NewHandler(wallets *wallet.Ledger, lotLedger *lots.Ledger, orders *order.Coordinator, st store.Store) *Handler {
	return &Handler{wallets: wallets, lots: lotLedger, orders: orders, store: st}
}

// Routes builds the /api/v1 router. Order routes are admitted by the
// coordinator per customer; every other route is limited per client IP.
// The WebSocket route is mounted by the server, outside the request timeout.
func (h *Handler) Routes(limiter ratelimit.Limiter) chi.Router {
	r := chi.NewRouter()

	r.Route("/orders", func(r chi.Router) {
		r.Post("/execute", h.ExecuteOrder)
		r.Post("/trigger", h.TriggerOrder)
		r.Post("/open", h.OpenOrder)
		r.Post("/cancel", h.CancelOrder)
	})

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(limiter))

		r.Post("/wallets", h.CreateWallet)
		r.Get("/wallets/{customerID}", h.GetWallet)
		r.Post("/wallets/{customerID}/deposit", h.Deposit)
		r.Post("/wallets/{customerID}/withdraw", h.Withdraw)
		r.Put("/wallets/{customerID}/limits", h.UpdateLimits)
		r.Put("/wallets/{customerID}/status", h.SetStatus)

		r.Get("/positions/{customerID}", h.GetPortfolio)
		r.Get("/positions/{customerID}/{stockCode}", h.GetPosition)

		r.Get("/transactions/{customerID}", h.ListTransactions)
		r.Post("/sales/{txID}/retry-proceeds", h.RetryProceeds)
	})

	return r
}

// --- Request/Response types ---

// CreateWalletRequest is the JSON body for POST /wallets. Omitted limits
// take the configured defaults.
type CreateWalletRequest struct {
	CustomerID string              `json:"customer_id"`
	Limits     *model.WalletLimits `json:"limits,omitempty"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// StatusRequest is the JSON body for PUT /wallets/{customerID}/status.
type StatusRequest struct {
	Status model.WalletStatus `json:"status"`
}

// TriggerRequest is the JSON body for POST /orders/trigger.
type TriggerRequest struct {
	Order       model.Order     `json:"order"`
	MarketPrice decimal.Decimal `json:"market_price"`
}

// PositionResponse is returned from GET /positions/{customerID}/{stockCode}.
type PositionResponse struct {
	Position model.PositionSummary `json:"position"`
	Lots     []model.StockLot      `json:"lots"`
}

// --- Wallet handlers ---

// CreateWallet handles POST /api/v1/wallets
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CustomerID == "" {
		writeError(w, "invalid_request", "customer_id is required", http.StatusBadRequest)
		return
	}
	var limits model.WalletLimits
	if req.Limits != nil {
		limits = *req.Limits
	}

	wl, err := h.wallets.CreateWallet(r.Context(), req.CustomerID, limits)
	if err != nil {
		writeLedgerError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, wl)
}

// GetWallet handles GET /api/v1/wallets/{customerID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := h.wallets.Wallet(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		writeLedgerError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// Deposit handles POST /api/v1/wallets/{customerID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := h.wallets.Deposit(r.Context(), chi.URLParam(r, "customerID"), req.Amount)
	if err != nil {
		writeLedgerError(w, err, rec)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Withdraw handles POST /api/v1/wallets/{customerID}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := h.wallets.Withdraw(r.Context(), chi.URLParam(r, "customerID"), req.Amount)
	if err != nil {
		writeLedgerError(w, err, rec)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// UpdateLimits handles PUT /api/v1/wallets/{customerID}/limits
func (h *Handler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	var limits model.WalletLimits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		writeError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return
	}
	wl, err := h.wallets.UpdateLimits(r.Context(), chi.URLParam(r, "customerID"), limits)
	if err != nil {
		writeLedgerError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// SetStatus handles PUT /api/v1/wallets/{customerID}/status
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return
	}
	wl, err := h.wallets.SetStatus(r.Context(), chi.URLParam(r, "customerID"), req.Status)
	if err != nil {
		writeLedgerError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// --- Position and transaction queries ---

// GetPortfolio handles GET /api/v1/positions/{customerID}
// Returns every stock still held with its remaining-quantity-weighted
// average cost.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.lots.Portfolio(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		writeLedgerError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// GetPosition handles GET /api/v1/positions/{customerID}/{stockCode}
// Returns the derived position and every lot, fully consumed ones included.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	stockCode := chi.URLParam(r, "stockCode")
	ctx := r.Context()

	pos, err := h.lots.Position(ctx, customerID, stockCode)
	if err != nil {
		writeLedgerError(w, err, nil)
		return
	}
	lotList, err := h.lots.Lots(ctx, customerID, stockCode)
	if err != nil {
		writeLedgerError(w, err, nil)
		return
	}
	if lotList == nil {
		lotList = []model.StockLot{}
	}
	writeJSON(w, http.StatusOK, PositionResponse{Position: pos, Lots: lotList})
}

// ListTransactions handles GET /api/v1/transactions/{customerID}
// Supports ?limit=N to return only the most recent N records.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListTransactions(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		writeLedgerError(w, err, nil)
		return
	}
	if list == nil {
		list = []model.Transaction{}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "invalid_request", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if n < len(list) {
			list = list[len(list)-n:]
		}
	}
	writeJSON(w, http.StatusOK, list)
}

// RetryProceeds handles POST /api/v1/sales/{txID}/retry-proceeds
func (h *Handler) RetryProceeds(w http.ResponseWriter, r *http.Request) {
	rec, err := h.orders.RetryProceeds(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		writeLedgerError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Order handlers ---

// ExecuteOrder handles POST /api/v1/orders/execute
func (h *Handler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var o model.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.orders.Execute(r.Context(), o)
	writeOrderResult(w, res, err)
}

// TriggerOrder handles POST /api/v1/orders/trigger
// Fills the order only when the market price satisfies its limit.
func (h *Handler) TriggerOrder(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.orders.ExecuteIfTriggered(r.Context(), req.Order, req.MarketPrice)
	writeOrderResult(w, res, err)
}

// OpenOrder handles POST /api/v1/orders/open
func (h *Handler) OpenOrder(w http.ResponseWriter, r *http.Request) {
	var o model.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.orders.Open(r.Context(), o)
	writeOrderResult(w, res, err)
}

// CancelOrder handles POST /api/v1/orders/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var o model.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.orders.Cancel(r.Context(), o)
	writeOrderResult(w, res, err)
}

func writeOrderResult(w http.ResponseWriter, res *order.Result, err error) {
	if res != nil {
		setRateHeaders(w, res.RateLimit)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, order.ErrFillIncomplete):
		// Shares moved; the cash leg is pending reconciliation.
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeLedgerError(w, err, res)
	}
}
