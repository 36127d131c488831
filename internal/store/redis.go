package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brokerage/position-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// wallet and position reads. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary. Units
// of work always read the primary under its lock, so stale cache entries
// can only affect queries, never ledger decisions.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.CreateWallet(ctx, w); err != nil {
		return err
	}
	s.cache(ctx, walletKey(w.CustomerID), w)
	return nil
}

func (s *CachedStore) UpdateWallet(ctx context.Context, customerID string, fn func(tx WalletTx) error) error {
	err := s.primary.UpdateWallet(ctx, customerID, fn)
	// Invalidate even on error: the primary may have committed before a
	// late failure was reported.
	s.invalidate(ctx, walletKey(customerID))
	return err
}

func (s *CachedStore) UpdateLots(ctx context.Context, customerID, stockCode string, fn func(tx LotTx) error) error {
	err := s.primary.UpdateLots(ctx, customerID, stockCode, fn)
	s.invalidate(ctx, lotsKey(customerID, stockCode))
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, customerID string) (*model.Wallet, error) {
	var w model.Wallet
	if s.lookup(ctx, walletKey(customerID), &w) {
		return &w, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetWallet(ctx, customerID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, walletKey(customerID), fresh)
	return fresh, nil
}

func (s *CachedStore) ListLots(ctx context.Context, customerID, stockCode string) ([]model.StockLot, error) {
	var lots []model.StockLot
	if s.lookup(ctx, lotsKey(customerID, stockCode), &lots) {
		return lots, nil
	}

	lots, err := s.primary.ListLots(ctx, customerID, stockCode)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, lotsKey(customerID, stockCode), lots)
	return lots, nil
}

// --- Passthrough (not cached) ---

// ListLotsByCustomer spans every pair of the customer, so it has no single
// key to invalidate and always reads the primary.
func (s *CachedStore) ListLotsByCustomer(ctx context.Context, customerID string) ([]model.StockLot, error) {
	return s.primary.ListLotsByCustomer(ctx, customerID)
}

func (s *CachedStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	return s.primary.InsertTransaction(ctx, t)
}

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) UpdateTransaction(ctx context.Context, t *model.Transaction) error {
	return s.primary.UpdateTransaction(ctx, t)
}

func (s *CachedStore) ListTransactions(ctx context.Context, customerID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, customerID)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache set failed", "key", key, "error", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.rdb.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
		slog.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

func walletKey(customerID string) string { return fmt.Sprintf("wallet:%s", customerID) }
func lotsKey(customerID, stockCode string) string {
	return fmt.Sprintf("lots:%s:%s", customerID, stockCode)
}
