package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/brokerage/position-ledger/internal/model"
)

// lotLess orders lots FIFO: oldest purchase first, ties broken by lot id.
func lotLess(a, b *model.StockLot) bool {
	if !a.PurchaseDate.Equal(b.PurchaseDate) {
		return a.PurchaseDate.Before(b.PurchaseDate)
	}
	return a.ID < b.ID
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	locks keyedMutex

	mu           sync.RWMutex
	wallets      map[string]*model.Wallet
	reservations map[string]*model.Reservation
	creditRefs   map[string]struct{} // customerID + "|" + ref
	lots         map[string]*btree.BTreeG[*model.StockLot]
	transactions map[string]*model.Transaction
	txByCustomer map[string][]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*model.Wallet),
		reservations: make(map[string]*model.Reservation),
		creditRefs:   make(map[string]struct{}),
		lots:         make(map[string]*btree.BTreeG[*model.StockLot]),
		transactions: make(map[string]*model.Transaction),
		txByCustomer: make(map[string][]string),
	}
}

// --- Wallets ---

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.CustomerID]; ok {
		return fmt.Errorf("wallet %s: %w", w.CustomerID, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	copy := *w
	s.wallets[w.CustomerID] = &copy
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, customerID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[customerID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", customerID, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) UpdateWallet(ctx context.Context, customerID string, fn func(tx WalletTx) error) error {
	unlock := s.locks.lock("wallet:" + customerID)
	defer unlock()

	w, err := s.GetWallet(ctx, customerID)
	if err != nil {
		return err
	}
	tx := &memWalletTx{
		memTx:        newMemTx(s),
		wallet:       w,
		reservations: make(map[string]*model.Reservation),
		refs:         make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := tx.validate(); err != nil {
		return err
	}
	s.wallets[customerID] = tx.wallet
	for id, r := range tx.reservations {
		s.reservations[id] = r
	}
	for ref := range tx.refs {
		s.creditRefs[customerID+"|"+ref] = struct{}{}
	}
	tx.apply()
	return nil
}

// --- Stock lots ---

func (s *MemoryStore) ListLots(_ context.Context, customerID, stockCode string) ([]model.StockLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lotsLocked(lotKey(customerID, stockCode)), nil
}

func (s *MemoryStore) UpdateLots(_ context.Context, customerID, stockCode string, fn func(tx LotTx) error) error {
	key := lotKey(customerID, stockCode)
	unlock := s.locks.lock(key)
	defer unlock()

	tx := &memLotTx{
		memTx:   newMemTx(s),
		key:     key,
		pending: make(map[string]*model.StockLot),
		created: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := tx.validate(); err != nil {
		return err
	}
	tree, ok := s.lots[key]
	if !ok {
		tree = btree.NewG[*model.StockLot](32, lotLess)
		s.lots[key] = tree
	}
	for _, l := range tx.pending {
		tree.ReplaceOrInsert(l)
	}
	tx.apply()
	return nil
}

func (s *MemoryStore) ListLotsByCustomer(_ context.Context, customerID string) ([]model.StockLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []model.StockLot
	for key, tree := range s.lots {
		if first, ok := tree.Min(); !ok || first.CustomerID != customerID {
			continue
		}
		lots = append(lots, s.lotsLocked(key)...)
	}
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].StockCode != lots[j].StockCode {
			return lots[i].StockCode < lots[j].StockCode
		}
		return lotLess(&lots[i], &lots[j])
	})
	return lots, nil
}

// lotsLocked copies the pair's lots in FIFO order. Caller holds s.mu.
func (s *MemoryStore) lotsLocked(key string) []model.StockLot {
	tree, ok := s.lots[key]
	if !ok {
		return nil
	}
	lots := make([]model.StockLot, 0, tree.Len())
	tree.Ascend(func(l *model.StockLot) bool {
		lots = append(lots, *l)
		return true
	})
	return lots
}

// --- Transactions ---

func (s *MemoryStore) InsertTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[t.ID]; ok {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrAlreadyExists)
	}
	s.transactions[t.ID] = cloneTransaction(t)
	s.txByCustomer[t.CustomerID] = append(s.txByCustomer[t.CustomerID], t.ID)
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return cloneTransaction(t), nil
}

func (s *MemoryStore) UpdateTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.transactions[t.ID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrNotFound)
	}
	if err := checkRewrite(stored.Status, t.Status); err != nil {
		return fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	s.transactions[t.ID] = cloneTransaction(t)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, customerID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.txByCustomer[customerID]
	result := make([]model.Transaction, 0, len(ids))
	for _, id := range ids {
		result = append(result, *cloneTransaction(s.transactions[id]))
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- Units of work ---

// memTx stages transaction record rewrites until commit.
type memTx struct {
	s      *MemoryStore
	staged map[string]*model.Transaction
}

func newMemTx(s *MemoryStore) memTx {
	return memTx{s: s, staged: make(map[string]*model.Transaction)}
}

func (tx *memTx) Transaction(id string) (*model.Transaction, error) {
	if t, ok := tx.staged[id]; ok {
		return cloneTransaction(t), nil
	}
	return tx.s.GetTransaction(context.Background(), id)
}

func (tx *memTx) SaveTransaction(t *model.Transaction) error {
	stored, err := tx.Transaction(t.ID)
	if err != nil {
		return err
	}
	if err := checkRewrite(stored.Status, t.Status); err != nil {
		return fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	tx.staged[t.ID] = cloneTransaction(t)
	return nil
}

// validate re-checks staged rewrites against committed state. Caller holds s.mu.
func (tx *memTx) validate() error {
	for id := range tx.staged {
		stored, ok := tx.s.transactions[id]
		if !ok {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		if stored.Status != model.TxPending {
			return fmt.Errorf("transaction %s: %w", id, ErrConflict)
		}
	}
	return nil
}

// apply writes staged rewrites. Caller holds s.mu.
func (tx *memTx) apply() {
	for id, t := range tx.staged {
		tx.s.transactions[id] = t
	}
}

type memWalletTx struct {
	memTx
	wallet       *model.Wallet
	reservations map[string]*model.Reservation
	refs         map[string]struct{}
}

func (tx *memWalletTx) Wallet() *model.Wallet { return tx.wallet }

func (tx *memWalletTx) Reservation(id string) (*model.Reservation, error) {
	if r, ok := tx.reservations[id]; ok {
		copy := *r
		return &copy, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	r, ok := tx.s.reservations[id]
	if !ok || r.CustomerID != tx.wallet.CustomerID {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (tx *memWalletTx) PutReservation(r *model.Reservation) error {
	copy := *r
	tx.reservations[r.ID] = &copy
	return nil
}

func (tx *memWalletTx) CreditApplied(ref string) (bool, error) {
	if _, ok := tx.refs[ref]; ok {
		return true, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	_, ok := tx.s.creditRefs[tx.wallet.CustomerID+"|"+ref]
	return ok, nil
}

func (tx *memWalletTx) RecordCredit(ref string) error {
	tx.refs[ref] = struct{}{}
	return nil
}

type memLotTx struct {
	memTx
	key     string
	pending map[string]*model.StockLot
	created map[string]bool
}

func (tx *memLotTx) Lots() ([]model.StockLot, error) {
	tx.s.mu.RLock()
	lots := tx.s.lotsLocked(tx.key)
	tx.s.mu.RUnlock()

	seen := make(map[string]bool, len(lots))
	for i := range lots {
		seen[lots[i].ID] = true
		if l, ok := tx.pending[lots[i].ID]; ok {
			lots[i] = *l
		}
	}
	for id, l := range tx.pending {
		if !seen[id] {
			lots = append(lots, *l)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lotLess(&lots[i], &lots[j]) })
	return lots, nil
}

func (tx *memLotTx) InsertLot(l *model.StockLot) error {
	if _, ok := tx.pending[l.ID]; ok {
		return fmt.Errorf("lot %s: %w", l.ID, ErrAlreadyExists)
	}
	copy := *l
	tx.pending[l.ID] = &copy
	tx.created[l.ID] = true
	return nil
}

func (tx *memLotTx) UpdateLot(l *model.StockLot) error {
	if !tx.created[l.ID] {
		tx.s.mu.RLock()
		tree := tx.s.lots[tx.key]
		found := tree != nil && tree.Has(l)
		tx.s.mu.RUnlock()
		if !found {
			return fmt.Errorf("lot %s: %w", l.ID, ErrNotFound)
		}
	}
	copy := *l
	tx.pending[l.ID] = &copy
	return nil
}

// keyedMutex hands out one mutex per key. Entries are reference counted and
// dropped when no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func lotKey(customerID, stockCode string) string {
	return "lots:" + customerID + "|" + stockCode
}
