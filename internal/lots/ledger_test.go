package lots

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brokerage/position-ledger/internal/model"
	"github.com/brokerage/position-ledger/internal/settlement"
	"github.com/brokerage/position-ledger/internal/store"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var day0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	ledger *Ledger
	store  *store.MemoryStore
	clock  *testClock
}

func newEnv() *testEnv {
	st := store.NewMemoryStore()
	tc := &testClock{t: day0}
	return &testEnv{
		ledger: NewLedger(st, settlement.NewClock(settlement.WithNowFunc(tc.Now))),
		store:  st,
		clock:  tc,
	}
}

func (e *testEnv) buy(t *testing.T, qty int64, settlementDays int) *model.StockLot {
	t.Helper()
	lot, err := e.ledger.RecordPurchase(context.Background(), "c1", "XYZ", qty, d("10"), settlementDays, "")
	if err != nil {
		t.Fatalf("RecordPurchase: %v", err)
	}
	return lot
}

func (e *testEnv) position(t *testing.T) model.PositionSummary {
	t.Helper()
	pos, err := e.ledger.Position(context.Background(), "c1", "XYZ")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	return pos
}

func (e *testEnv) sell(t *testing.T, qty int64) *SaleOutcome {
	t.Helper()
	ctx := context.Background()
	plan, err := e.ledger.AuthorizeSale(ctx, "c1", "XYZ", qty)
	if err != nil {
		t.Fatalf("AuthorizeSale(%d): %v", qty, err)
	}
	out, err := e.ledger.ApplySale(ctx, plan, "")
	if err != nil {
		t.Fatalf("ApplySale(%d): %v", qty, err)
	}
	return out
}

// --- RecordPurchase ---

func TestRecordPurchase(t *testing.T) {
	env := newEnv()
	lot := env.buy(t, 100, 2)

	if lot.Quantity != 100 || lot.RemainingQuantity != 100 {
		t.Errorf("expected quantity=remaining=100, got %d/%d", lot.Quantity, lot.RemainingQuantity)
	}
	wantRelease := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	if !lot.SettlementReleaseDate.Equal(wantRelease) {
		t.Errorf("expected release %v, got %v", wantRelease, lot.SettlementReleaseDate)
	}

	lots, _ := env.ledger.Lots(context.Background(), "c1", "XYZ")
	if len(lots) != 1 || lots[0].ID != lot.ID {
		t.Errorf("expected the recorded lot to be listed, got %+v", lots)
	}
}

func TestRecordPurchase_InvalidInput(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	if _, err := env.ledger.RecordPurchase(ctx, "c1", "XYZ", 0, d("1"), 2, ""); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := env.ledger.RecordPurchase(ctx, "c1", "XYZ", 5, d("1"), -1, ""); err == nil {
		t.Error("expected error for negative settlement days")
	}
}

// --- Settlement window scenario ---

func TestSettlementWindowScenario(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	env.buy(t, 100, 2)

	// Day 1: everything is still blocked.
	env.clock.Advance(24 * time.Hour)
	pos := env.position(t)
	if pos.Available != 0 || pos.Blocked != 100 || pos.TotalOwned != 100 {
		t.Fatalf("day 1: unexpected position %+v", pos)
	}
	_, err := env.ledger.AuthorizeSale(ctx, "c1", "XYZ", 1)
	var serr *InsufficientStockError
	if !errors.As(err, &serr) {
		t.Fatalf("day 1: expected InsufficientStockError, got %v", err)
	}
	want := InsufficientStockError{Requested: 1, TotalOwned: 100, Blocked: 100, Available: 0}
	if *serr != want {
		t.Errorf("day 1: expected %+v, got %+v", want, *serr)
	}
	if !errors.Is(err, ErrInsufficientAvailableStock) {
		t.Error("InsufficientStockError should unwrap to ErrInsufficientAvailableStock")
	}

	// Day 2: released.
	env.clock.Advance(24 * time.Hour)
	if pos := env.position(t); pos.Available != 100 || pos.Blocked != 0 {
		t.Fatalf("day 2: unexpected position %+v", pos)
	}
	out := env.sell(t, 60)
	if len(out.Outcomes) != 1 {
		t.Fatalf("expected one lot outcome, got %d", len(out.Outcomes))
	}
	o := out.Outcomes[0]
	if o.Consumed != 60 || o.Remaining != 40 || o.Status != model.TxPartiallySold {
		t.Errorf("expected 60 consumed, 40 remaining, PARTIALLY_SOLD; got %+v", o)
	}
}

func TestBlockedLotNeverAvailable(t *testing.T) {
	env := newEnv()
	env.buy(t, 30, 0)
	env.buy(t, 70, 5)

	pos := env.position(t)
	if pos.TotalOwned != 100 || pos.Blocked != 70 || pos.Available != 30 {
		t.Fatalf("unexpected position %+v", pos)
	}

	out := env.sell(t, 30)
	if out.Outcomes[0].Status != model.TxSold {
		t.Errorf("expected SOLD, got %s", out.Outcomes[0].Status)
	}
	if pos := env.position(t); pos.Available != 0 || pos.TotalOwned != 70 {
		t.Errorf("expected only the blocked lot left, got %+v", pos)
	}
}

// --- FIFO ---

func TestAuthorizeSale_FIFO(t *testing.T) {
	env := newEnv()
	lot1 := env.buy(t, 10, 0)
	env.clock.Advance(time.Minute)
	lot2 := env.buy(t, 20, 0)
	env.clock.Advance(time.Minute)
	lot3 := env.buy(t, 30, 0)

	plan, err := env.ledger.AuthorizeSale(context.Background(), "c1", "XYZ", 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Consumptions) != 2 {
		t.Fatalf("expected 2 consumptions, got %+v", plan.Consumptions)
	}
	if c := plan.Consumptions[0]; c.LotID != lot1.ID || c.Amount != 10 {
		t.Errorf("expected all of lot1 first, got %+v", c)
	}
	if c := plan.Consumptions[1]; c.LotID != lot2.ID || c.Amount != 15 {
		t.Errorf("expected 15 from lot2, got %+v", c)
	}
	for _, c := range plan.Consumptions {
		if c.LotID == lot3.ID {
			t.Error("lot3 must not be touched")
		}
	}
}

func TestAuthorizeSale_TieBreakByLotID(t *testing.T) {
	env := newEnv()
	a := env.buy(t, 5, 0)
	b := env.buy(t, 5, 0)

	plan, err := env.ledger.AuthorizeSale(context.Background(), "c1", "XYZ", 6)
	if err != nil {
		t.Fatal(err)
	}
	ids := []string{a.ID, b.ID}
	sort.Strings(ids)
	if plan.Consumptions[0].LotID != ids[0] || plan.Consumptions[0].Amount != 5 {
		t.Errorf("expected lot %s consumed first, got %+v", ids[0], plan.Consumptions[0])
	}
	if plan.Consumptions[1].LotID != ids[1] || plan.Consumptions[1].Amount != 1 {
		t.Errorf("expected 1 from lot %s, got %+v", ids[1], plan.Consumptions[1])
	}
}

func TestAuthorizeSale_SkipsConsumedAndBlockedLots(t *testing.T) {
	env := newEnv()
	env.buy(t, 10, 0)
	env.clock.Advance(time.Minute)
	blocked := env.buy(t, 10, 3)
	env.clock.Advance(time.Minute)
	newer := env.buy(t, 10, 0)
	env.sell(t, 10)

	plan, err := env.ledger.AuthorizeSale(context.Background(), "c1", "XYZ", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Consumptions) != 1 || plan.Consumptions[0].LotID != newer.ID {
		t.Errorf("expected only the newer unblocked lot, got %+v", plan.Consumptions)
	}
	for _, c := range plan.Consumptions {
		if c.LotID == blocked.ID {
			t.Error("blocked lot must not be planned")
		}
	}

	lots, _ := env.ledger.Lots(context.Background(), "c1", "XYZ")
	if len(lots) != 3 {
		t.Errorf("fully consumed lots must be retained, got %d lots", len(lots))
	}
}

func TestAuthorizeSale_InvalidQuantity(t *testing.T) {
	env := newEnv()
	if _, err := env.ledger.AuthorizeSale(context.Background(), "c1", "XYZ", 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestAuthorizeSale_NoLots(t *testing.T) {
	env := newEnv()
	_, err := env.ledger.AuthorizeSale(context.Background(), "c1", "XYZ", 1)
	var serr *InsufficientStockError
	if !errors.As(err, &serr) || serr.TotalOwned != 0 || serr.Available != 0 {
		t.Errorf("expected empty-position InsufficientStockError, got %v", err)
	}
}

// --- ApplySale ---

func TestApplySale_ConflictLeavesLotsUntouched(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	env.buy(t, 10, 0)

	stale, err := env.ledger.AuthorizeSale(ctx, "c1", "XYZ", 8)
	if err != nil {
		t.Fatal(err)
	}
	env.sell(t, 3)

	if _, err := env.ledger.ApplySale(ctx, stale, ""); !errors.Is(err, ErrLotConsumptionConflict) {
		t.Fatalf("expected ErrLotConsumptionConflict, got %v", err)
	}
	if pos := env.position(t); pos.TotalOwned != 7 {
		t.Errorf("failed apply must not change lots, owned=%d", pos.TotalOwned)
	}

	// Re-planning succeeds against the new state.
	fresh, err := env.ledger.AuthorizeSale(ctx, "c1", "XYZ", 7)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.ledger.ApplySale(ctx, fresh, ""); err != nil {
		t.Fatalf("fresh plan should apply: %v", err)
	}
}

func TestApplySale_ConflictIsAllOrNothing(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	env.buy(t, 5, 0)
	env.clock.Advance(time.Minute)
	second := env.buy(t, 5, 0)

	plan, _ := env.ledger.AuthorizeSale(ctx, "c1", "XYZ", 8)
	// Corrupt the plan's view of the second lot only.
	plan.Consumptions[1].RemainingBefore = 4

	if _, err := env.ledger.ApplySale(ctx, plan, ""); !errors.Is(err, ErrLotConsumptionConflict) {
		t.Fatalf("expected conflict on lot %s, got %v", second.ID, err)
	}
	if pos := env.position(t); pos.TotalOwned != 10 {
		t.Errorf("first lot must not be consumed when the second conflicts, owned=%d", pos.TotalOwned)
	}
}

func TestApplySale_RecordsOutcomesOnTransaction(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	env.buy(t, 4, 0)
	env.clock.Advance(time.Minute)
	env.buy(t, 6, 0)

	rec := &model.Transaction{ID: "sale-1", CustomerID: "c1", Type: model.TxStockSale, StockCode: "XYZ", Quantity: 7, Status: model.TxPending}
	if err := env.store.InsertTransaction(ctx, rec); err != nil {
		t.Fatal(err)
	}

	plan, _ := env.ledger.AuthorizeSale(ctx, "c1", "XYZ", 7)
	out, err := env.ledger.ApplySale(ctx, plan, "sale-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Sold != 7 {
		t.Errorf("expected 7 sold, got %d", out.Sold)
	}

	got, _ := env.store.GetTransaction(ctx, "sale-1")
	if got.Status != model.TxPending {
		t.Errorf("transaction should stay PENDING until the proceeds are credited, got %s", got.Status)
	}
	if len(got.LotOutcomes) != 2 || got.LotOutcomes[0].Status != model.TxSold || got.LotOutcomes[1].Status != model.TxPartiallySold {
		t.Errorf("unexpected lot outcomes %+v", got.LotOutcomes)
	}
}

func TestApplySale_UnknownTransactionAbortsSale(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	env.buy(t, 10, 0)

	plan, _ := env.ledger.AuthorizeSale(ctx, "c1", "XYZ", 5)
	if _, err := env.ledger.ApplySale(ctx, plan, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
	if pos := env.position(t); pos.TotalOwned != 10 {
		t.Errorf("sale without a record must not apply, owned=%d", pos.TotalOwned)
	}
}

// --- Concurrency ---

func TestConcurrentSalesNeverDoubleConsume(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		env.buy(t, 25, 0)
		env.clock.Advance(time.Second)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold, rejected := 0, 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				plan, err := env.ledger.AuthorizeSale(ctx, "c1", "XYZ", 5)
				if errors.Is(err, ErrInsufficientAvailableStock) {
					mu.Lock()
					rejected++
					mu.Unlock()
					return
				}
				if err != nil {
					t.Errorf("AuthorizeSale: %v", err)
					return
				}
				_, err = env.ledger.ApplySale(ctx, plan, "")
				if errors.Is(err, ErrLotConsumptionConflict) {
					continue
				}
				if err != nil {
					t.Errorf("ApplySale: %v", err)
					return
				}
				mu.Lock()
				sold++
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()

	if sold != 20 || rejected != 10 {
		t.Errorf("expected 20 sales and 10 rejections, got %d/%d", sold, rejected)
	}
	lots, _ := env.ledger.Lots(ctx, "c1", "XYZ")
	for _, l := range lots {
		if l.RemainingQuantity != 0 {
			t.Errorf("lot %s: expected fully consumed, remaining %d", l.ID, l.RemainingQuantity)
		}
	}
}

// --- Portfolio ---

func TestPortfolio_WeightsAverageCostByRemainingShares(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	purchase := func(customerID, stockCode string, qty int64, price string, settlementDays int) {
		t.Helper()
		if _, err := env.ledger.RecordPurchase(ctx, customerID, stockCode, qty, d(price), settlementDays, ""); err != nil {
			t.Fatalf("RecordPurchase(%s): %v", stockCode, err)
		}
	}

	purchase("c1", "XYZ", 100, "10", 0)
	env.clock.Advance(time.Minute)
	purchase("c1", "XYZ", 50, "16", 2)
	purchase("c1", "ABC", 10, "5", 0)
	purchase("c1", "QQQ", 5, "7", 0)
	purchase("c2", "XYZ", 999, "1", 0)

	// Sells 60 of the settled XYZ lot, leaving 40 @ 10 and 50 @ 16.
	env.sell(t, 60)
	plan, err := env.ledger.AuthorizeSale(ctx, "c1", "QQQ", 5)
	if err != nil {
		t.Fatalf("AuthorizeSale(QQQ): %v", err)
	}
	if _, err := env.ledger.ApplySale(ctx, plan, ""); err != nil {
		t.Fatalf("ApplySale(QQQ): %v", err)
	}

	holdings, err := env.ledger.Portfolio(ctx, "c1")
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	if len(holdings) != 2 {
		t.Fatalf("expected ABC and XYZ only, got %+v", holdings)
	}

	abc := holdings[0]
	if abc.StockCode != "ABC" || abc.TotalOwned != 10 || abc.Available != 10 {
		t.Errorf("unexpected ABC holding %+v", abc)
	}
	if !abc.AverageCost.Equal(d("5")) || !abc.CostBasis.Equal(d("50")) {
		t.Errorf("expected ABC cost 50 at 5, got %s at %s", abc.CostBasis, abc.AverageCost)
	}

	xyz := holdings[1]
	want := model.PositionSummary{CustomerID: "c1", StockCode: "XYZ", TotalOwned: 90, Blocked: 50, Available: 40}
	if xyz.PositionSummary != want {
		t.Errorf("expected %+v, got %+v", want, xyz.PositionSummary)
	}
	// (40*10 + 50*16) / 90
	if !xyz.CostBasis.Equal(d("1200")) || !xyz.AverageCost.Equal(d("13.3333")) {
		t.Errorf("expected XYZ cost 1200 at 13.3333, got %s at %s", xyz.CostBasis, xyz.AverageCost)
	}
}

func TestPortfolio_EmptyForUnknownCustomer(t *testing.T) {
	env := newEnv()
	env.buy(t, 10, 0)

	holdings, err := env.ledger.Portfolio(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	if holdings == nil || len(holdings) != 0 {
		t.Errorf("expected an empty, non-nil portfolio, got %#v", holdings)
	}
}
