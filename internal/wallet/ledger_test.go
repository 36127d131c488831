package wallet

import (
	"context"
	"errors"
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

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testEnv struct {
	ledger *Ledger
	store  *store.MemoryStore
	clock  *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	tc := &testClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	clock := settlement.NewClock(settlement.WithNowFunc(tc.Now))
	return &testEnv{
		ledger: NewLedger(st, clock, DefaultDefaults()),
		store:  st,
		clock:  tc,
	}
}

// funded creates a wallet with the given limits and balance.
func (e *testEnv) funded(t *testing.T, customerID string, balance string, limits model.WalletLimits) {
	t.Helper()
	ctx := context.Background()
	if limits == (model.WalletLimits{}) {
		// No enforced limits.
		limits = model.WalletLimits{MaxDailyTransactionCount: 1 << 30}
	}
	if _, err := e.ledger.CreateWallet(ctx, customerID, limits); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	if b := d(balance); b.IsPositive() {
		if err := e.ledger.Credit(ctx, customerID, b, model.TxDeposit, ""); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}
}

func (e *testEnv) wallet(t *testing.T, customerID string) *model.Wallet {
	t.Helper()
	w, err := e.ledger.Wallet(context.Background(), customerID)
	if err != nil {
		t.Fatalf("Wallet: %v", err)
	}
	return w
}

func assertBalances(t *testing.T, w *model.Wallet, balance, available, blocked string) {
	t.Helper()
	if !w.Balance.Equal(d(balance)) || !w.AvailableBalance.Equal(d(available)) || !w.BlockedBalance.Equal(d(blocked)) {
		t.Errorf("expected balance=%s available=%s blocked=%s, got %s/%s/%s",
			balance, available, blocked, w.Balance, w.AvailableBalance, w.BlockedBalance)
	}
	if !w.AvailableBalance.Add(w.BlockedBalance).Equal(w.Balance) {
		t.Errorf("available + blocked != balance: %s + %s != %s", w.AvailableBalance, w.BlockedBalance, w.Balance)
	}
}

// --- CreateWallet ---

func TestCreateWallet_Defaults(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.ledger.CreateWallet(context.Background(), "c1", model.WalletLimits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Currency != "TRY" || w.Status != model.WalletActive {
		t.Errorf("unexpected wallet %+v", w)
	}
	if !w.DailyLimit.Equal(d("90000000")) || w.MaxDailyTransactionCount != 500 {
		t.Errorf("expected default limits, got %+v", w.WalletLimits)
	}
	assertBalances(t, w, "0", "0", "0")
}

func TestCreateWallet_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.CreateWallet(ctx, "c1", model.WalletLimits{})
	_, err := env.ledger.CreateWallet(ctx, "c1", model.WalletLimits{})
	if !errors.Is(err, ErrWalletExists) {
		t.Errorf("expected ErrWalletExists, got %v", err)
	}
}

func TestCreateWallet_InvalidLimits(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.CreateWallet(context.Background(), "c1", model.WalletLimits{
		MinTransactionAmount: d("100"),
		MaxTransactionAmount: d("50"),
	})
	if !errors.Is(err, ErrInvalidLimits) {
		t.Errorf("expected ErrInvalidLimits, got %v", err)
	}
}

// --- AuthorizeDebit ---

func TestAuthorizeDebit_MovesFundsToBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.funded(t, "c1", "1000", model.WalletLimits{})

	res, err := env.ledger.AuthorizeDebit(context.Background(), "c1", d("250"), model.TxStockPurchase, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.ReservationHeld || !res.Amount.Equal(d("250")) {
		t.Errorf("unexpected reservation %+v", res)
	}
	assertBalances(t, env.wallet(t, "c1"), "1000", "750", "250")
}

func TestAuthorizeDebit_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "100", model.WalletLimits{})

	if _, err := env.ledger.AuthorizeDebit(ctx, "nobody", d("1"), model.TxWithdrawal, ""); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("expected ErrWalletNotFound, got %v", err)
	}
	for _, amt := range []string{"0", "-5"} {
		if _, err := env.ledger.AuthorizeDebit(ctx, "c1", d(amt), model.TxWithdrawal, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
	if _, err := env.ledger.AuthorizeDebit(ctx, "c1", d("100.01"), model.TxWithdrawal, ""); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	env.ledger.SetStatus(ctx, "c1", model.WalletSuspended)
	if _, err := env.ledger.AuthorizeDebit(ctx, "c1", d("1"), model.TxWithdrawal, ""); !errors.Is(err, ErrWalletNotActive) {
		t.Errorf("expected ErrWalletNotActive, got %v", err)
	}
	assertBalances(t, env.wallet(t, "c1"), "100", "100", "0")
}

func TestAuthorizeDebit_LimitKinds(t *testing.T) {
	cases := []struct {
		name   string
		limits model.WalletLimits
		prior  []string
		amount string
		want   LimitKind
	}{
		{"per transaction min", model.WalletLimits{MinTransactionAmount: d("10")}, nil, "9.99", LimitPerTransactionMin},
		{"per transaction max", model.WalletLimits{MaxTransactionAmount: d("500")}, nil, "500.01", LimitPerTransactionMax},
		{"daily count", model.WalletLimits{MaxDailyTransactionCount: 2}, []string{"1", "1"}, "1", LimitDailyCount},
		{"daily amount", model.WalletLimits{DailyLimit: d("1000")}, []string{"600"}, "600", LimitDaily},
		{"monthly amount", model.WalletLimits{MonthlyLimit: d("700")}, []string{"600"}, "101", LimitMonthly},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.funded(t, "c1", "100000", tc.limits)

			for _, p := range tc.prior {
				if _, err := env.ledger.AuthorizeDebit(ctx, "c1", d(p), model.TxWithdrawal, ""); err != nil {
					t.Fatalf("prior debit %s: %v", p, err)
				}
			}

			_, err := env.ledger.AuthorizeDebit(ctx, "c1", d(tc.amount), model.TxWithdrawal, "")
			var lerr *LimitExceededError
			if !errors.As(err, &lerr) {
				t.Fatalf("expected LimitExceededError, got %v", err)
			}
			if lerr.Kind != tc.want {
				t.Errorf("expected kind %s, got %s", tc.want, lerr.Kind)
			}
			if !errors.Is(err, ErrLimitExceeded) {
				t.Error("LimitExceededError should unwrap to ErrLimitExceeded")
			}
		})
	}
}

func TestAuthorizeDebit_DailyLimitScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "5000", model.WalletLimits{DailyLimit: d("1000")})

	if _, err := env.ledger.AuthorizeDebit(ctx, "c1", d("600"), model.TxWithdrawal, ""); err != nil {
		t.Fatalf("first debit should succeed: %v", err)
	}
	_, err := env.ledger.AuthorizeDebit(ctx, "c1", d("600"), model.TxWithdrawal, "")
	var lerr *LimitExceededError
	if !errors.As(err, &lerr) || lerr.Kind != LimitDaily {
		t.Fatalf("expected daily WalletLimitExceeded, got %v", err)
	}
	assertBalances(t, env.wallet(t, "c1"), "5000", "4400", "600")
}

func TestAuthorizeDebit_LazyPeriodReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "5000", model.WalletLimits{DailyLimit: d("1000"), MonthlyLimit: d("1500")})

	if _, err := env.ledger.AuthorizeDebit(ctx, "c1", d("900"), model.TxWithdrawal, ""); err != nil {
		t.Fatal(err)
	}

	// Next day: daily usage resets, monthly does not.
	env.clock.Set(time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	if _, err := env.ledger.AuthorizeDebit(ctx, "c1", d("500"), model.TxWithdrawal, ""); err != nil {
		t.Fatalf("daily limit should have reset: %v", err)
	}
	_, err := env.ledger.AuthorizeDebit(ctx, "c1", d("200"), model.TxWithdrawal, "")
	var lerr *LimitExceededError
	if !errors.As(err, &lerr) || lerr.Kind != LimitMonthly {
		t.Fatalf("expected monthly limit, got %v", err)
	}

	// Next month: both reset.
	env.clock.Set(time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC))
	if _, err := env.ledger.AuthorizeDebit(ctx, "c1", d("900"), model.TxWithdrawal, ""); err != nil {
		t.Fatalf("monthly limit should have reset: %v", err)
	}
	w := env.wallet(t, "c1")
	if !w.MonthlyUsed.Equal(d("900")) || w.DailyCount != 1 {
		t.Errorf("expected fresh month usage, got monthly=%s count=%d", w.MonthlyUsed, w.DailyCount)
	}
}

func TestAuthorizeDebit_ConcurrentNeverOverdraws(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "1000", model.WalletLimits{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.AuthorizeDebit(ctx, "c1", d("100"), model.TxWithdrawal, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientBalance):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 || insufficient != 15 {
		t.Errorf("expected 10 successes and 15 rejections, got %d/%d", succeeded, insufficient)
	}
	assertBalances(t, env.wallet(t, "c1"), "1000", "0", "1000")
}

// --- Commit / Rollback ---

func TestCommit_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "1000", model.WalletLimits{})

	rec := &model.Transaction{ID: "tx-1", CustomerID: "c1", Type: model.TxWithdrawal, Amount: d("300"), Status: model.TxPending}
	if err := env.store.InsertTransaction(ctx, rec); err != nil {
		t.Fatal(err)
	}
	res, err := env.ledger.AuthorizeDebit(ctx, "c1", d("300"), model.TxWithdrawal, "tx-1")
	if err != nil {
		t.Fatal(err)
	}

	first, err := env.ledger.Commit(ctx, res)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	tx1, _ := env.store.GetTransaction(ctx, "tx-1")

	second, err := env.ledger.Commit(ctx, res)
	if err != nil {
		t.Fatalf("second commit should be a no-op, got %v", err)
	}
	tx2, _ := env.store.GetTransaction(ctx, "tx-1")

	if first.Status != model.ReservationCommitted || second.Status != model.ReservationCommitted {
		t.Errorf("expected both commits to report COMMITTED, got %s/%s", first.Status, second.Status)
	}
	if tx1.Status != model.TxCompleted || tx2.Status != model.TxCompleted {
		t.Errorf("expected COMPLETED both times, got %s/%s", tx1.Status, tx2.Status)
	}
	assertBalances(t, env.wallet(t, "c1"), "700", "700", "0")
}

func TestRollback_RestoresFundsAndUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "1000", model.WalletLimits{DailyLimit: d("1000"), MaxDailyTransactionCount: 5})

	res, err := env.ledger.AuthorizeDebit(ctx, "c1", d("600"), model.TxStockPurchase, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.ledger.Rollback(ctx, res); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	w := env.wallet(t, "c1")
	assertBalances(t, w, "1000", "1000", "0")
	if !w.DailyUsed.IsZero() || w.DailyCount != 0 {
		t.Errorf("expected usage reverted, got used=%s count=%d", w.DailyUsed, w.DailyCount)
	}

	// The full daily limit is available again.
	if _, err := env.ledger.AuthorizeDebit(ctx, "c1", d("1000"), model.TxStockPurchase, ""); err != nil {
		t.Errorf("expected limit restored after rollback, got %v", err)
	}
}

func TestRollback_NoOpAfterCommitOrRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "1000", model.WalletLimits{})

	committed, _ := env.ledger.AuthorizeDebit(ctx, "c1", d("100"), model.TxWithdrawal, "")
	env.ledger.Commit(ctx, committed)
	if err := env.ledger.Rollback(ctx, committed); err != nil {
		t.Fatalf("rollback after commit should be a no-op: %v", err)
	}

	rolled, _ := env.ledger.AuthorizeDebit(ctx, "c1", d("50"), model.TxWithdrawal, "")
	env.ledger.Rollback(ctx, rolled)
	if err := env.ledger.Rollback(ctx, rolled); err != nil {
		t.Fatalf("second rollback should be a no-op: %v", err)
	}
	if _, err := env.ledger.Commit(ctx, rolled); !errors.Is(err, ErrReservationReleased) {
		t.Errorf("expected ErrReservationReleased, got %v", err)
	}

	assertBalances(t, env.wallet(t, "c1"), "900", "900", "0")
}

// --- Credit ---

func TestCredit_IdempotentByRef(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "0", model.WalletLimits{})

	for i := 0; i < 3; i++ {
		if err := env.ledger.Credit(ctx, "c1", d("99.5"), model.TxStockSale, "sale-1"); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}
	assertBalances(t, env.wallet(t, "c1"), "99.5", "99.5", "0")
}

func TestCredit_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "0", model.WalletLimits{})

	if err := env.ledger.Credit(ctx, "c1", d("0"), model.TxDeposit, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if err := env.ledger.Credit(ctx, "ghost", d("1"), model.TxDeposit, ""); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("expected ErrWalletNotFound, got %v", err)
	}
	env.ledger.SetStatus(ctx, "c1", model.WalletSuspended)
	if err := env.ledger.Credit(ctx, "c1", d("1"), model.TxDeposit, ""); !errors.Is(err, ErrWalletNotActive) {
		t.Errorf("expected ErrWalletNotActive, got %v", err)
	}
}

// --- Deposit / Withdraw ---

func TestDepositAndWithdraw_RecordTransactions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "0", model.WalletLimits{MinTransactionAmount: d("10")})

	dep, err := env.ledger.Deposit(ctx, "c1", d("500"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if dep.Status != model.TxCompleted || dep.Type != model.TxDeposit {
		t.Errorf("unexpected deposit record %+v", dep)
	}

	wd, err := env.ledger.Withdraw(ctx, "c1", d("120"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if wd.Status != model.TxCompleted || wd.Type != model.TxWithdrawal {
		t.Errorf("unexpected withdrawal record %+v", wd)
	}
	assertBalances(t, env.wallet(t, "c1"), "380", "380", "0")

	failed, err := env.ledger.Withdraw(ctx, "c1", d("5"))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected min limit rejection, got %v", err)
	}
	if failed.Status != model.TxFailed || failed.FailureReason == "" {
		t.Errorf("expected FAILED record with reason, got %+v", failed)
	}

	list, _ := env.store.ListTransactions(ctx, "c1")
	if len(list) != 3 {
		t.Errorf("expected 3 transaction records, got %d", len(list))
	}
}

func TestWithdraw_UnknownWalletRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.ledger.Withdraw(ctx, "ghost", d("10")); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("expected ErrWalletNotFound, got %v", err)
	}
	list, _ := env.store.ListTransactions(ctx, "ghost")
	if len(list) != 0 {
		t.Errorf("expected no records, got %d", len(list))
	}
}

// --- Admin ---

func TestSetStatusAndUpdateLimits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "100", model.WalletLimits{})

	if _, err := env.ledger.SetStatus(ctx, "c1", "FROZEN"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	w, err := env.ledger.SetStatus(ctx, "c1", model.WalletSuspended)
	if err != nil || w.Status != model.WalletSuspended {
		t.Fatalf("SetStatus: %v %+v", err, w)
	}
	env.ledger.SetStatus(ctx, "c1", model.WalletActive)

	w, err = env.ledger.UpdateLimits(ctx, "c1", model.WalletLimits{MaxTransactionAmount: d("50")})
	if err != nil {
		t.Fatalf("UpdateLimits: %v", err)
	}
	if !w.MaxTransactionAmount.Equal(d("50")) {
		t.Errorf("limits not applied: %+v", w.WalletLimits)
	}
	_, err = env.ledger.AuthorizeDebit(ctx, "c1", d("60"), model.TxWithdrawal, "")
	var lerr *LimitExceededError
	if !errors.As(err, &lerr) || lerr.Kind != LimitPerTransactionMax {
		t.Errorf("expected perTransactionMax, got %v", err)
	}

	if _, err := env.ledger.UpdateLimits(ctx, "c1", model.WalletLimits{DailyLimit: d("-1")}); !errors.Is(err, ErrInvalidLimits) {
		t.Errorf("expected ErrInvalidLimits, got %v", err)
	}
}

func TestRequireActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.funded(t, "c1", "100", model.WalletLimits{})

	if err := env.ledger.RequireActive(ctx, "c1"); err != nil {
		t.Errorf("expected active wallet to pass, got %v", err)
	}
	env.ledger.SetStatus(ctx, "c1", model.WalletSuspended)
	if err := env.ledger.RequireActive(ctx, "c1"); !errors.Is(err, ErrWalletNotActive) {
		t.Errorf("expected ErrWalletNotActive, got %v", err)
	}
	if err := env.ledger.RequireActive(ctx, "nobody"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("expected ErrWalletNotFound, got %v", err)
	}
	assertBalances(t, env.wallet(t, "c1"), "100", "100", "0")
}
