package ledger

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"log/slog"

	"github.com/splax/ledgerd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		InterestRate:     0.001,
		DebtFeeRate:      0.005,
		LoanInterestRate: 0.002,
		LoanLimit:        5000,
		MaxTransaction:   1_000_000_000,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(testConfig(), nil, nil, testLogger())
}

func mustRegister(t *testing.T, svc *Service, username string) {
	t.Helper()
	if _, err := svc.Register(context.Background(), username, "hash", ""); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
}

func TestRegisterStartsAtZero(t *testing.T) {
	svc := newTestService(t)
	acct, err := svc.Register(context.Background(), "alice", "hash", "salt")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if acct.CashBalance != 0 || acct.LoanBalance != 0 || len(acct.Holdings) != 0 {
		t.Fatalf("expected zeroed account, got %+v", acct)
	}
	if _, err := svc.Register(context.Background(), "alice", "hash", ""); !errors.Is(err, domain.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestDepositValidation(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")

	for _, amount := range []float64{0, -5, math.NaN(), math.Inf(1), 1_000_000_001} {
		if _, err := svc.Deposit(context.Background(), "alice", amount); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Fatalf("deposit(%v): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	acct, err := svc.Deposit(context.Background(), "alice", 150)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if acct.CashBalance != 150 {
		t.Fatalf("expected cash 150, got %v", acct.CashBalance)
	}
}

func TestWithdrawAllowsDebt(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")

	acct, err := svc.Withdraw(context.Background(), "alice", 200)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if acct.CashBalance != -200 {
		t.Fatalf("expected cash -200, got %v", acct.CashBalance)
	}
}

func TestTransferConservation(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")
	mustRegister(t, svc, "bob")
	if _, err := svc.Deposit(context.Background(), "alice", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := svc.Transfer(context.Background(), "alice", "bob", 40); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	alice, _ := svc.Get("alice")
	bob, _ := svc.Get("bob")
	if alice.CashBalance != 60 || bob.CashBalance != 40 {
		t.Fatalf("expected 60/40, got %v/%v", alice.CashBalance, bob.CashBalance)
	}
	if alice.CashBalance+bob.CashBalance != 100 {
		t.Fatalf("transfer did not conserve total: %v", alice.CashBalance+bob.CashBalance)
	}
}

func TestTransferFailuresLeaveAccountsUntouched(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")
	mustRegister(t, svc, "bob")
	if _, err := svc.Deposit(context.Background(), "alice", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	cases := []struct {
		name   string
		to     string
		amount float64
		want   error
	}{
		{"self transfer", "alice", 10, domain.ErrSelfTransfer},
		{"missing recipient", "carol", 10, domain.ErrRecipientNotFound},
		{"zero amount", "bob", 0, domain.ErrInvalidAmount},
		{"over ceiling", "bob", 1_000_000_001, domain.ErrInvalidAmount},
	}
	for _, tc := range cases {
		if _, err := svc.Transfer(context.Background(), "alice", tc.to, tc.amount); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		alice, _ := svc.Get("alice")
		bob, _ := svc.Get("bob")
		if alice.CashBalance != 100 || bob.CashBalance != 0 {
			t.Fatalf("%s: balances mutated to %v/%v", tc.name, alice.CashBalance, bob.CashBalance)
		}
	}
}

func TestLoanLimit(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")

	if _, err := svc.RequestLoan(context.Background(), "alice", 4000); err != nil {
		t.Fatalf("request loan: %v", err)
	}
	if _, err := svc.RequestLoan(context.Background(), "alice", 1001); !errors.Is(err, domain.ErrLoanLimitExceeded) {
		t.Fatalf("expected ErrLoanLimitExceeded, got %v", err)
	}
	acct, _ := svc.Get("alice")
	if acct.LoanBalance != 4000 || acct.CashBalance != 4000 {
		t.Fatalf("rejected loan mutated account: %+v", acct)
	}
	if _, err := svc.RequestLoan(context.Background(), "alice", 1000); err != nil {
		t.Fatalf("loan up to limit: %v", err)
	}
}

func TestRepayLoanCapsAtOutstanding(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")

	// deposit(150) + loan(100) then overpay(300): only the outstanding 100
	// is applied.
	if _, err := svc.Deposit(context.Background(), "alice", 150); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	acct, err := svc.RequestLoan(context.Background(), "alice", 100)
	if err != nil {
		t.Fatalf("request loan: %v", err)
	}
	if acct.CashBalance != 250 || acct.LoanBalance != 100 {
		t.Fatalf("after loan: %+v", acct)
	}
	acct, applied, err := svc.RepayLoan(context.Background(), "alice", 300)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if applied != 100 {
		t.Fatalf("expected applied 100, got %v", applied)
	}
	if acct.CashBalance != 150 || acct.LoanBalance != 0 {
		t.Fatalf("after repay: %+v", acct)
	}
}

func TestAccrual(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "saver")
	mustRegister(t, svc, "debtor")
	mustRegister(t, svc, "borrower")
	mustRegister(t, svc, "idle")

	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "saver", 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "debtor", 1000); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := svc.RequestLoan(ctx, "borrower", 1000); err != nil {
		t.Fatalf("loan: %v", err)
	}

	changed := svc.AccrueAll()
	if changed != 3 {
		t.Fatalf("expected 3 accounts changed, got %d", changed)
	}

	saver, _ := svc.Get("saver")
	if saver.CashBalance != 1001 {
		t.Fatalf("saver interest: expected 1001, got %v", saver.CashBalance)
	}
	debtor, _ := svc.Get("debtor")
	if debtor.CashBalance != -1005 {
		t.Fatalf("debtor fee: expected -1005, got %v", debtor.CashBalance)
	}
	borrower, _ := svc.Get("borrower")
	if borrower.LoanBalance != 1002 {
		t.Fatalf("borrower loan interest: expected 1002, got %v", borrower.LoanBalance)
	}
	if borrower.CashBalance != 1001 {
		t.Fatalf("borrower cash interest: expected 1001, got %v", borrower.CashBalance)
	}
	idle, _ := svc.Get("idle")
	if idle.CashBalance != 0 || idle.LoanBalance != 0 {
		t.Fatalf("idle account accrued: %+v", idle)
	}
}

func TestBuySellHoldings(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "alice", 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := svc.Buy(ctx, "alice", "AAPL", 20, 100); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds on oversized buy, got %v", err)
	}
	acct, err := svc.Buy(ctx, "alice", "AAPL", 5, 100)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if acct.CashBalance != 500 || acct.Holdings["AAPL"] != 5 {
		t.Fatalf("after buy: %+v", acct)
	}

	if _, err := svc.Sell(ctx, "alice", "AAPL", 6, 100); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds on oversell, got %v", err)
	}
	acct, err = svc.Sell(ctx, "alice", "AAPL", 5, 120)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if acct.CashBalance != 1100 {
		t.Fatalf("after sell: expected cash 1100, got %v", acct.CashBalance)
	}
	if _, ok := acct.Holdings["AAPL"]; ok {
		t.Fatal("empty position should be removed from holdings")
	}
}

func TestAdminOps(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "alice", 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.RequestLoan(ctx, "alice", 300); err != nil {
		t.Fatalf("loan: %v", err)
	}

	acct, err := svc.ResetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if acct.CashBalance != 0 {
		t.Fatalf("expected cash 0, got %v", acct.CashBalance)
	}
	if acct.LoanBalance != 300 {
		t.Fatalf("reset should not touch loan, got %v", acct.LoanBalance)
	}
	acct, err = svc.ForgiveLoan(ctx, "alice")
	if err != nil {
		t.Fatalf("forgive: %v", err)
	}
	if acct.LoanBalance != 0 {
		t.Fatalf("expected loan 0, got %v", acct.LoanBalance)
	}
}

func TestSetLoanPolicy(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")

	if err := svc.SetLoanPolicy(100, 0.01); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if _, err := svc.RequestLoan(context.Background(), "alice", 101); !errors.Is(err, domain.ErrLoanLimitExceeded) {
		t.Fatalf("expected ErrLoanLimitExceeded under new limit, got %v", err)
	}
	if err := svc.SetLoanPolicy(-1, 0.01); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative limit, got %v", err)
	}
	limit, rate := svc.LoanPolicy()
	if limit != 100 || rate != 0.01 {
		t.Fatalf("rejected policy applied: %v/%v", limit, rate)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")
	if _, err := svc.Buy(context.Background(), "alice", "TSLA", 1, 1); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := svc.Deposit(context.Background(), "alice", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.Buy(context.Background(), "alice", "TSLA", 1, 50); err != nil {
		t.Fatalf("buy: %v", err)
	}

	acct, _ := svc.Get("alice")
	acct.CashBalance = 9999
	acct.Holdings["TSLA"] = 9999

	fresh, _ := svc.Get("alice")
	if fresh.CashBalance != 50 || fresh.Holdings["TSLA"] != 1 {
		t.Fatalf("mutating a returned copy leaked into the service: %+v", fresh)
	}
}

type failingStore struct{}

func (failingStore) Load(ctx context.Context) ([]domain.Account, error) {
	return nil, errors.New("backend down")
}

func (failingStore) Save(ctx context.Context, accounts []domain.Account) error {
	return errors.New("backend down")
}

func TestPersistenceFailureKeepsMutation(t *testing.T) {
	svc := New(testConfig(), failingStore{}, nil, testLogger())
	if _, err := svc.Register(context.Background(), "alice", "hash", ""); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	acct, err := svc.Deposit(context.Background(), "alice", 100)
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if acct == nil || acct.CashBalance != 100 {
		t.Fatalf("mutation should survive a failed save, got %+v", acct)
	}
	fresh, gerr := svc.Get("alice")
	if gerr != nil || fresh.CashBalance != 100 {
		t.Fatalf("in-memory state lost after failed save: %+v %v", fresh, gerr)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	svc := newTestService(t)
	mustRegister(t, svc, "alice")
	mustRegister(t, svc, "bob")
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "alice", 250); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.RequestLoan(ctx, "bob", 100); err != nil {
		t.Fatalf("loan: %v", err)
	}
	if _, err := svc.Buy(ctx, "alice", "MSFT", 2, 50); err != nil {
		t.Fatalf("buy: %v", err)
	}

	snap := svc.Snapshot()
	other := newTestService(t)
	other.Restore(snap)

	restored := other.List()
	original := svc.List()
	if len(restored) != len(original) {
		t.Fatalf("expected %d accounts, got %d", len(original), len(restored))
	}
	for i := range original {
		want, got := original[i], restored[i]
		if want.Username != got.Username || want.CashBalance != got.CashBalance || want.LoanBalance != got.LoanBalance {
			t.Fatalf("account %d mismatch: %+v vs %+v", i, want, got)
		}
		if len(want.Holdings) != len(got.Holdings) {
			t.Fatalf("holdings mismatch for %s", want.Username)
		}
		for sym, qty := range want.Holdings {
			if got.Holdings[sym] != qty {
				t.Fatalf("holding %s mismatch for %s", sym, want.Username)
			}
		}
	}
}
