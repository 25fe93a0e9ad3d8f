package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/ledgerd/internal/domain"
	"github.com/splax/ledgerd/internal/store"
)

// Config carries the accrual rates and limits the service applies. Rates are
// per accrual tick, not annualized.
type Config struct {
	InterestRate     float64
	DebtFeeRate      float64
	LoanInterestRate float64
	LoanLimit        float64
	MaxTransaction   float64
}

// Publisher receives a fresh snapshot after every successful mutation.
// Implementations must not block.
type Publisher interface {
	PublishAccounts(accounts []domain.Account)
}

// Service owns the account collection. All reads and writes go through its
// methods under a single lock; callers never hold references into the map.
// Failed operations leave every account untouched.
type Service struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account

	loanLimit        float64
	loanInterestRate float64

	cfg    Config
	st     store.Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Service. pub may be nil.
func New(cfg Config, st store.Store, pub Publisher, logger *slog.Logger) *Service {
	return &Service{
		accounts:         make(map[string]*domain.Account),
		loanLimit:        cfg.LoanLimit,
		loanInterestRate: cfg.LoanInterestRate,
		cfg:              cfg,
		st:               st,
		pub:              pub,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) validAmount(amount float64) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return domain.ErrInvalidAmount
	}
	if amount > s.cfg.MaxTransaction {
		return domain.ErrInvalidAmount
	}
	return nil
}

// Register creates a zero-balance account for the given credential material.
func (s *Service) Register(ctx context.Context, username, passwordHash, passwordSalt string) (*domain.Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, domain.ErrInvalidUsername
	}
	s.mu.Lock()
	if _, ok := s.accounts[username]; ok {
		s.mu.Unlock()
		return nil, domain.ErrAccountExists
	}
	acct := domain.NewAccount(username, passwordHash, passwordSalt, s.now())
	s.accounts[username] = acct
	out := acct.Clone()
	s.mu.Unlock()

	return out, s.persist(ctx)
}

// UpdateCredentials replaces the stored credential material, used when a
// legacy hash is upgraded after a successful login.
func (s *Service) UpdateCredentials(ctx context.Context, username, passwordHash, passwordSalt string) error {
	_, err := s.mutate(ctx, username, func(acct *domain.Account) error {
		acct.PasswordHash = passwordHash
		acct.PasswordSalt = passwordSalt
		return nil
	})
	return err
}

// Get returns a copy of the named account.
func (s *Service) Get(username string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[username]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

// List returns copies of all accounts ordered by username.
func (s *Service) List() []domain.Account {
	s.mu.RLock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, *acct.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Deposit credits cash. The amount must be positive, finite, and within the
// transaction ceiling.
func (s *Service) Deposit(ctx context.Context, username string, amount float64) (*domain.Account, error) {
	return s.mutate(ctx, username, func(acct *domain.Account) error {
		if err := s.validAmount(amount); err != nil {
			return err
		}
		acct.CashBalance += amount
		return nil
	})
}

// Withdraw debits cash unconditionally. Balances may go negative: that is
// the debt feature, and it accrues fees each tick.
func (s *Service) Withdraw(ctx context.Context, username string, amount float64) (*domain.Account, error) {
	return s.mutate(ctx, username, func(acct *domain.Account) error {
		if err := s.validAmount(amount); err != nil {
			return err
		}
		acct.CashBalance -= amount
		return nil
	})
}

// Transfer moves amount from one account to another as one atomic unit.
// On any validation failure neither account changes.
func (s *Service) Transfer(ctx context.Context, from, to string, amount float64) (*domain.Account, error) {
	s.mu.Lock()
	src, ok := s.accounts[from]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrAccountNotFound
	}
	if from == to {
		s.mu.Unlock()
		return nil, domain.ErrSelfTransfer
	}
	dst, ok := s.accounts[to]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrRecipientNotFound
	}
	if err := s.validAmount(amount); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	src.CashBalance -= amount
	dst.CashBalance += amount
	out := src.Clone()
	s.mu.Unlock()

	return out, s.persist(ctx)
}

// RequestLoan extends the account's credit line, crediting cash and loan
// together. The outstanding loan may never exceed the configured limit.
func (s *Service) RequestLoan(ctx context.Context, username string, amount float64) (*domain.Account, error) {
	return s.mutate(ctx, username, func(acct *domain.Account) error {
		if err := s.validAmount(amount); err != nil {
			return err
		}
		if acct.LoanBalance+amount > s.loanLimit {
			return domain.ErrLoanLimitExceeded
		}
		acct.LoanBalance += amount
		acct.CashBalance += amount
		return nil
	})
}

// RepayLoan applies min(amount, loanBalance) against the loan and cash, and
// reports the amount actually applied. Repaying more than is owed is not an
// error; the excess is simply ignored.
func (s *Service) RepayLoan(ctx context.Context, username string, amount float64) (*domain.Account, float64, error) {
	var applied float64
	acct, err := s.mutate(ctx, username, func(acct *domain.Account) error {
		if err := s.validAmount(amount); err != nil {
			return err
		}
		applied = math.Min(amount, acct.LoanBalance)
		acct.LoanBalance -= applied
		acct.CashBalance -= applied
		return nil
	})
	return acct, applied, err
}

// Buy purchases qty shares of symbol at the quoted price. Unlike cash
// withdrawals, share purchases must be covered.
func (s *Service) Buy(ctx context.Context, username, symbol string, qty int64, price float64) (*domain.Account, error) {
	return s.mutate(ctx, username, func(acct *domain.Account) error {
		if qty <= 0 || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return domain.ErrInvalidAmount
		}
		cost := price * float64(qty)
		if acct.CashBalance < cost {
			return domain.ErrInsufficientFunds
		}
		acct.CashBalance -= cost
		acct.Holdings[symbol] += qty
		return nil
	})
}

// Sell disposes of qty shares of symbol at the quoted price. A sale that
// empties a position removes the holdings entry entirely.
func (s *Service) Sell(ctx context.Context, username, symbol string, qty int64, price float64) (*domain.Account, error) {
	return s.mutate(ctx, username, func(acct *domain.Account) error {
		if qty <= 0 || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return domain.ErrInvalidAmount
		}
		if acct.Holdings[symbol] < qty {
			return domain.ErrInsufficientFunds
		}
		acct.Holdings[symbol] -= qty
		if acct.Holdings[symbol] == 0 {
			delete(acct.Holdings, symbol)
		}
		acct.CashBalance += price * float64(qty)
		return nil
	})
}

// ResetBalance zeroes the cash balance unconditionally. Caller authorization
// is the transport layer's concern.
func (s *Service) ResetBalance(ctx context.Context, username string) (*domain.Account, error) {
	return s.mutate(ctx, username, func(acct *domain.Account) error {
		acct.CashBalance = 0
		return nil
	})
}

// ForgiveLoan zeroes the loan balance unconditionally.
func (s *Service) ForgiveLoan(ctx context.Context, username string) (*domain.Account, error) {
	return s.mutate(ctx, username, func(acct *domain.Account) error {
		acct.LoanBalance = 0
		return nil
	})
}

// SetLoanPolicy adjusts the loan limit and per-tick loan interest rate at
// runtime. Existing loans above a lowered limit are left alone; they simply
// block further borrowing.
func (s *Service) SetLoanPolicy(limit, rate float64) error {
	if limit < 0 || rate < 0 || math.IsNaN(limit) || math.IsNaN(rate) || math.IsInf(limit, 0) || math.IsInf(rate, 0) {
		return domain.ErrInvalidAmount
	}
	s.mu.Lock()
	s.loanLimit = limit
	s.loanInterestRate = rate
	s.mu.Unlock()
	return nil
}

// LoanPolicy reports the current loan limit and per-tick loan interest rate.
func (s *Service) LoanPolicy() (limit, rate float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loanLimit, s.loanInterestRate
}

// AccrueAll applies one accrual tick to every account: interest on positive
// cash, fees on debt, interest on outstanding loans. It reports how many
// accounts changed. Persistence is the caller's responsibility so the
// scheduler can batch the save with its broadcast.
func (s *Service) AccrueAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, acct := range s.accounts {
		before := *acct
		switch {
		case acct.CashBalance > 0:
			acct.CashBalance += acct.CashBalance * s.cfg.InterestRate
		case acct.CashBalance < 0:
			acct.CashBalance += acct.CashBalance * s.cfg.DebtFeeRate
		}
		if acct.LoanBalance > 0 {
			acct.LoanBalance += acct.LoanBalance * s.loanInterestRate
		}
		if before.CashBalance != acct.CashBalance || before.LoanBalance != acct.LoanBalance {
			changed++
		}
	}
	return changed
}

// Totals reports aggregate cash, loan, and account count for metrics.
func (s *Service) Totals() (cash, loan float64, accounts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acct := range s.accounts {
		cash += acct.CashBalance
		loan += acct.LoanBalance
	}
	return cash, loan, len(s.accounts)
}

// Snapshot returns a consistent copy of all accounts ordered by username.
func (s *Service) Snapshot() []domain.Account {
	return s.List()
}

// Restore replaces the in-memory collection with previously persisted state.
// Called once at startup before any traffic is served.
func (s *Service) Restore(accounts []domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*domain.Account, len(accounts))
	for i := range accounts {
		acct := accounts[i].Clone()
		if acct.Holdings == nil {
			acct.Holdings = make(map[string]int64)
		}
		s.accounts[acct.Username] = acct
	}
}

// mutate runs fn against the named account under the write lock, then
// persists. Validation failures inside fn abort without touching the account.
func (s *Service) mutate(ctx context.Context, username string, fn func(*domain.Account) error) (*domain.Account, error) {
	s.mu.Lock()
	acct, ok := s.accounts[username]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrAccountNotFound
	}
	if err := fn(acct); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	out := acct.Clone()
	s.mu.Unlock()

	return out, s.persist(ctx)
}

// persist writes the full collection through to the store from a fresh
// snapshot, outside the write lock. A failed save keeps the in-memory state
// and comes back wrapped in domain.ErrPersistence so the transport layer can
// report it as a warning rather than a failure.
func (s *Service) persist(ctx context.Context) error {
	snap := s.Snapshot()
	if s.pub != nil {
		s.pub.PublishAccounts(snap)
	}
	if s.st == nil {
		return nil
	}
	if err := s.st.Save(ctx, snap); err != nil {
		s.logger.Warn("write-through save failed", "error", err)
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// Persist forces a write-through save of the current state. Used by the
// accrual scheduler and at shutdown.
func (s *Service) Persist(ctx context.Context) error {
	return s.persist(ctx)
}
