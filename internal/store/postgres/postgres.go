package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/ledgerd/internal/domain"
	"github.com/splax/ledgerd/internal/store"
)

// Store persists ledger snapshots in PostgreSQL. Each save replaces the
// whole collection inside one transaction, matching the write-through
// contract of the file backend.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New constructs a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load reads every account and its holdings.
func (s *Store) Load(ctx context.Context) ([]domain.Account, error) {
	const accountsQuery = `SELECT username, password_hash, password_salt, cash_balance, loan_balance, created_at
		FROM accounts ORDER BY username`
	rows, err := s.pool.Query(ctx, accountsQuery)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*domain.Account)
	var accounts []*domain.Account
	for rows.Next() {
		var acct domain.Account
		if err := rows.Scan(&acct.Username, &acct.PasswordHash, &acct.PasswordSalt, &acct.CashBalance, &acct.LoanBalance, &acct.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		acct.Holdings = make(map[string]int64)
		accounts = append(accounts, &acct)
		byName[acct.Username] = &acct
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, store.ErrNotFound
	}

	const holdingsQuery = `SELECT username, symbol, quantity FROM holdings WHERE quantity > 0`
	hrows, err := s.pool.Query(ctx, holdingsQuery)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer hrows.Close()
	for hrows.Next() {
		var username, symbol string
		var qty int64
		if err := hrows.Scan(&username, &symbol, &qty); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		if acct, ok := byName[username]; ok {
			acct.Holdings[symbol] = qty
		}
	}
	if err := hrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}

	out := make([]domain.Account, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, *acct)
	}
	return out, nil
}

// Save replaces the persisted collection with the given snapshot.
func (s *Store) Save(ctx context.Context, accounts []domain.Account) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM holdings`); err != nil {
		return fmt.Errorf("clear holdings: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM accounts`); err != nil {
		return fmt.Errorf("clear accounts: %w", err)
	}

	batch := &pgx.Batch{}
	const insertAccount = `INSERT INTO accounts (username, password_hash, password_salt, cash_balance, loan_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	const insertHolding = `INSERT INTO holdings (username, symbol, quantity) VALUES ($1, $2, $3)`
	for i := range accounts {
		acct := &accounts[i]
		batch.Queue(insertAccount, acct.Username, acct.PasswordHash, acct.PasswordSalt, acct.CashBalance, acct.LoanBalance, acct.CreatedAt)
		for sym, qty := range acct.Holdings {
			batch.Queue(insertHolding, acct.Username, sym, qty)
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}
