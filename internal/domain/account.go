package domain

import "time"

// Account is a ledger record identified by username. CashBalance is signed:
// a negative value represents debt, which is a supported state, not an error.
// LoanBalance never goes below zero.
type Account struct {
	Username     string
	PasswordHash string
	PasswordSalt string
	CashBalance  float64
	LoanBalance  float64
	Holdings     map[string]int64
	CreatedAt    time.Time
}

// NewAccount returns a zero-balance account for the given credentials.
func NewAccount(username, passwordHash, passwordSalt string, now time.Time) *Account {
	return &Account{
		Username:     username,
		PasswordHash: passwordHash,
		PasswordSalt: passwordSalt,
		Holdings:     make(map[string]int64),
		CreatedAt:    now,
	}
}

// Clone returns a deep copy safe to hand out to readers.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Holdings = make(map[string]int64, len(a.Holdings))
	for sym, qty := range a.Holdings {
		cp.Holdings[sym] = qty
	}
	return &cp
}
