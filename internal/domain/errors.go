package domain

import "errors"

var (
	// ErrInvalidAmount rejects non-positive, non-finite, or over-ceiling amounts.
	ErrInvalidAmount = errors.New("amount must be positive, finite, and within the transaction ceiling")
	// ErrInsufficientFunds rejects share purchases and sales the account cannot cover.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrRecipientNotFound rejects transfers to an unknown recipient.
	ErrRecipientNotFound = errors.New("recipient account not found")
	// ErrSelfTransfer rejects transfers from an account to itself.
	ErrSelfTransfer = errors.New("cannot transfer to the same account")
	// ErrLoanLimitExceeded rejects loans that would push the balance over the limit.
	ErrLoanLimitExceeded = errors.New("loan limit exceeded")
	// ErrPersistence flags a failed write-through save. The in-memory mutation
	// is kept; callers surface this as a warning.
	ErrPersistence = errors.New("failed to persist ledger state")

	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidUsername = errors.New("username is required")
	ErrAccountExists   = errors.New("account already exists")
	ErrUnknownSymbol   = errors.New("unknown instrument symbol")
)
