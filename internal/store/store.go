package store

import (
	"context"
	"errors"

	"github.com/splax/ledgerd/internal/domain"
)

// ErrNotFound indicates no persisted ledger state exists yet.
var ErrNotFound = errors.New("store: not found")

// Store persists the whole account collection as one snapshot. Save is
// write-through: it is called after every successful mutation with a
// consistent copy of all accounts.
type Store interface {
	Load(ctx context.Context) ([]domain.Account, error)
	Save(ctx context.Context, accounts []domain.Account) error
}
