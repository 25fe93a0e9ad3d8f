package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/splax/ledgerd/internal/domain"
	"github.com/splax/ledgerd/internal/store"
	"github.com/splax/ledgerd/internal/store/snapshot"
)

// Store persists the account collection as a single versioned JSON file.
// Writes go to a temp file in the same directory followed by a rename, so a
// crash mid-save never leaves a torn document behind.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// New constructs a Store writing to path.
func New(path string, logger *slog.Logger) *Store {
	if logger != nil {
		logger = logger.With("component", "file_store")
	}
	return &Store{
		path:   path,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Load reads and decodes the snapshot file. A missing file is reported as
// store.ErrNotFound so a first boot can start empty.
func (s *Store) Load(ctx context.Context) ([]domain.Account, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	accounts, err := snapshot.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}
	return accounts, nil
}

// Save atomically replaces the snapshot file with the given collection.
func (s *Store) Save(ctx context.Context, accounts []domain.Account) error {
	data, err := snapshot.Encode(accounts, s.now())
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	if s.logger != nil {
		s.logger.Debug("snapshot saved", "path", s.path, "accounts", len(accounts))
	}
	return nil
}
