package ledger

import (
	"context"
	"sync"
	"time"

	"log/slog"
)

const defaultAccrualInterval = time.Second

// Accruer drives the periodic accrual tick. Each tick applies interest and
// fees to every account, then persists and publishes the new snapshot.
type Accruer struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	once     sync.Once
}

// NewAccruer constructs an Accruer with sane defaults.
func NewAccruer(svc *Service, interval time.Duration, logger *slog.Logger) *Accruer {
	if interval <= 0 {
		interval = defaultAccrualInterval
	}
	if logger != nil {
		logger = logger.With("component", "accrual")
	}
	return &Accruer{svc: svc, interval: interval, logger: logger}
}

// Run starts the accrual loop. It blocks until the context is cancelled, at
// which point a final best-effort save runs.
func (a *Accruer) Run(ctx context.Context) {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if a.logger != nil {
			a.logger.Info("accrual scheduler started", "interval", a.interval)
		}
	})
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := a.svc.Persist(context.Background()); err != nil {
				if a.logger != nil {
					a.logger.Warn("final save failed", "error", err)
				}
			}
			if a.logger != nil {
				a.logger.Info("accrual scheduler stopped")
			}
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Accruer) tick(ctx context.Context) {
	changed := a.svc.AccrueAll()
	if changed == 0 {
		return
	}
	if err := a.svc.Persist(ctx); err != nil && a.logger != nil {
		a.logger.Debug("accrual save failed", "error", err)
	}
}
