package market

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/ledgerd/internal/domain"
)

const (
	defaultInterval = time.Second
	// Per-tick move: ~1% standard deviation, hard-clamped so a single tick
	// never swings a price more than 12% either way.
	stepStdDev = 0.01
	maxStep    = 0.12
	floorPrice = 0.01
)

// Quote is a point-in-time price for one symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	AsOf   time.Time `json:"as_of"`
}

// Publisher receives the full quote board after every price tick.
// Implementations must not block.
type Publisher interface {
	PublishQuotes(quotes []Quote)
}

// Feed simulates a pricing source with a clamped random walk per symbol.
// The ledger never sees these prices directly; callers quote a price and
// pass it into buy/sell operations.
type Feed struct {
	mu     sync.RWMutex
	prices map[string]float64

	interval time.Duration
	rng      *rand.Rand
	pub      Publisher
	logger   *slog.Logger
	now      func() time.Time
	once     sync.Once
}

// DefaultSymbols seeds the board the simulator traded.
func DefaultSymbols() map[string]float64 {
	return map[string]float64{
		"AAPL": 150,
		"GOOG": 2800,
		"AMZN": 3400,
		"MSFT": 300,
		"TSLA": 700,
	}
}

// NewFeed constructs a Feed over the given starting prices. A zero seed
// derives one from the clock; tests pass a fixed seed. pub may be nil.
func NewFeed(initial map[string]float64, interval time.Duration, seed int64, pub Publisher, logger *slog.Logger) *Feed {
	if len(initial) == 0 {
		initial = DefaultSymbols()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if logger != nil {
		logger = logger.With("component", "market")
	}
	prices := make(map[string]float64, len(initial))
	for sym, price := range initial {
		prices[sym] = price
	}
	return &Feed{
		prices:   prices,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		pub:      pub,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run advances prices on a fixed tick until the context is cancelled.
func (f *Feed) Run(ctx context.Context) {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.logger != nil {
			f.logger.Info("market feed started", "interval", f.interval, "symbols", len(f.prices))
		}
	})
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if f.logger != nil {
				f.logger.Info("market feed stopped")
			}
			return
		case <-ticker.C:
			f.Step()
		}
	}
}

// Step applies one random-walk move to every symbol and publishes the board.
func (f *Feed) Step() {
	f.mu.Lock()
	for sym, price := range f.prices {
		step := f.rng.NormFloat64() * stepStdDev
		if step > maxStep {
			step = maxStep
		}
		if step < -maxStep {
			step = -maxStep
		}
		next := price * (1 + step)
		if next < floorPrice {
			next = floorPrice
		}
		f.prices[sym] = next
	}
	f.mu.Unlock()

	if f.pub != nil {
		f.pub.PublishQuotes(f.Quotes())
	}
}

// Quote returns the current price for one symbol.
func (f *Feed) Quote(symbol string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[symbol]
	if !ok {
		return Quote{}, domain.ErrUnknownSymbol
	}
	return Quote{Symbol: symbol, Price: price, AsOf: f.now()}, nil
}

// Quotes returns the full board ordered by symbol.
func (f *Feed) Quotes() []Quote {
	f.mu.RLock()
	asOf := f.now()
	out := make([]Quote, 0, len(f.prices))
	for sym, price := range f.prices {
		out = append(out, Quote{Symbol: sym, Price: price, AsOf: asOf})
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Value prices a holdings map against the current board. Symbols without a
// quote contribute nothing.
func (f *Feed) Value(holdings map[string]int64) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var total float64
	for sym, qty := range holdings {
		if price, ok := f.prices[sym]; ok {
			total += price * float64(qty)
		}
	}
	return total
}
