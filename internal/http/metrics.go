package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/ledgerd/internal/domain"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerd",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledgerd",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerd",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		r.opResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerd",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operation outcomes",
		}, []string{"op", "outcome"})

		collectors := []prometheus.Collector{r.requestTotal, r.requestLatency, r.rateLimitHits, r.opResults}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == r.requestTotal {
							r.requestTotal = v
						} else if collector == r.rateLimitHits {
							r.rateLimitHits = v
						} else {
							r.opResults = v
						}
					case *prometheus.HistogramVec:
						r.requestLatency = v
					}
				}
			}
		}

		r.registerLedgerGauges()
		r.metricsInitialized = true
	})
}

// registerLedgerGauges exposes aggregate ledger state as gauges computed at
// scrape time from a consistent snapshot.
func (r *Router) registerLedgerGauges() {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ledgerd",
			Subsystem: "ledger",
			Name:      "cash_total",
			Help:      "Sum of cash balances across all accounts",
		}, func() float64 {
			cash, _, _ := r.ledger.Totals()
			return cash
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ledgerd",
			Subsystem: "ledger",
			Name:      "loan_total",
			Help:      "Sum of outstanding loan balances",
		}, func() float64 {
			_, loan, _ := r.ledger.Totals()
			return loan
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ledgerd",
			Subsystem: "ledger",
			Name:      "accounts",
			Help:      "Number of registered accounts",
		}, func() float64 {
			_, _, accounts := r.ledger.Totals()
			return float64(accounts)
		}),
	}
	for _, gauge := range gauges {
		if err := prometheus.Register(gauge); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				r.logger.Warn("gauge registration failed", "error", err)
			}
		}
	}
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (r *Router) recordOpResult(op string, err error) {
	if !r.metricsInitialized {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPersistence):
		outcome = "persist_warn"
	default:
		outcome = "rejected"
	}
	r.opResults.With(prometheus.Labels{"op": op, "outcome": outcome}).Inc()
}
