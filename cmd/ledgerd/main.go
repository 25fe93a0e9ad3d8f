package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/ledgerd/internal/app/migrate"
	httpx "github.com/splax/ledgerd/internal/http"
	"github.com/splax/ledgerd/internal/service/auth"
	"github.com/splax/ledgerd/internal/service/ledger"
	"github.com/splax/ledgerd/internal/service/market"
	"github.com/splax/ledgerd/internal/store"
	filestore "github.com/splax/ledgerd/internal/store/file"
	pgstore "github.com/splax/ledgerd/internal/store/postgres"
	"github.com/splax/ledgerd/internal/ws"
	"github.com/splax/ledgerd/pkg/config"
	"github.com/splax/ledgerd/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("ledgerd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	dbHealth := func(context.Context) error { return nil }
	switch cfg.StorageDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		runner, err := migrate.New(pool, cfg.DatabaseURL, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		st = pgstore.New(pool)
		dbHealth = pool.Ping
	case "file":
		st = filestore.New(cfg.DataFile, log)
	default:
		log.Error("unknown storage driver", "driver", cfg.StorageDriver)
		os.Exit(1)
	}

	hub := ws.NewHub(log)

	ledgerSvc := ledger.New(ledger.Config{
		InterestRate:     cfg.InterestRate,
		DebtFeeRate:      cfg.DebtFeeRate,
		LoanInterestRate: cfg.LoanInterestRate,
		LoanLimit:        cfg.LoanLimit,
		MaxTransaction:   cfg.MaxTransaction,
	}, st, hub, log)

	accounts, err := st.Load(ctx)
	switch {
	case err == nil:
		ledgerSvc.Restore(accounts)
		log.Info("ledger state restored", "accounts", len(accounts))
	case errors.Is(err, store.ErrNotFound):
		log.Info("no persisted ledger state, starting empty")
	default:
		log.Error("failed to load ledger state", "error", err)
		os.Exit(1)
	}

	authSvc := auth.New(ledgerSvc, log, auth.Config{
		JWTSecret:       cfg.JWTSecret,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		AdminUsername:   cfg.AdminUsername,
		AdminPassword:   cfg.AdminPassword,
	})

	feed := market.NewFeed(market.DefaultSymbols(), cfg.MarketInterval, cfg.MarketSeed, hub, log)
	go feed.Run(ctx)

	accruer := ledger.NewAccruer(ledgerSvc, cfg.AccrualInterval, log)
	go accruer.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, ledgerSvc, feed, hub, limiter, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("ledgerd starting", "addr", cfg.Addr, "storage", cfg.StorageDriver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := ledgerSvc.Persist(context.Background()); err != nil {
			log.Warn("final save failed", "error", err)
		}
		log.Info("ledgerd stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
