package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/brokerage/position-ledger/internal/api"
	"github.com/brokerage/position-ledger/internal/config"
	"github.com/brokerage/position-ledger/internal/lots"
	"github.com/brokerage/position-ledger/internal/metrics"
	"github.com/brokerage/position-ledger/internal/order"
	"github.com/brokerage/position-ledger/internal/ratelimit"
	"github.com/brokerage/position-ledger/internal/settlement"
	"github.com/brokerage/position-ledger/internal/store"
	"github.com/brokerage/position-ledger/internal/wallet"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts the ledger API. Storage is PostgreSQL when DATABASE_URL is set
(with a Redis wallet cache when REDIS_URL is also set), SQLite when
SQLITE_PATH is set, otherwise in-memory. Ctrl+C shuts down gracefully.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Store ---
	st, closeStore, err := openStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	// --- Rate limiters ---
	limiterCfg := ratelimit.Config{
		Capacity: cfg.RateLimitCapacity,
		Window:   cfg.RateLimitWindow,
		MaxKeys:  cfg.RateLimitMaxKeys,
	}
	orderLimiter, err := newLimiter(cfg.RateLimitBackend, limiterCfg, rdb)
	if err != nil {
		return err
	}
	httpLimiter, err := newLimiter(cfg.RateLimitBackend, limiterCfg, rdb)
	if err != nil {
		return err
	}

	// --- Ledgers ---
	cal, err := settlement.ParseCalendar(cfg.SettlementCalendar)
	if err != nil {
		return err
	}
	clock := settlement.NewClock(settlement.WithCalendar(cal))
	wallets := wallet.NewLedger(st, clock, wallet.Defaults{
		Currency: cfg.DefaultCurrency,
		Limits:   cfg.WalletLimits,
	})
	lotLedger := lots.NewLedger(st, clock)

	hub := api.NewWSHub()
	coord, err := order.NewCoordinator(st, orderLimiter, wallets, lotLedger, clock, order.Config{
		SettlementDays: cfg.SettlementDays,
		SaleRetryLimit: cfg.SaleRetryLimit,
		CommissionRate: cfg.CommissionRate,
	}, hub)
	if err != nil {
		return err
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Rate-Limit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"position-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	h := api.NewHandler(wallets, lotLedger, coord, st)
	routes := h.Routes(httpLimiter)
	// WebSocket connections outlive the request timeout.
	r.Get("/api/v1/ws", hub.HandleWS)
	r.With(middleware.Timeout(30*time.Second)).Mount("/api/v1", routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("position-ledger listening", "port", cfg.Port, "store", storeKind(cfg))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down position-ledger...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server stopped with error", "error", err)
		return err
	}
	slog.Info("position-ledger stopped")
	return nil
}

// openStore picks the backend: PostgreSQL, then SQLite, then memory.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("connected to PostgreSQL")

		var st store.Store = store.NewPostgresStore(pool)
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
		return st, pool.Close, nil

	case cfg.SQLitePath != "":
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		st, err := store.NewSQLStore(db)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
		return st, func() { sqlDB.Close() }, nil
	}

	slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
	return store.NewMemoryStore(), func() {}, nil
}

func newLimiter(backend string, cfg ratelimit.Config, rdb *redis.Client) (ratelimit.Limiter, error) {
	if backend == "redis" {
		if rdb == nil {
			return nil, errors.New("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
		return ratelimit.NewRedisLimiter(rdb, cfg)
	}
	return ratelimit.NewMemoryLimiter(cfg)
}

func storeKind(cfg *config.Config) string {
	switch {
	case cfg.DatabaseURL != "":
		return "postgres"
	case cfg.SQLitePath != "":
		return "sqlite"
	}
	return "memory"
}
