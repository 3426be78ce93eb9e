package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/trustedstake/stake-engine/internal/balance"
	"github.com/trustedstake/stake-engine/internal/chain"
	"github.com/trustedstake/stake-engine/internal/config"
	"github.com/trustedstake/stake-engine/internal/feed"
	"github.com/trustedstake/stake-engine/internal/logging"
	"github.com/trustedstake/stake-engine/internal/metrics"
	"github.com/trustedstake/stake-engine/internal/pnl"
	"github.com/trustedstake/stake-engine/internal/portfolio"
	"github.com/trustedstake/stake-engine/internal/store"
)

const serviceName = "stake-engine"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(serviceName, cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Chain ---
	rpc := chain.NewRPCClient(cfg.ChainURL)
	defer rpc.Close()
	subtensor := chain.NewSubtensor(rpc).WithPageSize(cfg.ChainPageSize)
	aggregator := balance.NewAggregator(subtensor, cfg.FetchConcurrency)

	// --- Upstream API ---
	feedClient := feed.NewClient(feed.Config{
		BaseURL:      cfg.FeedBaseURL,
		PriceURL:     cfg.PriceURL,
		PageInterval: cfg.FeedPageInterval,
		HTTPClient:   &http.Client{Timeout: cfg.FeedTimeout},
	})

	// --- PnL worker ---
	engine, err := pnl.NewEngine(cfg.PnLCacheSize)
	if err != nil {
		slog.Error("pnl engine init failed", "err", err)
		os.Exit(1)
	}
	worker := pnl.NewWorker(engine, cfg.PnLQueueSize)
	go worker.Run(ctx)

	// --- WebSocket hub ---
	wsHub := portfolio.NewWSHub()
	go wsHub.Run(ctx)

	// --- Portfolio service ---
	svc := portfolio.NewService(portfolio.Options{
		Balances:       aggregator,
		Wallet:         subtensor,
		Feed:           feedClient,
		Store:          st,
		Calculator:     worker,
		Hub:            wsHub,
		RequestTimeout: cfg.RequestTimeout,
	})

	poller := portfolio.NewPoller(svc, cfg.WatchAddresses, cfg.PollInterval, cfg.RequestTimeout)
	go poller.Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"stake-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("stake-engine listening", "port", cfg.Port, "chain", cfg.ChainURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down stake-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("stake-engine stopped")
}
