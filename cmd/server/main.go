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

	"github.com/atmx/auction-relay/internal/api"
	"github.com/atmx/auction-relay/internal/auction"
	"github.com/atmx/auction-relay/internal/chain"
	"github.com/atmx/auction-relay/internal/config"
	"github.com/atmx/auction-relay/internal/limits"
	"github.com/atmx/auction-relay/internal/metrics"
	"github.com/atmx/auction-relay/internal/opportunity"
	"github.com/atmx/auction-relay/internal/store"
	"github.com/atmx/auction-relay/internal/subscription"
)

func main() {
	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid redis_url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (bids will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Chains ---
	var supported []*chain.Chain
	for _, cc := range cfg.Chains {
		var exec chain.Executor
		if cc.RPCURL != "" {
			evm, err := chain.DialEVM(ctx, cc)
			if err != nil {
				slog.Error("chain dial failed", "chain", cc.ID, "err", err)
				os.Exit(1)
			}
			cleanup = append(cleanup, evm.Close)
			exec = evm
			slog.Info("chain connected", "chain", cc.ID, "relayer", evm.Relayer().Hex())
		} else {
			slog.Warn("chain has no rpc_url, bids will not be executed", "chain", cc.ID)
		}
		supported = append(supported, chain.New(cc, exec))
	}
	chains := chain.NewRegistry(supported...)
	if len(supported) == 0 {
		slog.Warn("no chains configured")
	}

	// --- Subscriptions and auction ---
	hub := subscription.NewHub(chains, cfg.SendQueueSize)

	opps := opportunity.NewRegistry(st, chains, hub, cfg.OpportunityTTL)
	go opps.Run(ctx)

	limiter := limits.NewPendingLimiter(
		cfg.Limits.MaxPendingPerKey,
		cfg.Limits.MaxPendingPerProtocol,
		cfg.Limits.ProtocolPrefixLen,
	)

	coord := auction.NewCoordinator(st, chains, opps, cfg.Auction)
	ledger := auction.NewLedger(st, chains, opps, limiter, hub, coord)
	if err := coord.Start(ctx, ledger); err != nil {
		slog.Error("auction start failed", "err", err)
		os.Exit(1)
	}

	svc := api.NewService(opps, ledger)
	ws := subscription.NewServer(hub, ledger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"auction-relay"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Long-lived socket; no request timeout.
		r.Get("/ws", ws.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("auction-relay listening", "port", cfg.Port, "chains", chains.IDs())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down auction-relay...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	coord.Wait()
	fmt.Println("auction-relay stopped")
}
