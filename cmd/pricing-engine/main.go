package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/bazaar/pricing-engine/internal/api"
	"github.com/bazaar/pricing-engine/internal/applier"
	"github.com/bazaar/pricing-engine/internal/config"
	"github.com/bazaar/pricing-engine/internal/engine"
	"github.com/bazaar/pricing-engine/internal/experiment"
	"github.com/bazaar/pricing-engine/internal/metrics"
	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/optimal"
	"github.com/bazaar/pricing-engine/internal/pricingctx"
	"github.com/bazaar/pricing-engine/internal/rules"
	"github.com/bazaar/pricing-engine/internal/scheduler"
	"github.com/bazaar/pricing-engine/internal/store"
	"github.com/bazaar/pricing-engine/internal/surge"
)

// ruleSink is any store that can take seeded rules.
type ruleSink func(ctx context.Context, r model.PriceRule) error

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var seed ruleSink
	var cached *store.CachedStore
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
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		seed = func(ctx context.Context, r model.PriceRule) error { return pg.CreateRule(ctx, &r) }
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
			cached = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			st = cached
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		mem := store.NewMemoryStore()
		st = mem
		seed = func(_ context.Context, r model.PriceRule) error { mem.PutRule(r); return nil }
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.RulesFile != "" {
		if err := seedRules(ctx, cfg.RulesFile, seed); err != nil {
			slog.Error("rule pack load failed", "path", cfg.RulesFile, "err", err)
			os.Exit(1)
		}
		if cached != nil {
			if err := cached.InvalidateRules(ctx); err != nil {
				slog.Warn("rule cache invalidation failed", "err", err)
			}
		}
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheus(reg)

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Pricing engine ---
	builder := pricingctx.NewBuilder(st, st, st).WithLocation(cfg.Location)
	ap := applier.New(st, sink, hub).WithThreshold(cfg.ChangeThreshold)
	monitor := surge.NewMonitor(st, builder, ap, optimal.NewReferencePricer(st), sink)
	analyzer := experiment.NewAnalyzer(st, ap, sink)
	analyzer.ApplyWinner = cfg.ApplyExperimentWinner

	eng := engine.New(engine.Deps{
		Store:       st,
		Builder:     builder,
		Applier:     ap,
		Surges:      monitor,
		Experiments: analyzer,
		Sink:        sink,
	}).WithItemTimeout(cfg.ItemTimeout).WithRateLimit(cfg.PassRateLimit, cfg.PassBurst)

	sched := scheduler.New(eng, cfg.Intervals)
	sched.Start(ctx)

	// --- HTTP router ---
	router := api.NewRouter(api.RouterConfig{
		Service:  api.NewService(st, sched),
		Hub:      hub,
		Metrics:  sink,
		Gatherer: reg,
		Timeout:  60 * time.Second,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("pricing-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down pricing-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	sched.Wait()
	fmt.Println("pricing-engine stopped")
}

func seedRules(ctx context.Context, path string, seed ruleSink) error {
	pack, err := rules.LoadRulePack(path)
	if err != nil {
		return err
	}
	for _, r := range pack {
		if err := seed(ctx, r); err != nil {
			return fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
	}
	slog.Info("rule pack loaded", "path", path, "rules", len(pack))
	return nil
}
