package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/internal/analytics"
	"github.com/quarrylabs/quarry/internal/index"
	idxconsumer "github.com/quarrylabs/quarry/internal/index/consumer"
	"github.com/quarrylabs/quarry/internal/records"
	"github.com/quarrylabs/quarry/internal/searcher"
	"github.com/quarrylabs/quarry/internal/searcher/cache"
	"github.com/quarrylabs/quarry/internal/searcher/handler"
	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/health"
	"github.com/quarrylabs/quarry/pkg/kafka"
	"github.com/quarrylabs/quarry/pkg/logger"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/middleware"
	"github.com/quarrylabs/quarry/pkg/postgres"
	pkgredis "github.com/quarrylabs/quarry/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search service",
		"port", cfg.Server.Port,
		"datasets", len(cfg.Datasets),
		"indexing_enabled", cfg.Index.EnableIndexing,
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	store := records.NewStore(pg)

	registry := index.NewRegistry()
	if err := buildDatasets(ctx, registry, store, cfg, m); err != nil {
		slog.Error("failed to build datasets", "error", err)
		os.Exit(1)
	}

	var queryCache *cache.QueryCache
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, search caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		queryCache = cache.New(redisClient, cfg.Redis)
		slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	analyticsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
	defer analyticsProducer.Close()
	collector := analytics.NewCollector(analyticsProducer, 10000)
	collector.Start(ctx)
	defer collector.Close()

	aggregator := analytics.NewAggregator()
	aggregatorConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents, analytics.HandleEvent(aggregator))
	analyticsH := analytics.NewHandler(aggregator)

	changeHandler := idxconsumer.HandleMessage(registry, store, store,
		cfg.Index, cfg.DatasetFields(), pg.DB, m, collector)
	changeConsumer := idxconsumer.New(kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.RecordChanges, changeHandler))

	service := searcher.NewService(registry, m)
	h := handler.New(service, queryCache, collector, m, defaultDataset(cfg), cfg.Search)

	checker := health.NewChecker()
	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		for _, d := range cfg.Datasets {
			engine, ok := registry.Lookup(d.Name)
			if !ok || !engine.IsReady() {
				return health.ComponentHealth{Status: health.StatusDown, Message: fmt.Sprintf("dataset %s not ready", d.Name)}
			}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d datasets ready", len(cfg.Datasets))}
	})
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/datasets", h.Datasets)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /api/v1/analytics", analyticsH.Stats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return changeConsumer.Start(gctx)
	})
	g.Go(func() error {
		return aggregatorConsumer.Start(gctx)
	})
	g.Go(func() error {
		slog.Info("search service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("search service error", "error", err)
		os.Exit(1)
	}
	slog.Info("search service stopped")
}

// buildDatasets performs the initial build for every configured dataset.
func buildDatasets(ctx context.Context, registry *index.Registry, store *records.Store,
	cfg *config.Config, m *metrics.Metrics) error {
	for _, d := range cfg.Datasets {
		engine := registry.Get(d.Name, cfg.Index)
		recs, err := store.Load(ctx, d.Name)
		if err != nil {
			return fmt.Errorf("loading dataset %s: %w", d.Name, err)
		}
		guard := registry.Guard(d.Name)
		guard.Lock()
		engine.Build(recs, d.Fields)
		stats := engine.Stats()
		guard.Unlock()
		if m != nil {
			m.IndexBuildsTotal.WithLabelValues("initial").Inc()
			m.IndexBuildDuration.Observe(stats.BuildDuration.Seconds())
			m.ActiveDatasets.Inc()
			m.PostingEntries.WithLabelValues(d.Name).Set(float64(stats.TotalEntries))
			m.IndexMemoryBytes.WithLabelValues(d.Name).Set(float64(stats.MemoryBytes))
		}
		slog.Info("dataset built",
			"dataset", d.Name,
			"records", stats.RecordCount,
			"entries", stats.TotalEntries,
		)
	}
	return nil
}

func defaultDataset(cfg *config.Config) string {
	if len(cfg.Datasets) > 0 {
		return cfg.Datasets[0].Name
	}
	return "default"
}
