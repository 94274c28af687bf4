package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/NanoLink/config"
	appcache "github.com/sifan077/NanoLink/internal/app/cache"
	appmodel "github.com/sifan077/NanoLink/internal/app/model"
	apprepository "github.com/sifan077/NanoLink/internal/app/repository"
	appserver "github.com/sifan077/NanoLink/internal/app/server"
	appservice "github.com/sifan077/NanoLink/internal/app/service"
	"github.com/sifan077/NanoLink/internal/http/handler"
	"github.com/sifan077/NanoLink/internal/infra/logger"
	"github.com/sifan077/NanoLink/internal/infra/metrics"
	infraNATS "github.com/sifan077/NanoLink/internal/infra/nats"
	infraPostgres "github.com/sifan077/NanoLink/internal/infra/postgres"
	infraPrometheus "github.com/sifan077/NanoLink/internal/infra/prometheus"
	infraRedis "github.com/sifan077/NanoLink/internal/infra/redis"
	"github.com/sifan077/NanoLink/internal/infra/scraper"
	"go.uber.org/zap"
)

// stopper is anything that winds down with a deadline.
type stopper interface {
	Stop(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.MustInit(logger.FromApp(cfg.App))
	defer func() { _ = logger.Sync() }()

	log.Info("Configuration loaded",
		zap.String("env", cfg.App.Env),
		zap.String("addr", cfg.App.Addr),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("prometheus", cfg.Prometheus.Enabled),
	)

	registry := infraPrometheus.NewRegistry()
	m := metrics.New(registry)

	checks := map[string]handler.Pinger{}

	links, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = infraRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		log.Info("Connected to Redis", zap.String("addr", infraRedis.Addr(cfg.Redis)))
	}

	resolverCache := buildCache(ctx, cfg, redisClient, log)

	codes := appservice.NewCodeGenerator(cfg.Codes.Length, cfg.Codes.FilterCapacity, cfg.Codes.FilterFPRate)
	known, err := links.ListCodes(ctx)
	if err != nil {
		log.Fatal("Failed to load existing short codes", zap.Error(err))
	}
	codes.Seed(known)
	log.Info("Code filter seeded", zap.Int("codes", len(known)))

	clicks := appservice.NewClickAccumulator(links, appservice.AccumulatorConfig{
		QueueSize:      cfg.Clicks.QueueSize,
		FlushInterval:  cfg.Clicks.FlushInterval,
		FlushThreshold: cfg.Clicks.FlushThreshold,
		MaxRetries:     cfg.Clicks.MaxRetries,
		WriteTimeout:   cfg.Clicks.WriteTimeout,
		Concurrency:    cfg.Clicks.Concurrency,
	}, log.Named("clicks"), m)
	metrics.RegisterQueueDepth(registry, clicks.QueueDepth)
	clicks.Start()

	pageScraper := scraper.New(cfg.Scraper, log)
	enrichTimeout := 2 * cfg.Scraper.Timeout

	var (
		enricher  appservice.Enricher
		stoppers  []stopper
		publisher *appservice.EnrichPublisher
	)
	if cfg.NATS.Enabled {
		natsConn, js, err := infraNATS.Connect(cfg.NATS)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsConn.Drain()

		if err := infraNATS.EnsureWorkQueue(js, infraNATS.WorkQueue{
			Stream:   appmodel.EnrichStreamName,
			Subject:  appmodel.EnrichStreamSubject,
			Consumer: appmodel.EnrichConsumerName,
			MaxBytes: appmodel.EnrichStreamMaxBytes,
			AckWait:  enrichTimeout,
			MaxDeliv: 5,
		}); err != nil {
			log.Fatal("Failed to prepare enrich stream", zap.Error(err))
		}

		consumer, err := appservice.NewEnrichConsumer(js, links, pageScraper, enrichTimeout, log.Named("enrich"), m)
		if err != nil {
			log.Fatal("Failed to subscribe to enrich jobs", zap.Error(err))
		}
		consumer.Start()
		stoppers = append(stoppers, consumer)

		publisher = appservice.NewEnrichPublisher(js, log.Named("enrich"), m)
		enricher = publisher
		checks["nats"] = handler.PingFunc(func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("nats: not connected")
			}
			return nil
		})
		log.Info("Enrichment runs on NATS JetStream", zap.String("url", infraNATS.URL(cfg.NATS)))
	} else {
		async := appservice.NewAsyncEnricher(links, pageScraper, cfg.Scraper.Workers, cfg.Scraper.QueueSize, enrichTimeout, log.Named("enrich"), m)
		async.Start()
		stoppers = append(stoppers, async)
		enricher = async
		log.Info("Enrichment runs in process", zap.Int("workers", cfg.Scraper.Workers))
	}

	server := appserver.New(appserver.Dependencies{
		Logger:  log,
		Metrics: m,
		Resolver: appservice.NewResolver(appservice.ResolverDeps{
			Links:         links,
			Cache:         resolverCache,
			CacheTTL:      cfg.Cache.TTL,
			LookupTimeout: cfg.App.LookupTimeout,
			Metrics:       m,
			Logger:        log.Named("resolver"),
		}),
		Clicks: clicks,
		LinkService: appservice.NewLinkService(appservice.LinkServiceDeps{
			Links:       links,
			Cache:       resolverCache,
			Codes:       codes,
			Enricher:    enricher,
			Metrics:     m,
			Logger:      log.Named("links"),
			MaxAttempts: cfg.Codes.MaxAttempts,
		}),
		Scraper: pageScraper,
		Store:   links,
		Checks:  checks,
	})

	var promServer *http.Server
	if cfg.Prometheus.Enabled {
		promServer = infraPrometheus.NewServer(cfg.Prometheus, registry)
		go func() {
			log.Info("Starting Prometheus metrics server", zap.String("addr", promServer.Addr))
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Prometheus metrics server stopped unexpectedly", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", zap.String("addr", cfg.App.Addr))
		serveErr <- server.Listen(cfg.App.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("Fiber server exited", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	// Stop taking redirects first so no click arrives after the final flush.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to shut down HTTP server", zap.Error(err))
	}
	if err := clicks.Close(shutdownCtx); err != nil {
		log.Warn("Click accumulator did not drain in time", zap.Error(err))
	}
	log.Info("Click accumulator closed", zap.Any("stats", clicks.Stats()))

	for _, s := range stoppers {
		if err := s.Stop(shutdownCtx); err != nil {
			log.Warn("Failed to stop enrichment worker", zap.Error(err))
		}
	}
	if publisher != nil {
		if err := publisher.Flush(shutdownCtx); err != nil {
			log.Warn("Pending enrich jobs were not acknowledged", zap.Error(err))
		}
	}
	if promServer != nil {
		if err := promServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to close Prometheus server", zap.Error(err))
		}
	}
	log.Info("Shutdown complete")
}

// openStore builds the configured link store and returns a cleanup func.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (apprepository.LinkRepository, func()) {
	if cfg.Store.Driver == "memory" {
		log.Warn("Using in-memory link store, data is lost on restart")
		return apprepository.NewMemoryLinkRepository(), func() {}
	}

	pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}

	gormDB, err := infraPostgres.NewGorm(pool, log)
	if err != nil {
		pool.Close()
		log.Fatal("Failed to open GORM connection", zap.Error(err))
	}

	if err := infraPostgres.AutoMigrate(ctx, gormDB, &appmodel.Link{}); err != nil {
		pool.Close()
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}
	log.Info("Connected to Postgres",
		zap.String("host", cfg.Postgres.Host),
		zap.String("database", cfg.Postgres.Database),
	)

	return apprepository.NewLinkRepository(gormDB, pool), func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
		pool.Close()
	}
}

// buildCache assembles the resolver cache tiers from config. With Redis, the
// local tier also drops codes that other instances invalidate until ctx ends.
func buildCache(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) appcache.ResolverCache {
	if !cfg.Cache.Enabled {
		log.Info("Resolver cache disabled")
		return appcache.Nop{}
	}

	local := appcache.NewMemory(cfg.Cache.MaxEntries)
	if rdb == nil {
		return local
	}
	remote := appcache.NewRedis(rdb, cfg.Cache.RedisKeyPrefix, log.Named("cache"))
	go func() {
		err := remote.WatchInvalidations(ctx, func(code string) {
			_ = local.Invalidate(context.Background(), code)
		})
		if err != nil {
			log.Warn("Cache invalidation watcher stopped", zap.Error(err))
		}
	}()
	return appcache.NewTiered(local, remote, cfg.Cache.TTL)
}
