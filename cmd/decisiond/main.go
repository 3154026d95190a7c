package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/miradorstack/decision-core/internal/api"
	"github.com/miradorstack/decision-core/internal/cache"
	"github.com/miradorstack/decision-core/internal/config"
	"github.com/miradorstack/decision-core/internal/engine"
	"github.com/miradorstack/decision-core/internal/fanout"
	"github.com/miradorstack/decision-core/internal/metrics"
	"github.com/miradorstack/decision-core/internal/models"
	"github.com/miradorstack/decision-core/internal/quota"
	"github.com/miradorstack/decision-core/internal/services"
	"github.com/miradorstack/decision-core/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting decision-core",
		slog.String("grpc", cfg.Server.Address),
		slog.String("http", cfg.Server.HTTPAddress),
		slog.Int("services", len(cfg.Services)),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout+time.Second)
		redisClient, err = cache.NewRedisClient(dialCtx, cache.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLS:          cfg.Redis.TLS,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		})
		cancel()
		if err != nil {
			logger.Error("redis unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		defer redisClient.Close()
	}

	var janitors sync.WaitGroup
	janitorCtx, stopJanitors := context.WithCancel(context.Background())
	defer stopJanitors()

	limiter, localStore, err := buildLimiter(cfg, redisClient, logger)
	if err != nil {
		logger.Error("failed to build rate limiter", slog.Any("error", err))
		os.Exit(1)
	}
	janitors.Add(1)
	go func() {
		defer janitors.Done()
		pruneLoop(janitorCtx, localStore, cfg.Quota.PruneInterval, logger)
	}()

	computeOpts := []cache.ComputationOption{cache.WithShards(cfg.Cache.Shards), cache.WithLogger(logger)}
	if cfg.Cache.Shared && redisClient != nil {
		computeOpts = append(computeOpts, cache.WithSharedProvider(cache.NewRedisProvider(redisClient, cfg.Redis.KeyPrefix+"decisions:")))
	}
	decisions := cache.NewComputation[models.Decision](computeOpts...)
	janitors.Add(1)
	go func() {
		defer janitors.Done()
		decisions.Run(janitorCtx, cfg.Cache.SweepInterval)
	}()

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		logger.Error("failed to build scorers", slog.Any("error", err))
		os.Exit(1)
	}
	profiles, err := cfg.Profiles()
	if err != nil {
		logger.Error("failed to build service profiles", slog.Any("error", err))
		os.Exit(1)
	}
	aggregator, err := engine.NewAggregator(profiles, engine.WithAggregatorLogger(logger))
	if err != nil {
		logger.Error("failed to build aggregator", slog.Any("error", err))
		os.Exit(1)
	}

	router, err := fanout.NewRouter(cfg.Fanout.Routes)
	if err != nil {
		logger.Error("failed to build fanout routes", slog.Any("error", err))
		os.Exit(1)
	}
	bus := fanout.NewBus()
	publisher := buildPublisher(cfg, bus, redisClient)
	if cfg.Fanout.Relay && redisClient != nil {
		janitors.Add(1)
		go func() {
			defer janitors.Done()
			fanout.RunRelay(janitorCtx, redisClient, eventPrefix(cfg), bus, logger)
		}()
	}
	distributor := fanout.New(router, publisher,
		fanout.WithPublishTimeout(cfg.Fanout.PublishTimeout),
		fanout.WithLogger(logger),
	)

	pipeline := engine.NewPipeline(limiter, decisions, aggregator, registry,
		engine.WithDistributor(distributor),
		engine.WithFanoutTimeout(cfg.Fanout.Timeout),
		engine.WithPipelineLogger(logger),
	)
	decisionService := services.NewDecisionService(logger, pipeline, limiter)

	server, err := api.NewServer(cfg.Server, decisionService)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	hub := fanout.NewHub(bus, fanout.WithOriginPatterns(cfg.Fanout.AllowedOrigins...), fanout.WithHubLogger(logger))
	var httpServer *http.Server
	if cfg.Server.HTTPAddress != "" {
		httpServer = api.NewHTTPServer(cfg.Server, api.NewRouter(&api.Handler{
			Decider: decisionService,
			Hub:     hub,
			Logger:  logger,
		}))
		go func() {
			logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
	}
	server.Shutdown(shutdownCtx)

	// In-flight fanouts finish before their publishers go away.
	pipeline.Wait()
	stopJanitors()
	janitors.Wait()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("decision-core stopped", slog.Duration("p95", decisionService.LatencyP95()))
}

// buildLimiter wires the quota ledger. With Redis the shared store is
// authoritative and the returned MemoryStore only backs the fallback ledger.
func buildLimiter(cfg *config.Config, client *redis.Client, logger *slog.Logger) (*quota.Limiter, *quota.MemoryStore, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, nil, err
	}
	local := quota.NewMemoryStore(cfg.Quota.Shards)
	if client == nil {
		return quota.NewLimiter(policy, quota.NewLedger(local, nil), quota.WithLogger(logger)), local, nil
	}

	opts := []quota.LimiterOption{quota.WithLogger(logger)}
	if cfg.Quota.Fallback {
		opts = append(opts, quota.WithFallback(quota.NewLedger(local, nil)))
	}
	shared := quota.NewRedisStore(client, cfg.Redis.KeyPrefix+"quota:")
	return quota.NewLimiter(policy, quota.NewLedger(shared, nil), opts...), local, nil
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) (*engine.Registry, error) {
	registry := engine.NewRegistry()
	for _, service := range cfg.ServiceKeys() {
		for _, spec := range cfg.Services[service].Scorers {
			scorer, err := engine.BuildScorer(service, spec, logger)
			if err != nil {
				return nil, fmt.Errorf("services.%s: %w", service, err)
			}
			if err := registry.Register(service, scorer); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

func buildPublisher(cfg *config.Config, bus *fanout.Bus, client *redis.Client) fanout.Publisher {
	var publishers fanout.Multi
	for _, kind := range cfg.Fanout.Publishers {
		switch kind {
		case config.PublisherBus:
			publishers = append(publishers, bus)
		case config.PublisherRedis:
			publishers = append(publishers, fanout.NewRedisPublisher(client, eventPrefix(cfg)))
		}
	}
	if len(publishers) == 1 {
		return publishers[0]
	}
	return publishers
}

func eventPrefix(cfg *config.Config) string {
	return cfg.Redis.KeyPrefix + "events:"
}

func pruneLoop(ctx context.Context, store *quota.MemoryStore, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if pruned := store.Prune(now); pruned > 0 {
				logger.Debug("pruned quota windows", slog.Int("count", pruned))
			}
		}
	}
}
