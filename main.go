package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/auth"
	"github.com/repflow/orchestrator/internal/cache"
	"github.com/repflow/orchestrator/internal/config"
	"github.com/repflow/orchestrator/internal/embeddings"
	"github.com/repflow/orchestrator/internal/evaluate"
	"github.com/repflow/orchestrator/internal/extract"
	"github.com/repflow/orchestrator/internal/generate"
	"github.com/repflow/orchestrator/internal/health"
	"github.com/repflow/orchestrator/internal/httpapi"
	"github.com/repflow/orchestrator/internal/llm"
	"github.com/repflow/orchestrator/internal/queryopt"
	"github.com/repflow/orchestrator/internal/search"
	"github.com/repflow/orchestrator/internal/store"
	"github.com/repflow/orchestrator/internal/streaming"
	"github.com/repflow/orchestrator/internal/tracing"
	"github.com/repflow/orchestrator/internal/trigger"
	"github.com/repflow/orchestrator/internal/vectordb"
	"github.com/repflow/orchestrator/internal/workflow"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Orchestrator exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	configPath := os.Getenv("REPFLOW_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(ctx)
	}()

	// One LLM client per adapter role; the evaluator never shares the
	// generator's instance.
	optimizerLLM, err := llm.New(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Role:        "optimizer",
		Temperature: cfg.LLM.OptimizerTemperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)
	if err != nil {
		return fmt.Errorf("optimizer llm: %w", err)
	}
	generatorLLM, err := llm.New(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Role:        "generator",
		Temperature: cfg.LLM.GeneratorTemperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)
	if err != nil {
		return fmt.Errorf("generator llm: %w", err)
	}
	evaluatorLLM, err := llm.New(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.EvaluatorModel,
		Role:        "evaluator",
		Temperature: cfg.LLM.EvaluatorTemperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)
	if err != nil {
		return fmt.Errorf("evaluator llm: %w", err)
	}

	initialGate, err := trigger.NewGate(cfg.Trigger.Phrases, cfg.Trigger.MessageWindow, logger)
	if err != nil {
		return fmt.Errorf("trigger gate: %w", err)
	}
	gate := trigger.NewSwappableGate(initialGate)

	// Hot-reload trigger phrases when a config file is in use.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		watcher.OnReload(func(next *config.Config) {
			g, err := trigger.NewGate(next.Trigger.Phrases, next.Trigger.MessageWindow, logger)
			if err != nil {
				logger.Error("Reloaded trigger phrases rejected", zap.Error(err))
				return
			}
			gate.Swap(g)
			logger.Info("Trigger phrases reloaded",
				zap.Int("phrases", len(next.Trigger.Phrases)))
		})
		watchCtx, cancelWatch := context.WithCancel(context.Background())
		defer cancelWatch()
		go watcher.Run(watchCtx)
	}

	extractor := extract.NewExtractor(cfg.Search.ProviderTimeout, cfg.Search.MaxContentLength, logger)

	httpClient := &http.Client{Timeout: cfg.Search.ProviderTimeout}
	providers := []search.Provider{
		search.NewKnowledgeProvider(cfg.Search.KnowledgeAPIURL, cfg.Search.KnowledgeAPIKey, httpClient, logger),
		search.NewWebProvider(cfg.Search.WebBaseURL, cfg.Search.SiteDomain, httpClient, logger),
	}
	var vectorIndex *vectordb.Client
	if cfg.Vector.Enabled {
		index := vectordb.New(vectordb.Config{
			Host:       cfg.Vector.Host,
			Port:       cfg.Vector.Port,
			Collection: cfg.Vector.Collection,
			Timeout:    cfg.Vector.Timeout,
		}, logger)
		embedder := embeddings.New(embeddings.Config{
			BaseURL: cfg.Vector.EmbeddingsURL,
			Timeout: cfg.Vector.Timeout,
		}, logger)
		providers = append(providers, search.NewVectorProvider(embedder, index, logger))
		vectorIndex = index
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	searchCache := cache.New(redisClient, cfg.Search.CacheTTL, logger)
	defer searchCache.Close()

	aggOpts := []search.AggregatorOption{search.WithCache(searchCache)}
	if cfg.Search.EnrichContent {
		aggOpts = append(aggOpts, search.WithEnrichment(extractor))
	}
	aggregator := search.NewAggregator(providers, cfg.Search.ProviderTimeout,
		cfg.Search.WindowMultiplier, logger, aggOpts...)

	outputs, err := store.New(store.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConnections:  cfg.Database.MaxConnections,
		IdleConnections: cfg.Database.IdleConnections,
		MaxLifetime:     cfg.Database.MaxLifetime,
	}, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer outputs.Close()

	streams := streaming.NewManager(cfg.Streaming.RingCapacity)

	guardrail := evaluate.NewGuardrail(cfg.Guardrails.ForbiddenPhrases, cfg.Guardrails.MinLength, logger)
	engine := workflow.NewEngine(
		gate,
		queryopt.New(optimizerLLM, logger),
		aggregator,
		generate.New(generatorLLM, logger),
		evaluate.New(evaluatorLLM, guardrail, logger),
		workflow.Config{
			MinScore:   cfg.Evaluation.MinScore,
			MaxRetries: cfg.Evaluation.MaxRetries,
			TopK:       cfg.Search.TopK,
		},
		logger,
		workflow.WithEventSink(workflow.MultiSink{streams, outputs}),
	)

	healthMgr := health.NewManager(5*time.Second, logger)
	healthMgr.Register(health.NewPingChecker("postgres", true, outputs.Healthy))
	healthMgr.Register(health.NewPingChecker("redis", false, searchCache.Healthy))
	if vectorIndex != nil {
		healthMgr.Register(health.NewPingChecker("vectordb", false, vectorIndex.Healthy))
	}

	// API server
	apiMux := http.NewServeMux()
	httpapi.NewHandler(engine, outputs, logger).RegisterRoutes(apiMux)
	httpapi.NewStreamHandler(streams, logger).RegisterRoutes(apiMux)

	var apiHandler http.Handler = apiMux
	if cfg.Auth.Enabled {
		keys := make([]auth.APIKeyEntry, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			keys = append(keys, auth.APIKeyEntry{Name: k.Name, Hash: k.Hash})
		}
		mw := auth.NewMiddleware(
			auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry),
			auth.NewAPIKeyValidator(keys),
			false,
			float64(cfg.Service.RateLimitPerMin)/60.0,
			cfg.Service.RateLimitPerMin,
			logger,
		)
		apiHandler = mw.Wrap(apiMux)
	}

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:      apiHandler,
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
	}

	// health + metrics server
	opsMux := http.NewServeMux()
	opsMux.Handle("/", healthMgr.Handler())
	if cfg.Metrics.Enabled {
		opsMux.Handle("/metrics", promhttp.Handler())
	}
	opsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.HealthPort),
		Handler: opsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Service.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("Ops server listening", zap.Int("port", cfg.Service.HealthPort))
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if err := opsServer.Shutdown(ctx); err != nil {
		logger.Warn("Ops server shutdown", zap.Error(err))
	}
	return nil
}
