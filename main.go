package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/cache"
	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/db"
	"github.com/ragline/ragline/internal/embeddings"
	"github.com/ragline/ragline/internal/health"
	"github.com/ragline/ragline/internal/httpapi"
	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/rerank"
	"github.com/ragline/ragline/internal/search"
	"github.com/ragline/ragline/internal/session"
	"github.com/ragline/ragline/internal/templates"
	"github.com/ragline/ragline/internal/tracing"
	"github.com/ragline/ragline/internal/vectordb"
)

func main() {
	configPath := flag.String("config", os.Getenv("RAGLINE_CONFIG"), "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("service exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "ragline",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("tracing init failed, continuing without traces", zap.Error(err))
	}

	// Runtime tunables hot-reload when a config file is present.
	var watcher *config.Watcher
	if configPath != "" {
		w, err := config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			logger.Warn("config watcher unavailable, tunables fixed at startup values", zap.Error(err))
		} else {
			watcher = w
			defer watcher.Close()
		}
	}

	prompts, err := templates.Load(cfg.Templates)
	if err != nil {
		return err
	}

	index := vectordb.NewClient(cfg.VectorDB, logger)

	var embedCache embeddings.Cache
	if rc, err := embeddings.NewRedisCache(cfg.Session.RedisAddr, os.Getenv("REDIS_PASSWORD"), logger); err != nil {
		logger.Warn("embedding redis cache unavailable, using in-process LRU only", zap.Error(err))
	} else {
		embedCache = rc
	}
	embedder := embeddings.NewService(cfg.Embeddings, embedCache, logger)

	completer := llm.NewClient(cfg.LLM, logger)

	answerCache := cache.NewService(cfg.Cache, index, logger)
	defer answerCache.Close()
	if watcher != nil {
		watcher.OnChange(func(t config.Tunables) {
			answerCache.SetTunables(t.CacheTTL, t.SimilarityThreshold)
		})
	}

	sessions, err := session.NewManager(cfg.Session, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	var strategy search.Strategy
	switch cfg.Agent.Strategy {
	case "hybrid":
		store, err := db.NewStatusStore(cfg.DB, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		strategy = search.NewHybridStrategy(embedder, index, store, cfg.Agent.Collection, logger)
	default:
		strategy = search.NewVectorOnlyStrategy(embedder, index, cfg.Agent.Collection, logger)
	}

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Embedder:  embedder,
		Completer: completer,
		Strategy:  strategy,
		Cache:     answerCache,
		Reranker:  rerank.New(cfg.Rerank, completer, logger),
		Sessions:  sessions,
		Prompts:   prompts,
		Logger:    logger,
	})

	resolve := func(agentID string) (pipeline.AgentConfig, error) {
		cutoff := cfg.Agent.SimilarityCutoff
		if watcher != nil {
			cutoff = watcher.Current().SimilarityCutoff
		}
		return pipeline.AgentConfig{
			AgentID:          agentID,
			Model:            cfg.Agent.Model,
			Collection:       cfg.Agent.Collection,
			TopK:             cfg.Agent.TopK,
			TopN:             cfg.Agent.TopN,
			SimilarityCutoff: cutoff,
			CacheEnabled:     cfg.Agent.CacheEnabled,
			RerankEnabled:    cfg.Agent.RerankEnabled,
		}, nil
	}

	mux := http.NewServeMux()
	api := httpapi.NewServer(orch, resolve, cfg.Rate, logger)
	api.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	checks := health.NewManager(logger)
	checks.Register(health.NewRedisChecker("session-redis",
		redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr, Password: os.Getenv("REDIS_PASSWORD")}), true))
	checks.Register(health.NewHTTPChecker("vectordb",
		fmt.Sprintf("http://%s:%d/collections", cfg.VectorDB.Host, cfg.VectorDB.Port), true))
	checks.Register(health.NewHTTPChecker("embeddings", cfg.Embeddings.BaseURL+"/health", false))
	checks.Register(health.NewHTTPChecker("llm", cfg.LLM.BaseURL+"/health", false))
	mux.HandleFunc("/healthz", checks.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ragline listening", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown incomplete", zap.Error(err))
		}
	}
	return nil
}
