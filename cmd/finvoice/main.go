package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/precise-goals/finvoice/internal/classifier"
	"github.com/precise-goals/finvoice/internal/config"
	"github.com/precise-goals/finvoice/internal/handler"
	"github.com/precise-goals/finvoice/internal/infra/cache"
	"github.com/precise-goals/finvoice/internal/infra/events"
	"github.com/precise-goals/finvoice/internal/infra/identity"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/infra/resilience"
	"github.com/precise-goals/finvoice/internal/infra/wsdevice"
	"github.com/precise-goals/finvoice/internal/port"
	"github.com/precise-goals/finvoice/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("store_root", cfg.StoreRoot),
		zap.Bool("nats", cfg.NATSURL != ""),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.String("default_language", string(cfg.DefaultLanguage)),
	)

	ctx := context.Background()

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(ctx, "finvoice", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker("document-store")

	// --- Document store ---
	store, closeStore, err := openStore(ctx, cfg, cb, resilienceCfg, logger)
	if err != nil {
		logger.Fatal("failed to open document store", zap.Error(err))
	}

	checks := []handler.HealthCheck{}
	if p, ok := store.(port.Pinger); ok {
		checks = append(checks, handler.HealthCheck{Name: "store", Pinger: p})
	}

	// --- Events ---
	var publisher port.EventPublisher = events.Noop{}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		publisher = nc
		checks = append(checks, handler.HealthCheck{Name: "nats", Pinger: nc})
	} else {
		logger.Info("NATS_URL not set, ledger events are not published")
	}

	// --- Classifier ---
	base, err := classifier.New(classifier.Config{AmountCeiling: cfg.AmountCeiling})
	if err != nil {
		logger.Fatal("failed to build classifier", zap.Error(err))
	}
	classifierCache := cache.NewBounded[classifier.Result](cfg.CacheTTL, cfg.CacheMaxItems)
	cls := classifier.NewCached(base, classifierCache, metrics)

	// --- Speech devices ---
	hub := wsdevice.NewHub(originChecker(cfg.AllowedOrigins), metrics, logger)

	// --- Identity ---
	verifier := identity.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)

	// --- Services ---
	sessions := service.NewSessions(
		service.PipelineConfig{
			StoreRoot:            cfg.StoreRoot,
			Language:             cfg.DefaultLanguage,
			NoSpeechRestartDelay: cfg.NoSpeechRestartDelay,
			SyncQueueSize:        cfg.SyncQueueSize,
		},
		service.PipelineDeps{
			Store:       store,
			Classifier:  cls,
			Recognizers: hub,
			Alerts:      hub,
			Events:      publisher,
		},
		metrics,
		logger,
	)

	// --- Router ---
	deps := handler.Deps{
		Sessions:       sessions,
		Verifier:       verifier,
		Devices:        hub,
		Checks:         checks,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.DevTokens {
		logger.Warn("development tokens enabled, do not run this in production")
		deps.Tokens = verifier
	}
	router := handler.NewRouter(deps, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	// Signing everyone out drains pending ledger writes before the store goes away.
	sessions.Close()
	hub.Close()
	classifierCache.Close()

	if err := publisher.Close(); err != nil {
		logger.Warn("closing event publisher", zap.Error(err))
	}
	if err := closeStore(shutdownCtx); err != nil {
		logger.Warn("closing document store", zap.Error(err))
	}

	logger.Info("server stopped")
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
