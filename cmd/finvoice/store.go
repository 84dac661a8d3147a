package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/precise-goals/finvoice/internal/config"
	"github.com/precise-goals/finvoice/internal/infra/localstore"
	"github.com/precise-goals/finvoice/internal/infra/memstore"
	"github.com/precise-goals/finvoice/internal/infra/mongostore"
	"github.com/precise-goals/finvoice/internal/infra/resilience"
	"github.com/precise-goals/finvoice/internal/infra/rtdb"
	"github.com/precise-goals/finvoice/internal/port"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// openStore builds the document store selected by STORE_BACKEND and returns
// the function that releases it.
func openStore(
	ctx context.Context,
	cfg *config.Config,
	cb *gobreaker.CircuitBreaker,
	rcfg resilience.Config,
	logger *zap.Logger,
) (port.DocumentStore, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.StoreBackend {
	case config.StoreRTDB:
		logger.Info("using realtime database as document store", zap.String("url", cfg.RTDBURL))
		httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
		return rtdb.NewClient(httpClient, nil, cfg.RTDBURL, cfg.RTDBAuth, cb, rcfg, logger), noop, nil

	case config.StoreMongo:
		logger.Info("using MongoDB as document store", zap.String("database", cfg.MongoDatabase))
		s, disconnect, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.StoreRoot, cb, rcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to mongo: %w", err)
		}
		return s, disconnect, nil

	case config.StoreSQLite:
		logger.Info("using SQLite as document store", zap.String("path", cfg.SQLitePath))
		s, err := localstore.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return s, func(context.Context) error { return s.Close() }, nil

	default:
		logger.Warn("using in-memory document store, data is lost on restart")
		return memstore.New(), noop, nil
	}
}
