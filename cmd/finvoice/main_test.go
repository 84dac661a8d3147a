package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/precise-goals/finvoice/internal/config"
	"github.com/precise-goals/finvoice/internal/infra/localstore"
	"github.com/precise-goals/finvoice/internal/infra/memstore"
	"github.com/precise-goals/finvoice/internal/infra/resilience"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.finvoice.in"})

	req := httptest.NewRequest("GET", "/v1/me/voice/ws", nil)
	require.True(t, check(req), "native clients send no origin")

	req.Header.Set("Origin", "https://app.finvoice.in")
	require.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	require.False(t, check(req))

	require.True(t, originChecker([]string{"*"})(req))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	cb := resilience.NewCircuitBreaker("test")

	cfg := &config.Config{StoreBackend: config.StoreMemory}
	store, closeStore, err := openStore(ctx, cfg, cb, resilience.Config{}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &memstore.Store{}, store)
	require.NoError(t, closeStore(ctx))

	cfg = &config.Config{StoreBackend: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "f.db")}
	store, closeStore, err = openStore(ctx, cfg, cb, resilience.Config{}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &localstore.Store{}, store)
	require.NoError(t, store.Set(ctx, "user/u1/totalBalance", 10.0))
	require.NoError(t, closeStore(ctx))
}
