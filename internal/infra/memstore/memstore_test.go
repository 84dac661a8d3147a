package memstore_test

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/precise-goals/finvoice/internal/infra/memstore"
	"github.com/stretchr/testify/require"
)

func TestStore_GetSubtree(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	require.NoError(t, s.Set(ctx, "user/1/totalBalance", 800))
	require.NoError(t, s.Set(ctx, "user/1/categoryTotals/food", 200))

	v, err := s.Get(ctx, "user/1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"totalBalance":   800.0,
		"categoryTotals": map[string]any{"food": 200.0},
	}, v)

	missing, err := s.Get(ctx, "user/2")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Set(ctx, "user/1/goals/g1", map[string]any{"title": "Car"}))

	v, _ := s.Get(ctx, "user/1/goals")
	v.(map[string]any)["g1"].(map[string]any)["title"] = "changed"

	again, _ := s.Get(ctx, "user/1/goals/g1/title")
	require.Equal(t, "Car", again)
}

func TestStore_UpdateMultiPath(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Set(ctx, "user/1/categoryTotals/medical", 50))

	require.NoError(t, s.Update(ctx, "user/1", map[string]any{
		"totalBalance":        -200,
		"categoryTotals/food": 200,
	}))

	v, _ := s.Get(ctx, "user/1/categoryTotals")
	require.Equal(t, map[string]any{"food": 200.0, "medical": 50.0}, v)
	bal, _ := s.Get(ctx, "user/1/totalBalance")
	require.Equal(t, -200.0, bal)
}

func TestStore_DeleteSubtree(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Set(ctx, "user/1/goals/g1", map[string]any{"title": "Car"}))
	require.NoError(t, s.Set(ctx, "user/1/totalBalance", 10))

	require.NoError(t, s.Delete(ctx, "user/1/goals/g1"))

	goals, _ := s.Get(ctx, "user/1/goals")
	require.Nil(t, goals)
	bal, _ := s.Get(ctx, "user/1/totalBalance")
	require.Equal(t, 10.0, bal)
}

func TestStore_RejectsInvalidPaths(t *testing.T) {
	s := memstore.New()
	require.Error(t, s.Set(context.Background(), "user/a.b", 1))
	require.Error(t, s.Update(context.Background(), "user/1", map[string]any{"x$y": 1}))
}

func TestStore_Subscribe(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	s := memstore.New()
	require.NoError(t, s.Set(ctx, "user/1/goals/g1", map[string]any{"title": "Car"}))

	var mu sync.Mutex
	var seen []any
	cancel, err := s.Subscribe(ctx, "user/1/goals", func(v any) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, v)
	})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "user/1/goals/g2", map[string]any{"title": "Gold"}))
	require.NoError(t, s.Set(ctx, "user/1/totalBalance", 5)) // unrelated
	require.NoError(t, s.Delete(ctx, "user/1"))             // ancestor

	cancel()
	require.NoError(t, s.Set(ctx, "user/1/goals/g3", map[string]any{"title": "Trip"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	require.Len(t, seen[0], 1)
	require.Len(t, seen[1], 2)
	require.Nil(t, seen[2])
}

func TestStore_UnsubscribeLeavesNoWatcher(t *testing.T) {
	s := memstore.New()
	baseline := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		cancel, err := s.Subscribe(context.WithoutCancel(context.Background()), "user/1/goals", func(any) {})
		require.NoError(t, err)
		cancel()

		ctx, cancelCtx := context.WithCancel(context.Background())
		cancel, err = s.Subscribe(ctx, "user/1/goals", func(any) {})
		require.NoError(t, err)
		cancel()
		cancelCtx()
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+2
	}, time.Second, 10*time.Millisecond)
}

func TestStore_ContextCancelUnsubscribes(t *testing.T) {
	s := memstore.New()
	ctx, cancelCtx := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	_, err := s.Subscribe(ctx, "user/1/goals", func(any) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})
	require.NoError(t, err)
	cancelCtx()

	require.Eventually(t, func() bool {
		require.NoError(t, s.Set(context.Background(), "user/1/goals/g1", map[string]any{"title": "Car"}))
		mu.Lock()
		before := calls
		mu.Unlock()
		require.NoError(t, s.Set(context.Background(), "user/1/goals/g2", map[string]any{"title": "Gold"}))
		mu.Lock()
		defer mu.Unlock()
		return calls == before
	}, time.Second, 10*time.Millisecond)
}
