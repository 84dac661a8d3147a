package localstore

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "finvoice.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user/u1/transactions/t1", map[string]any{
		"type": "expense", "category": "food", "amount": 500,
	}))

	v, err := s.Get(ctx, "user/u1/transactions/t1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"type": "expense", "category": "food", "amount": 500.0}, v)

	v, err = s.Get(ctx, "user/u1/transactions/t1/amount")
	require.NoError(t, err)
	require.Equal(t, 500.0, v)

	v, err = s.Get(ctx, "user/u2")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestStore_SetReplacesSubtree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user/u1/goals", map[string]any{"g1": map[string]any{"title": "A"}}))
	require.NoError(t, s.Set(ctx, "user/u1/goals", map[string]any{"g2": map[string]any{"title": "B"}}))

	v, err := s.Get(ctx, "user/u1/goals")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"g2": map[string]any{"title": "B"}}, v)
}

func TestStore_ScalarReplacedByChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user/u1/categoryTotals", 0))
	require.NoError(t, s.Set(ctx, "user/u1/categoryTotals/food", 40))

	v, err := s.Get(ctx, "user/u1/categoryTotals")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"food": 40.0}, v)
}

func TestStore_UpdateAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user/u1/transactions/t1/amount", 10))
	require.NoError(t, s.Update(ctx, "user/u1", map[string]any{
		"totalBalance":           -10,
		"categoryTotals/food":    10,
		"categoryTotals/medical": 0,
	}))

	v, err := s.Get(ctx, "user/u1/categoryTotals")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"food": 10.0, "medical": 0.0}, v)

	require.NoError(t, s.Delete(ctx, "user/u1/transactions"))
	v, err = s.Get(ctx, "user/u1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"totalBalance":   -10.0,
		"categoryTotals": map[string]any{"food": 10.0, "medical": 0.0},
	}, v)
}

func TestStore_PrefixDoesNotLeak(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user/u1/x", 1))
	require.NoError(t, s.Set(ctx, "user/u10/x", 2))
	require.NoError(t, s.Delete(ctx, "user/u1"))

	v, err := s.Get(ctx, "user/u10/x")
	require.NoError(t, err)
	require.Equal(t, 2.0, v)
}

func TestStore_Subscribe(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []any
	unsubscribe, err := s.Subscribe(ctx, "user/u1/goals", func(v any) { seen = append(seen, v) })
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "user/u1/goals/g1/title", "Phone"))
	require.NoError(t, s.Set(ctx, "user/u1/totalBalance", 5))
	require.NoError(t, s.Delete(ctx, "user/u1"))
	unsubscribe()
	require.NoError(t, s.Set(ctx, "user/u1/goals/g2/title", "Car"))

	require.Equal(t, []any{
		nil,
		map[string]any{"g1": map[string]any{"title": "Phone"}},
		nil,
	}, seen)
}

func TestStore_UnsubscribeLeavesNoWatcher(t *testing.T) {
	s := openTestStore(t)
	baseline := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		unsubscribe, err := s.Subscribe(context.WithoutCancel(context.Background()), "user/u1/goals", func(any) {})
		require.NoError(t, err)
		unsubscribe()

		ctx, cancel := context.WithCancel(context.Background())
		unsubscribe, err = s.Subscribe(ctx, "user/u1/goals", func(any) {})
		require.NoError(t, err)
		unsubscribe()
		cancel()
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+2
	}, time.Second, 10*time.Millisecond)
}

func TestStore_InvalidPath(t *testing.T) {
	s := openTestStore(t)
	require.Error(t, s.Set(context.Background(), "user/u.1", 1))
	require.Error(t, s.Set(context.Background(), "", 1))
}
