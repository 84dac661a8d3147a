package service_test

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/precise-goals/finvoice/internal/classifier"
	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/memstore"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"
	"github.com/precise-goals/finvoice/internal/service"

	"go.uber.org/zap"
)

func newSessions(t *testing.T, store port.DocumentStore) *service.Sessions {
	t.Helper()
	cls, err := classifier.New(classifier.Config{})
	if err != nil {
		t.Fatal(err)
	}
	s := service.NewSessions(service.PipelineConfig{}, service.PipelineDeps{
		Store:       store,
		Classifier:  cls,
		Recognizers: &mockRecognizers{},
	}, observability.NewMetrics(), zap.NewNop())
	t.Cleanup(s.Close)
	return s
}

func TestSessions_SignInSeedsFromStore(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	_ = store.Set(ctx, "user/u1", map[string]any{
		"totalBalance":   1500,
		"categoryTotals": map[string]any{"food": 300},
		"transactions": map[string]any{
			"t2": map[string]any{"type": "expense", "category": "food", "amount": 300, "timestamp": 2000},
			"t1": map[string]any{"type": "savings", "amount": 1800, "timestamp": 1000},
		},
		"goals": map[string]any{
			"g1": map[string]any{"title": "Car", "type": "Others", "plan": "Individual", "required": 5000},
			"g2": map[string]any{"title": "Tea", "type": "Others", "plan": "Individual", "required": 100},
		},
	})

	s := newSessions(t, store)
	p, err := s.SignIn(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}

	ledger := p.Ledger()
	if !ledger.TotalBalance.Equal(dec(1500)) {
		t.Errorf("expected seeded balance 1500, got %s", ledger.TotalBalance)
	}
	if !ledger.CategoryTotals[domain.CategoryFood].Equal(dec(300)) {
		t.Errorf("expected seeded food 300, got %s", ledger.CategoryTotals[domain.CategoryFood])
	}
	if len(ledger.TransactionHistory) != 2 || ledger.TransactionHistory[0].ID != "t1" {
		t.Errorf("expected history ordered by timestamp, got %+v", ledger.TransactionHistory)
	}

	// the goal already met by the stored balance is pruned on sign-in
	goals := p.Goals()
	if len(goals) != 1 || goals[0].ID != "g1" {
		t.Errorf("expected only g1 active, got %+v", goals)
	}
}

func TestSessions_SignInIsShared(t *testing.T) {
	s := newSessions(t, memstore.New())

	var wg sync.WaitGroup
	pipelines := make([]*service.Pipeline, 8)
	for i := range pipelines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.SignIn(context.Background(), "u1")
			if err != nil {
				t.Error(err)
				return
			}
			pipelines[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range pipelines[1:] {
		if p != pipelines[0] {
			t.Fatal("expected every sign-in to share one pipeline")
		}
	}
	if users := s.Users(); len(users) != 1 {
		t.Errorf("expected 1 user, got %v", users)
	}
}

func TestSessions_SignOutDrainsWrites(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	s := newSessions(t, store)

	p, _ := s.SignIn(ctx, "u1")
	p.Submit(ctx, "saved 250", "")
	s.SignOut("u1")
	s.SignOut("u1")

	if _, ok := s.Get("u1"); ok {
		t.Error("expected user to be signed out")
	}
	if v, _ := store.Get(ctx, "user/u1/totalBalance"); v != 250.0 {
		t.Errorf("expected drained balance write, got %v", v)
	}
}

type failingStore struct{ *memstore.Store }

func (failingStore) Get(context.Context, string) (any, error) { return nil, errStoreDown }

func TestSessions_SignInFailsWhenStoreUnreachable(t *testing.T) {
	s := newSessions(t, failingStore{memstore.New()})

	if _, err := s.SignIn(context.Background(), "u1"); err == nil {
		t.Fatal("expected sign-in to fail")
	}
	if _, ok := s.Get("u1"); ok {
		t.Error("failed sign-in must not register a pipeline")
	}
}

func TestSessions_SignInSignOutLeavesNoGoroutines(t *testing.T) {
	ctx := context.Background()
	s := newSessions(t, memstore.New())

	// warm up lazily started runtime goroutines
	if _, err := s.SignIn(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	s.SignOut("u1")
	baseline := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		if _, err := s.SignIn(ctx, "u1"); err != nil {
			t.Fatal(err)
		}
		s.SignOut("u1")
	}

	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > baseline+2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected goroutines to settle near %d, got %d", baseline, runtime.NumGoroutine())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ctxStore fails reads once the caller's context is done.
type ctxStore struct{ *memstore.Store }

func (s ctxStore) Get(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, path)
}

func TestSessions_SeedOutlivesCallerContext(t *testing.T) {
	store := memstore.New()
	_ = store.Set(context.Background(), "user/u1/totalBalance", 700)
	s := newSessions(t, ctxStore{store})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, err := s.SignIn(ctx, "u1")
	if err != nil {
		t.Fatalf("expected sign-in to survive a disconnected caller, got %v", err)
	}
	if !p.Ledger().TotalBalance.Equal(dec(700)) {
		t.Errorf("expected seeded balance 700, got %s", p.Ledger().TotalBalance)
	}
}
