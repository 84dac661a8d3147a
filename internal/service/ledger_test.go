package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/memstore"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"
	"github.com/precise-goals/finvoice/internal/service"

	"go.uber.org/zap"
)

func newLedger(t *testing.T, store port.DocumentStore, queue int) (*service.LedgerReconciler, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics()
	l := service.NewLedgerReconciler("user/u1", store, queue, metrics, zap.NewNop())
	t.Cleanup(l.Close)
	return l, metrics
}

func flush(t *testing.T, l *service.LedgerReconciler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestLedger_ApplyUpdatesBalanceAndTotals(t *testing.T) {
	store := memstore.New()
	l, _ := newLedger(t, store, 0)

	if _, ok := l.Apply(candidate(domain.TypeSavings, "", 1000), "saved 1000"); !ok {
		t.Fatal("expected savings to be applied")
	}
	tx, ok := l.Apply(candidate(domain.TypeExpense, domain.CategoryFood, 200), "spent 200 on food")
	if !ok {
		t.Fatal("expected expense to be applied")
	}
	if tx.ID == "" || tx.VoiceTranscript != "spent 200 on food" || tx.Category != domain.CategoryFood {
		t.Errorf("unexpected transaction: %+v", tx)
	}

	state := l.Snapshot()
	if !state.TotalBalance.Equal(dec(800)) {
		t.Errorf("expected balance 800, got %s", state.TotalBalance)
	}
	if !state.CategoryTotals[domain.CategoryFood].Equal(dec(200)) {
		t.Errorf("expected food 200, got %s", state.CategoryTotals[domain.CategoryFood])
	}
	if len(state.CategoryTotals) != 4 {
		t.Errorf("expected all 4 categories, got %d", len(state.CategoryTotals))
	}
	if len(state.TransactionHistory) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(state.TransactionHistory))
	}

	flush(t, l)
	ctx := context.Background()
	if v, _ := store.Get(ctx, "user/u1/totalBalance"); v != 800.0 {
		t.Errorf("expected stored balance 800, got %v", v)
	}
	if v, _ := store.Get(ctx, "user/u1/categoryTotals/food"); v != 200.0 {
		t.Errorf("expected stored food 200, got %v", v)
	}
	rec, _ := store.Get(ctx, "user/u1/transactions/"+tx.ID)
	m, ok := rec.(map[string]any)
	if !ok || m["category"] != "food" || m["amount"] != 200.0 || m["type"] != "expense" {
		t.Errorf("unexpected stored transaction: %v", rec)
	}
}

func TestLedger_SpendingHasNoCategory(t *testing.T) {
	l, _ := newLedger(t, memstore.New(), 0)

	tx, _ := l.Apply(candidate(domain.TypeSpending, domain.CategoryFood, 50), "bought 50")
	if tx.Category != "" {
		t.Errorf("expected no category on spending, got %q", tx.Category)
	}
	state := l.Snapshot()
	if !state.TotalBalance.Equal(dec(-50)) {
		t.Errorf("expected balance -50, got %s", state.TotalBalance)
	}
	if !state.CategoryTotals[domain.CategoryFood].IsZero() {
		t.Error("spending must not touch category totals")
	}
}

func TestLedger_DuplicateTranscriptIsIgnored(t *testing.T) {
	l, _ := newLedger(t, memstore.New(), 0)

	c := candidate(domain.TypeExpense, domain.CategoryFood, 500)
	l.Apply(c, "I spent 500 rupees on food")
	if _, ok := l.Apply(c, "I spent 500 rupees on food"); ok {
		t.Fatal("expected duplicate to be ignored")
	}

	if n := len(l.Snapshot().TransactionHistory); n != 1 {
		t.Errorf("expected 1 transaction, got %d", n)
	}
}

func TestLedger_ResetClearsEverything(t *testing.T) {
	store := memstore.New()
	l, _ := newLedger(t, store, 0)

	l.Apply(candidate(domain.TypeSavings, "", 1000), "saved 1000")
	l.Apply(candidate(domain.TypeExpense, domain.CategoryMedical, 300), "medicine 300")
	state := l.Reset()

	if !state.TotalBalance.IsZero() || len(state.TransactionHistory) != 0 {
		t.Fatalf("expected zeroed ledger, got %+v", state)
	}
	for c, v := range l.Snapshot().CategoryTotals {
		if !v.IsZero() {
			t.Errorf("expected %s total 0, got %s", c, v)
		}
	}

	// the duplicate guard is cleared too
	if _, ok := l.Apply(candidate(domain.TypeExpense, domain.CategoryMedical, 300), "medicine 300"); !ok {
		t.Error("expected transcript to apply again after reset")
	}
	l.Reset()

	flush(t, l)
	ctx := context.Background()
	if v, _ := store.Get(ctx, "user/u1/transactions"); v != nil {
		t.Errorf("expected stored transactions to be removed, got %v", v)
	}
	if v, _ := store.Get(ctx, "user/u1/totalBalance"); v != 0.0 {
		t.Errorf("expected stored balance 0, got %v", v)
	}
	if v, _ := store.Get(ctx, "user/u1/categoryTotals/medical"); v != 0.0 {
		t.Errorf("expected stored medical 0, got %v", v)
	}
}

func TestLedger_StoreFailureDoesNotRollBack(t *testing.T) {
	store := newFlakyStore()
	store.setFailing(true)
	l, metrics := newLedger(t, store, 0)

	l.Apply(candidate(domain.TypeSavings, "", 700), "saved 700")
	flush(t, l)

	if !l.Balance().Equal(dec(700)) {
		t.Errorf("expected local balance 700, got %s", l.Balance())
	}
	if got := counterTotal(metrics, "finvoice_store_write_failures_total"); got != 2 {
		t.Errorf("expected 2 write failures, got %v", got)
	}
}

func TestLedger_RemoteAggregatesConvergeAfterBurst(t *testing.T) {
	store := memstore.New()
	l, _ := newLedger(t, store, 0)

	for i := 0; i < 50; i++ {
		l.Apply(candidate(domain.TypeExpense, domain.CategoryFood, 10), fmt.Sprintf("snack %d", i))
		l.Apply(candidate(domain.TypeSavings, "", 25), fmt.Sprintf("saved %d", i))
	}
	flush(t, l)

	want := l.Snapshot()
	ctx := context.Background()
	bal, _ := store.Get(ctx, "user/u1/totalBalance")
	if bal != want.TotalBalance.InexactFloat64() {
		t.Errorf("stored balance %v, local %s", bal, want.TotalBalance)
	}
	food, _ := store.Get(ctx, "user/u1/categoryTotals/food")
	if food != 500.0 {
		t.Errorf("expected stored food 500, got %v", food)
	}
	txs, _ := store.Get(ctx, "user/u1/transactions")
	if m, _ := txs.(map[string]any); len(m) != 100 {
		t.Errorf("expected 100 stored transactions, got %d", len(m))
	}
}

func TestLedger_FullQueueDropsWrites(t *testing.T) {
	store := newFlakyStore()
	store.gate = make(chan struct{})
	l, metrics := newLedger(t, store, 1)

	for i := 0; i < 4; i++ {
		l.Apply(candidate(domain.TypeSavings, "", 1), fmt.Sprintf("saved %d", i))
	}
	close(store.gate)
	flush(t, l)

	if got := counterTotal(metrics, "finvoice_sync_dropped_total"); got < 1 {
		t.Errorf("expected dropped writes, got %v", got)
	}
	if !l.Balance().Equal(dec(4)) {
		t.Errorf("local state must keep every apply, got %s", l.Balance())
	}
}

func TestLedger_SeedStartsFromStoredState(t *testing.T) {
	l, _ := newLedger(t, memstore.New(), 0)

	seed := domain.NewLedgerState()
	seed.TotalBalance = dec(400)
	delete(seed.CategoryTotals, domain.CategoryOthers)
	l.Seed(seed)

	l.Apply(candidate(domain.TypeExpense, domain.CategoryOthers, 100), "gave 100")
	state := l.Snapshot()
	if !state.TotalBalance.Equal(dec(300)) {
		t.Errorf("expected 300, got %s", state.TotalBalance)
	}
	if !state.CategoryTotals[domain.CategoryOthers].Equal(dec(100)) {
		t.Errorf("expected others 100, got %s", state.CategoryTotals[domain.CategoryOthers])
	}
}

func TestLedger_SnapshotIsACopy(t *testing.T) {
	l, _ := newLedger(t, memstore.New(), 0)
	l.Apply(candidate(domain.TypeSavings, "", 10), "saved 10")

	snap := l.Snapshot()
	snap.CategoryTotals[domain.CategoryFood] = dec(99)
	snap.TransactionHistory[0].Description = "changed"

	again := l.Snapshot()
	if !again.CategoryTotals[domain.CategoryFood].IsZero() || again.TransactionHistory[0].Description == "changed" {
		t.Error("snapshot must not alias ledger state")
	}
}
