package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ledgerTracer = otel.Tracer("service/ledger")

// DefaultSyncQueueSize bounds the number of store writes waiting for the
// sync worker.
const DefaultSyncQueueSize = 256

type syncJob struct {
	tx      *domain.Transaction
	reset   bool
	barrier chan struct{}
}

// LedgerReconciler owns one user's ledger. Changes are committed locally
// first and then written to the store by a single background worker, in
// commit order. A failed write is logged and counted, never rolled back.
type LedgerReconciler struct {
	base    string
	store   port.DocumentStore
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu             sync.Mutex
	state          domain.LedgerState
	lastTranscript string
	closed         bool

	jobs      chan syncJob
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewLedgerReconciler starts the sync worker for the ledger under base
// ("user/{id}"). queueSize <= 0 uses DefaultSyncQueueSize.
func NewLedgerReconciler(
	base string,
	store port.DocumentStore,
	queueSize int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *LedgerReconciler {
	if queueSize <= 0 {
		queueSize = DefaultSyncQueueSize
	}
	l := &LedgerReconciler{
		base:    base,
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		state:   domain.NewLedgerState(),
		jobs:    make(chan syncJob, queueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Seed installs state read from the store. Categories missing from state
// are added with a zero total.
func (l *LedgerReconciler) Seed(state domain.LedgerState) {
	seeded := domain.NewLedgerState()
	seeded.TotalBalance = state.TotalBalance
	for c, v := range state.CategoryTotals {
		if c.Valid() {
			seeded.CategoryTotals[c] = v
		}
	}
	seeded.TransactionHistory = append(seeded.TransactionHistory, state.TransactionHistory...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = seeded
}

// Apply records candidate as a transaction. It returns false, and changes
// nothing, when rawTranscript repeats the previously applied transcript.
func (l *LedgerReconciler) Apply(candidate domain.Candidate, rawTranscript string) (domain.Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rawTranscript == l.lastTranscript && rawTranscript != "" {
		return domain.Transaction{}, false
	}
	l.lastTranscript = rawTranscript

	tx := domain.Transaction{
		ID:               uuid.NewString(),
		Type:             candidate.Type,
		Amount:           candidate.Amount,
		Description:      candidate.Description,
		VoiceTranscript:  rawTranscript,
		LanguageDetected: candidate.Language,
		Confidence:       candidate.Confidence,
		Timestamp:        l.now(),
	}
	if tx.Type == domain.TypeExpense {
		tx.Category = candidate.Category
		if !tx.Category.Valid() {
			tx.Category = domain.CategoryOthers
		}
		l.state.CategoryTotals[tx.Category] = l.state.CategoryTotals[tx.Category].Add(tx.Amount)
	}
	l.state.TotalBalance = l.state.TotalBalance.Add(tx.Delta())
	l.state.TransactionHistory = append(l.state.TransactionHistory, tx)

	l.enqueueLocked(syncJob{tx: &tx})
	return tx, true
}

// Reset zeroes the balance and every category total, clears the history and
// the duplicate guard, and queues the zeroed state for the store.
func (l *LedgerReconciler) Reset() domain.LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = domain.NewLedgerState()
	l.lastTranscript = ""
	l.enqueueLocked(syncJob{reset: true})
	return l.state.Clone()
}

// Snapshot returns a copy of the current ledger.
func (l *LedgerReconciler) Snapshot() domain.LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// Balance returns the current total balance.
func (l *LedgerReconciler) Balance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.TotalBalance
}

// Flush blocks until every write queued before the call has been attempted.
func (l *LedgerReconciler) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case l.jobs <- syncJob{barrier: barrier}:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queued writes and stops the worker.
func (l *LedgerReconciler) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.quit)
	})
	<-l.done
}

// enqueueLocked never blocks: a full queue drops the write. Must be called
// with mu held so that queue order matches commit order.
func (l *LedgerReconciler) enqueueLocked(job syncJob) {
	if l.closed {
		l.logger.Warn("ledger closed, store write skipped")
		return
	}
	select {
	case l.jobs <- job:
	default:
		l.metrics.IncrSyncDropped()
		l.logger.Warn("sync queue full, store write dropped", zap.Int("capacity", cap(l.jobs)))
	}
}

func (l *LedgerReconciler) run() {
	defer close(l.done)
	for {
		select {
		case job := <-l.jobs:
			l.process(job)
		case <-l.quit:
			for {
				select {
				case job := <-l.jobs:
					l.process(job)
				default:
					return
				}
			}
		}
	}
}

func (l *LedgerReconciler) process(job syncJob) {
	switch {
	case job.barrier != nil:
		close(job.barrier)
	case job.tx != nil:
		l.writeTransaction(*job.tx)
	case job.reset:
		l.writeReset()
	}
}

func (l *LedgerReconciler) writeTransaction(tx domain.Transaction) {
	ctx, span := ledgerTracer.Start(context.Background(), "Ledger.SyncTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	start := time.Now()
	defer func() { l.metrics.RecordDuration("ledger_sync", time.Since(start)) }()

	if err := l.store.Set(ctx, l.base+"/transactions/"+tx.ID, transactionRecord(tx)); err != nil {
		l.metrics.IncrStoreWriteFailure("transaction")
		l.logger.Error("store write failed",
			zap.String("op", "transaction"),
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
	l.writeAggregates(ctx)
}

// writeAggregates reads balance and totals at write time so that the store
// converges on the latest local state even when writes lag behind commits.
func (l *LedgerReconciler) writeAggregates(ctx context.Context) {
	l.mu.Lock()
	fields := aggregateFields(l.state)
	l.mu.Unlock()

	if err := l.store.Update(ctx, l.base, fields); err != nil {
		l.metrics.IncrStoreWriteFailure("aggregates")
		l.logger.Error("store write failed", zap.String("op", "aggregates"), zap.Error(err))
	}
}

func (l *LedgerReconciler) writeReset() {
	ctx, span := ledgerTracer.Start(context.Background(), "Ledger.SyncReset")
	defer span.End()

	if err := l.store.Delete(ctx, l.base+"/transactions"); err != nil {
		l.metrics.IncrStoreWriteFailure("reset")
		l.logger.Error("store write failed", zap.String("op", "reset"), zap.Error(err))
	}
	l.writeAggregates(ctx)
}
