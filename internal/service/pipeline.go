package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"
	"github.com/precise-goals/finvoice/internal/speech"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("service/pipeline")

// Event subjects, one token per user id.
func subjectApplied(userID string) string  { return "finvoice.ledger." + userID + ".applied" }
func subjectReset(userID string) string    { return "finvoice.ledger." + userID + ".reset" }
func subjectAchieved(userID string) string { return "finvoice.goals." + userID + ".achieved" }

// PipelineConfig holds the per-user pipeline settings.
type PipelineConfig struct {
	StoreRoot            string
	Language             domain.Language
	NoSpeechRestartDelay time.Duration
	SyncQueueSize        int
}

// PipelineDeps are the capabilities a pipeline is built from.
type PipelineDeps struct {
	Store       port.DocumentStore
	Classifier  port.Classifier
	Recognizers port.RecognizerFactory
	// Alerts receives capability alerts after the pipeline recorded them. Optional.
	Alerts port.Alerter
	// Events receives ledger events. Optional.
	Events port.EventPublisher
}

// Pipeline wires speech capture, classification, the ledger and the goal
// tracker for one signed-in user.
type Pipeline struct {
	userID     string
	base       string
	store      port.DocumentStore
	classifier port.Classifier
	alerts     port.Alerter
	events     port.EventPublisher
	metrics    *observability.Metrics
	logger     *zap.Logger

	session *speech.Session
	ledger  *LedgerReconciler
	goals   *GoalTracker

	processing atomic.Int32

	mu          sync.RWMutex
	lastAlert   *domain.Alert
	unsubscribe func()
}

// NewPipeline builds an inert pipeline for userID. Call Seed before use.
func NewPipeline(userID string, cfg PipelineConfig, deps PipelineDeps, metrics *observability.Metrics, logger *zap.Logger) *Pipeline {
	logger = logger.With(zap.String("user_id", userID))
	base := userPath(cfg.StoreRoot, userID)

	p := &Pipeline{
		userID:     userID,
		base:       base,
		store:      deps.Store,
		classifier: deps.Classifier,
		alerts:     deps.Alerts,
		events:     deps.Events,
		metrics:    metrics,
		logger:     logger,
		ledger:     NewLedgerReconciler(base, deps.Store, cfg.SyncQueueSize, metrics, logger),
		goals:      NewGoalTracker(base, deps.Store, metrics, logger),
	}
	p.session = speech.NewSession(userID, speech.Config{
		Language:             cfg.Language,
		NoSpeechRestartDelay: cfg.NoSpeechRestartDelay,
	}, deps.Recognizers, p, p, metrics, logger)
	return p
}

// UserID returns the owner of the pipeline.
func (p *Pipeline) UserID() string { return p.userID }

// Seed loads the user's ledger and goals from the store concurrently and
// subscribes to goal changes.
func (p *Pipeline) Seed(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Pipeline.Seed")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", p.userID))

	start := time.Now()
	defer func() { p.metrics.RecordDuration("pipeline_seed", time.Since(start)) }()

	var balance, totals, transactions, goals any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		balance, err = p.store.Get(gctx, p.base+"/totalBalance")
		return err
	})
	g.Go(func() (err error) {
		totals, err = p.store.Get(gctx, p.base+"/categoryTotals")
		return err
	})
	g.Go(func() (err error) {
		transactions, err = p.store.Get(gctx, p.base+"/transactions")
		return err
	})
	g.Go(func() (err error) {
		goals, err = p.store.Get(gctx, p.base+"/goals")
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("seeding ledger: %w", err)
	}

	p.ledger.Seed(decodeLedger(balance, totals, transactions))
	if err := p.goals.Sync(goals); err != nil {
		p.logger.Warn("ignoring malformed goals node", zap.Error(err))
	}
	p.evaluateGoals(ctx)

	unsubscribe, err := p.store.Subscribe(context.WithoutCancel(ctx), p.base+"/goals", p.onGoalsChanged)
	if err != nil {
		p.logger.Warn("goal subscription unavailable", zap.Error(err))
	} else {
		p.mu.Lock()
		p.unsubscribe = unsubscribe
		p.mu.Unlock()
	}

	p.logger.Info("pipeline seeded",
		zap.String("total_balance", p.ledger.Balance().String()),
		zap.Int("goals", len(p.goals.Active())),
	)
	return nil
}

func (p *Pipeline) onGoalsChanged(value any) {
	if err := p.goals.Sync(value); err != nil {
		p.logger.Warn("ignoring malformed goals node", zap.Error(err))
		return
	}
	p.evaluateGoals(context.Background())
}

// HandleTranscript implements port.TranscriptSink for the capture session.
func (p *Pipeline) HandleTranscript(ctx context.Context, text string, lang domain.Language) {
	if _, err := p.Submit(ctx, text, lang); err != nil {
		p.logger.Debug("transcript ignored", zap.Error(err))
	}
}

// Submit runs a transcript through classification, the ledger and goal
// evaluation. An empty lang is detected from the text. Transcripts without
// a usable amount are dropped silently and reported as not recorded.
func (p *Pipeline) Submit(ctx context.Context, text string, lang domain.Language) (domain.TranscriptResult, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Submit")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return domain.TranscriptResult{}, &domain.ErrValidation{Field: "text", Message: "transcript is empty"}
	}
	if !lang.Valid() {
		lang = speech.DetectLanguage(text, p.session.Language())
	}
	span.SetAttributes(attribute.String("language", string(lang)))

	p.processing.Add(1)
	defer p.processing.Add(-1)

	start := time.Now()
	defer func() { p.metrics.RecordDuration("pipeline_submit", time.Since(start)) }()

	candidate, ok := p.classifier.Classify(text, lang)
	if !ok {
		p.metrics.IncrTranscript(observability.OutcomeNoTransaction)
		p.logger.Debug("no transaction in transcript", zap.String("language", string(lang)))
		return domain.TranscriptResult{Recorded: false}, nil
	}

	tx, applied := p.ledger.Apply(candidate, text)
	if !applied {
		p.metrics.IncrTranscript(observability.OutcomeDuplicate)
		return domain.TranscriptResult{Recorded: false, Duplicate: true}, nil
	}
	p.metrics.IncrTranscript(observability.OutcomeRecorded)
	p.metrics.IncrTransaction(tx.Type)

	balance := p.ledger.Balance()
	p.logger.Info("transaction recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.String("category", string(tx.Category)),
		zap.String("amount", tx.Amount.String()),
		zap.String("total_balance", balance.String()),
	)
	p.publish(ctx, subjectApplied(p.userID), domain.TransactionApplied{
		UserID:       p.userID,
		Transaction:  tx,
		TotalBalance: balance,
	})
	p.evaluateGoals(ctx)

	return domain.TranscriptResult{Recorded: true, Transaction: &tx}, nil
}

func (p *Pipeline) evaluateGoals(ctx context.Context) {
	balance := p.ledger.Balance()
	for _, goal := range p.goals.Evaluate(ctx, balance) {
		p.publish(ctx, subjectAchieved(p.userID), domain.GoalAchieved{
			UserID:  p.userID,
			Goal:    goal,
			Balance: balance,
		})
	}
}

func (p *Pipeline) publish(ctx context.Context, subject string, payload any) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, subject, payload); err != nil {
		p.metrics.IncrExternalError("events")
		p.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Alert implements port.Alerter: it keeps the alert for the dashboard and
// forwards it to the configured channel.
func (p *Pipeline) Alert(ctx context.Context, userID string, alert domain.Alert) {
	p.mu.Lock()
	p.lastAlert = &alert
	p.mu.Unlock()

	if p.alerts != nil {
		p.alerts.Alert(ctx, userID, alert)
	}
}

// ============================================================
// Voice
// ============================================================

// StartVoice starts listening. A *domain.ErrCapability means the device is
// unavailable; the session itself stays idle.
func (p *Pipeline) StartVoice(ctx context.Context) error {
	return p.session.Start(ctx)
}

// StopVoice stops transcript delivery and asks the device to end.
func (p *Pipeline) StopVoice() {
	p.session.Stop()
}

// SetLanguage overrides the recognition language.
func (p *Pipeline) SetLanguage(lang domain.Language) {
	p.session.SetLanguage(lang)
}

// Voice returns the live capture view.
func (p *Pipeline) Voice() domain.VoiceStatus {
	return p.session.Status()
}

// ============================================================
// Ledger & goals
// ============================================================

// Ledger returns a snapshot of the ledger.
func (p *Pipeline) Ledger() domain.LedgerState {
	return p.ledger.Snapshot()
}

// Reset zeroes the ledger.
func (p *Pipeline) Reset(ctx context.Context) domain.LedgerState {
	ctx, span := tracer.Start(ctx, "Pipeline.Reset")
	defer span.End()

	state := p.ledger.Reset()
	p.logger.Info("ledger reset")
	p.publish(ctx, subjectReset(p.userID), domain.LedgerReset{UserID: p.userID, At: time.Now()})
	return state
}

// Goals returns active goals with progress against the current balance.
func (p *Pipeline) Goals() []domain.GoalProgress {
	return p.goals.Progress(p.ledger.Balance())
}

// CreateGoal creates a goal. achieved reports that the current balance
// already met it, in which case it is not in the active set.
func (p *Pipeline) CreateGoal(ctx context.Context, in domain.GoalInput) (domain.Goal, bool, error) {
	balance := p.ledger.Balance()
	goal, achieved, err := p.goals.Create(ctx, in, balance)
	if err != nil {
		return domain.Goal{}, false, err
	}
	if achieved {
		p.publish(ctx, subjectAchieved(p.userID), domain.GoalAchieved{UserID: p.userID, Goal: goal, Balance: balance})
	}
	return goal, achieved, nil
}

// RemoveGoal deletes an active goal.
func (p *Pipeline) RemoveGoal(ctx context.Context, id string) error {
	return p.goals.Remove(ctx, id)
}

// Dashboard returns the full consumer view.
func (p *Pipeline) Dashboard() domain.Dashboard {
	p.mu.RLock()
	var alert *domain.Alert
	if p.lastAlert != nil {
		a := *p.lastAlert
		alert = &a
	}
	p.mu.RUnlock()

	ledger := p.ledger.Snapshot()
	return domain.Dashboard{
		Voice:      p.session.Status(),
		Processing: p.processing.Load() > 0,
		LastAlert:  alert,
		Ledger:     ledger,
		Goals:      p.goals.Progress(ledger.TotalBalance),
	}
}

// Flush waits until queued ledger writes and goal deletes have been attempted.
func (p *Pipeline) Flush(ctx context.Context) error {
	if err := p.ledger.Flush(ctx); err != nil {
		return err
	}
	p.goals.Wait()
	return nil
}

// Close releases the recognition device, stops the goal subscription and
// drains pending store writes.
func (p *Pipeline) Close() {
	p.session.Close()

	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	p.ledger.Close()
	p.goals.Wait()
}
