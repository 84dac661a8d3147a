package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var goalTracer = otel.Tracer("service/goals")

// GoalTracker owns one user's active savings goals. A goal leaves the active
// set once the balance reaches its target and never comes back.
type GoalTracker struct {
	base    string
	store   port.DocumentStore
	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	active  map[string]domain.Goal
	retired map[string]struct{}
	// pending holds goals created here that no snapshot has shown yet.
	pending map[string]struct{}

	deletes sync.WaitGroup
}

// NewGoalTracker creates an empty tracker for the goals under base ("user/{id}").
func NewGoalTracker(base string, store port.DocumentStore, metrics *observability.Metrics, logger *zap.Logger) *GoalTracker {
	return &GoalTracker{
		base:    base,
		store:   store,
		metrics: metrics,
		logger:  logger,
		active:  make(map[string]domain.Goal),
		retired: make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

func (g *GoalTracker) goalPath(id string) string {
	return g.base + "/goals/" + id
}

// Evaluate removes every goal whose target balance has been reached and
// issues a best-effort store delete for each. It returns the removed goals.
func (g *GoalTracker) Evaluate(ctx context.Context, balance decimal.Decimal) []domain.Goal {
	g.mu.Lock()
	var achieved []domain.Goal
	for id, goal := range g.active {
		if balance.GreaterThanOrEqual(goal.Required) {
			achieved = append(achieved, goal)
			delete(g.active, id)
			delete(g.pending, id)
			g.retired[id] = struct{}{}
		}
	}
	g.mu.Unlock()

	if len(achieved) == 0 {
		return nil
	}
	sortGoals(achieved)

	bg := context.WithoutCancel(ctx)
	for _, goal := range achieved {
		g.metrics.IncrGoalAchieved()
		g.logger.Info("goal achieved",
			zap.String("goal_id", goal.ID),
			zap.String("title", goal.Title),
			zap.String("required", goal.Required.String()),
		)

		g.deletes.Add(1)
		go func(id string) {
			defer g.deletes.Done()
			ctx, span := goalTracer.Start(bg, "Goals.DeleteAchieved")
			defer span.End()
			span.SetAttributes(attribute.String("goal.id", id))

			if err := g.store.Delete(ctx, g.goalPath(id)); err != nil {
				g.metrics.IncrStoreWriteFailure("goal_delete")
				g.logger.Error("store write failed", zap.String("op", "goal_delete"), zap.String("goal_id", id), zap.Error(err))
			}
		}(goal.ID)
	}
	return achieved
}

// Create validates in, persists the new goal and evaluates it against
// balance right away. achieved reports whether it was met on creation.
func (g *GoalTracker) Create(ctx context.Context, in domain.GoalInput, balance decimal.Decimal) (goal domain.Goal, achieved bool, err error) {
	ctx, span := goalTracer.Start(ctx, "Goals.Create")
	defer span.End()

	goal, err = newGoal(in)
	if err != nil {
		return domain.Goal{}, false, err
	}

	g.mu.Lock()
	g.pending[goal.ID] = struct{}{}
	g.mu.Unlock()

	if err := g.store.Set(ctx, g.goalPath(goal.ID), goalRecord(goal)); err != nil {
		g.mu.Lock()
		delete(g.pending, goal.ID)
		g.mu.Unlock()
		return domain.Goal{}, false, fmt.Errorf("saving goal: %w", err)
	}

	g.mu.Lock()
	if _, gone := g.retired[goal.ID]; !gone {
		g.active[goal.ID] = goal
	}
	g.mu.Unlock()

	for _, done := range g.Evaluate(ctx, balance) {
		if done.ID == goal.ID {
			achieved = true
		}
	}
	return goal, achieved, nil
}

func newGoal(in domain.GoalInput) (domain.Goal, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Goal{}, &domain.ErrValidation{Field: "title", Message: "Please enter a goal title."}
	}
	if !in.Required.IsPositive() {
		return domain.Goal{}, &domain.ErrValidation{Field: "required", Message: "Please enter a required amount greater than zero."}
	}

	investment := in.InvestmentType
	if investment == "" {
		investment = domain.InvestmentOthers
	}
	if !investment.Valid() {
		return domain.Goal{}, &domain.ErrValidation{Field: "investmentType", Message: fmt.Sprintf("Unknown investment type %q.", in.InvestmentType)}
	}
	plan := in.PlanType
	if plan == "" {
		plan = domain.PlanIndividual
	}
	if !plan.Valid() {
		return domain.Goal{}, &domain.ErrValidation{Field: "planType", Message: fmt.Sprintf("Unknown plan type %q.", in.PlanType)}
	}

	return domain.Goal{
		ID:             uuid.NewString(),
		Title:          title,
		InvestmentType: investment,
		PlanType:       plan,
		Required:       in.Required,
	}, nil
}

// Remove deletes an active goal at the user's request.
func (g *GoalTracker) Remove(ctx context.Context, id string) error {
	ctx, span := goalTracer.Start(ctx, "Goals.Remove")
	defer span.End()

	g.mu.Lock()
	if _, ok := g.active[id]; !ok {
		g.mu.Unlock()
		return &domain.ErrNotFound{Resource: "goal", ID: id}
	}
	delete(g.active, id)
	delete(g.pending, id)
	g.retired[id] = struct{}{}
	g.mu.Unlock()

	if err := g.store.Delete(ctx, g.goalPath(id)); err != nil {
		g.metrics.IncrStoreWriteFailure("goal_delete")
		return fmt.Errorf("deleting goal: %w", err)
	}
	return nil
}

// Sync replaces the active set with a goals snapshot from the store.
// Retired ids are skipped. Goals created here survive snapshots taken
// before their write until a snapshot shows them.
func (g *GoalTracker) Sync(snapshot any) error {
	goals, err := decodeGoals(snapshot)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	active := make(map[string]domain.Goal, len(goals)+len(g.pending))
	for id, goal := range goals {
		if _, gone := g.retired[id]; gone {
			continue
		}
		active[id] = goal
	}
	for id := range g.pending {
		if _, seen := goals[id]; seen {
			delete(g.pending, id)
			continue
		}
		if goal, ok := g.active[id]; ok {
			active[id] = goal
		}
	}
	g.active = active
	return nil
}

// Active returns the active goals sorted by title.
func (g *GoalTracker) Active() []domain.Goal {
	g.mu.Lock()
	out := make([]domain.Goal, 0, len(g.active))
	for _, goal := range g.active {
		out = append(out, goal)
	}
	g.mu.Unlock()

	sortGoals(out)
	return out
}

// Progress returns the active goals with their progress against balance,
// clamped to [0, 1].
func (g *GoalTracker) Progress(balance decimal.Decimal) []domain.GoalProgress {
	active := g.Active()
	out := make([]domain.GoalProgress, 0, len(active))
	for _, goal := range active {
		out = append(out, domain.GoalProgress{
			Goal:     goal,
			Balance:  balance,
			Progress: progress(balance, goal.Required),
		})
	}
	return out
}

// Wait blocks until in-flight store deletes have finished.
func (g *GoalTracker) Wait() {
	g.deletes.Wait()
}

func progress(balance, required decimal.Decimal) float64 {
	if !required.IsPositive() || !balance.IsPositive() {
		return 0
	}
	ratio := balance.Div(required)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		return 1
	}
	return ratio.InexactFloat64()
}

func sortGoals(goals []domain.Goal) {
	sort.Slice(goals, func(i, j int) bool {
		if goals[i].Title != goals[j].Title {
			return goals[i].Title < goals[j].Title
		}
		return goals[i].ID < goals[j].ID
	})
}
