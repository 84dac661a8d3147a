package handler

import (
	"net/http"
	"strings"

	"github.com/precise-goals/finvoice/internal/domain"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Dashboard & ledger: /v1/me
// ============================================================

func dashboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pipelineFrom(r).Dashboard())
	}
}

func ledgerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pipelineFrom(r).Ledger())
	}
}

func ledgerResetHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/me/ledger/reset")
		defer span.End()

		state := pipelineFrom(r).Reset(ctx)
		logger.Info("ledger reset requested", zap.String("user_id", UserIDFromContext(ctx)))
		writeJSON(w, http.StatusOK, state)
	}
}

// transactionsHandler lists the history newest first. Optional filters:
// ?type=expense,savings  ?category=food  ?limit=50
func transactionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history := pipelineFrom(r).Ledger().TransactionHistory

		types := csvSet(r.URL.Query().Get("type"))
		categories := csvSet(r.URL.Query().Get("category"))
		limit := parseLimit(r, 100, 1000)

		out := make([]domain.Transaction, 0, min(limit, len(history)))
		for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
			tx := history[i]
			if len(types) > 0 && !types[string(tx.Type)] {
				continue
			}
			if len(categories) > 0 && !categories[string(tx.Category)] {
				continue
			}
			out = append(out, tx)
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.Transaction]{Data: out, Total: len(out)})
	}
}

func csvSet(v string) map[string]bool {
	set := make(map[string]bool)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = true
		}
	}
	return set
}

type transcriptRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// submitTranscriptHandler is the typed fallback for users without a
// microphone: the text takes the same path as a spoken transcript.
func submitTranscriptHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/me/transcripts")
		defer span.End()

		var req transcriptRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var lang domain.Language
		if req.Language != "" {
			parsed, ok := domain.ParseLanguage(req.Language)
			if !ok {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unsupported language", Field: "language"})
				return
			}
			lang = parsed
		}

		result, err := pipelineFrom(r).Submit(ctx, req.Text, lang)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.Bool("transcript.recorded", result.Recorded))
		writeJSON(w, http.StatusOK, result)
	}
}

// ============================================================
// Goals: /v1/me/goals
// ============================================================

func listGoalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		goals := pipelineFrom(r).Goals()
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.GoalProgress]{Data: goals, Total: len(goals)})
	}
}

type createGoalResponse struct {
	Goal     domain.Goal `json:"goal"`
	Achieved bool        `json:"achieved"`
}

func createGoalHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/me/goals")
		defer span.End()

		var in domain.GoalInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		goal, achieved, err := pipelineFrom(r).CreateGoal(ctx, in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("goal.id", goal.ID), attribute.Bool("goal.achieved", achieved))
		writeJSON(w, http.StatusCreated, createGoalResponse{Goal: goal, Achieved: achieved})
	}
}

func deleteGoalHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/me/goals/{goalId}")
		defer span.End()

		goalID := chi.URLParam(r, "goalId")
		span.SetAttributes(attribute.String("goal.id", goalID))

		if err := pipelineFrom(r).RemoveGoal(ctx, goalID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
