package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"
	"github.com/precise-goals/finvoice/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// HealthCheck is a named dependency probed by /healthz.
type HealthCheck struct {
	Name   string
	Pinger port.Pinger
}

// DeviceServer serves the websocket bridge of a user's speech device.
type DeviceServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

// TokenIssuer signs development tokens.
type TokenIssuer interface {
	Sign(userID string, ttl time.Duration) (string, error)
}

// Deps are the collaborators the router serves.
type Deps struct {
	Sessions       *service.Sessions
	Verifier       port.IdentityVerifier
	Devices        DeviceServer // optional
	Tokens         TokenIssuer  // optional, enables POST /v1/dev/token
	Checks         []HealthCheck
	AllowedOrigins []string
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(deps Deps, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(deps.Checks))
	r.Get("/readyz", readyzHandler(deps.Checks))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/pipeline", pipelineMetricsHandler(metrics))

		if deps.Tokens != nil {
			r.Post("/dev/token", devTokenHandler(deps.Tokens, logger))
		}

		if deps.Sessions == nil || deps.Verifier == nil {
			return
		}

		r.Group(func(r chi.Router) {
			r.Use(IdentityMiddleware(deps.Verifier, logger))

			r.Post("/session/signout", signOutHandler(deps.Sessions))

			r.Route("/me", func(r chi.Router) {
				r.Use(SessionMiddleware(deps.Sessions, logger))

				// =============================================
				// Dashboard & ledger
				// =============================================
				r.Get("/dashboard", dashboardHandler())
				r.Get("/ledger", ledgerHandler())
				r.Post("/ledger/reset", ledgerResetHandler(logger))
				r.Get("/transactions", transactionsHandler())
				r.Post("/transcripts", submitTranscriptHandler(logger))

				// =============================================
				// Goals
				// =============================================
				r.Get("/goals", listGoalsHandler())
				r.Post("/goals", createGoalHandler(logger))
				r.Delete("/goals/{goalId}", deleteGoalHandler(logger))

				// =============================================
				// Voice capture
				// =============================================
				r.Get("/voice", voiceStatusHandler())
				r.Post("/voice/start", voiceStartHandler(logger))
				r.Post("/voice/stop", voiceStopHandler())
				r.Put("/voice/language", voiceLanguageHandler(logger))
				if deps.Devices != nil {
					r.Get("/voice/ws", voiceDeviceHandler(deps.Devices))
				}
			})
		})
	})

	return r
}

// ============================================================
// Operational
// ============================================================

func probe(ctx context.Context, checks []HealthCheck) ([]domain.ServiceHealth, string) {
	now := time.Now().Format(time.RFC3339)
	services := []domain.ServiceHealth{
		{Name: "finvoice-api", Status: "healthy", LatencyMs: 0, LastChecked: now},
	}

	overall := "healthy"
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		start := time.Now()
		err := c.Pinger.Ping(ctx)
		cancel()

		status := "healthy"
		if err != nil {
			status = "degraded"
			overall = "degraded"
		}
		services = append(services, domain.ServiceHealth{
			Name:        c.Name,
			Status:      status,
			LatencyMs:   time.Since(start).Milliseconds(),
			LastChecked: now,
		})
	}
	return services, overall
}

func healthzHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, overall := probe(r.Context(), checks)
		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overall,
			Services: services,
		})
	}
}

func readyzHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, overall := probe(r.Context(), checks); overall != "healthy" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func pipelineMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.PipelineSnapshot())
	}
}

// ============================================================
// Session
// ============================================================

func signOutHandler(sessions *service.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "POST /v1/session/signout")
		defer span.End()

		sessions.SignOut(UserIDFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}
}

func devTokenHandler(tokens TokenIssuer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"userId"`
		}
		if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}
		token, err := tokens.Sign(req.UserID, 24*time.Hour)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("dev token issued", zap.String("user_id", req.UserID))
		writeJSON(w, http.StatusOK, map[string]string{"accessToken": token})
	}
}
