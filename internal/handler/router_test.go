package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/precise-goals/finvoice/internal/classifier"
	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/handler"
	"github.com/precise-goals/finvoice/internal/infra/identity"
	"github.com/precise-goals/finvoice/internal/infra/memstore"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"
	"github.com/precise-goals/finvoice/internal/service"

	"go.uber.org/zap"
)

// --- Mocks ---

type noDevice struct{}

func (noDevice) NewRecognizer(context.Context, string, port.RecognizerConfig, port.RecognitionHandler) (port.Recognizer, error) {
	return nil, port.ErrRecognitionUnsupported
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("down") }

type testServer struct {
	router   http.Handler
	sessions *service.Sessions
	verifier *identity.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cls, err := classifier.New(classifier.Config{})
	if err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetrics()
	store := memstore.New()

	sessions := service.NewSessions(service.PipelineConfig{}, service.PipelineDeps{
		Store:       store,
		Classifier:  cls,
		Recognizers: noDevice{},
	}, metrics, zap.NewNop())
	t.Cleanup(sessions.Close)

	verifier := identity.NewVerifier([]byte("test-secret"), "")
	router := handler.NewRouter(handler.Deps{
		Sessions: sessions,
		Verifier: verifier,
		Tokens:   verifier,
		Checks:   []handler.HealthCheck{{Name: "store", Pinger: store}},
	}, metrics, zap.NewNop())

	return &testServer{router: router, sessions: sessions, verifier: verifier}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := s.verifier.Sign(user, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

// --- Operational ---

func TestHealthz(t *testing.T) {
	router := handler.NewRouter(handler.Deps{}, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	router := handler.NewRouter(handler.Deps{}, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz_DependencyDown(t *testing.T) {
	router := handler.NewRouter(handler.Deps{
		Checks: []handler.HealthCheck{{Name: "store", Pinger: downPinger{}}},
	}, observability.NewMetrics(), zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	health := decode[domain.HealthStatus](t, rec)
	if health.Status != "degraded" || len(health.Services) != 2 {
		t.Errorf("expected degraded with 2 services, got %+v", health)
	}
}

func TestMetrics(t *testing.T) {
	router := handler.NewRouter(handler.Deps{}, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// --- Identity ---

func TestMe_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodGet, "/v1/me/dashboard", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/me/dashboard", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", rec.Code)
	}
	if len(s.sessions.Users()) != 0 {
		t.Error("rejected requests must not sign anyone in")
	}
}

func TestMe_QueryTokenAccepted(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.verifier.Sign("u1", time.Minute)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/me/voice?access_token="+token, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestDevToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/dev/token", "", map[string]string{"userId": "u9"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[map[string]string](t, rec)
	uid, err := s.verifier.Verify(resp["accessToken"])
	if err != nil || uid != "u9" {
		t.Errorf("expected token for u9, got %q %v", uid, err)
	}
}

// --- Ledger ---

func TestTranscripts_RecordAndList(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/me/transcripts", "u1", map[string]string{"text": "I spent 500 rupees on food"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	result := decode[domain.TranscriptResult](t, rec)
	if !result.Recorded || result.Transaction.Category != domain.CategoryFood {
		t.Fatalf("unexpected result: %+v", result)
	}

	s.do(t, http.MethodPost, "/v1/me/transcripts", "u1", map[string]string{"text": "saved 2000"})
	s.do(t, http.MethodPost, "/v1/me/transcripts", "u1", map[string]string{"text": "hello"})

	list := decode[domain.ListResponse[domain.Transaction]](t, s.do(t, http.MethodGet, "/v1/me/transactions", "u1", nil))
	if list.Total != 2 || list.Data[0].Type != domain.TypeSavings {
		t.Errorf("expected 2 transactions newest first, got %+v", list)
	}

	filtered := decode[domain.ListResponse[domain.Transaction]](t, s.do(t, http.MethodGet, "/v1/me/transactions?type=expense", "u1", nil))
	if filtered.Total != 1 {
		t.Errorf("expected 1 expense, got %d", filtered.Total)
	}

	dash := decode[domain.Dashboard](t, s.do(t, http.MethodGet, "/v1/me/dashboard", "u1", nil))
	if dash.Ledger.TotalBalance.String() != "1500" {
		t.Errorf("expected balance 1500, got %s", dash.Ledger.TotalBalance)
	}

	other := decode[domain.LedgerState](t, s.do(t, http.MethodGet, "/v1/me/ledger", "u2", nil))
	if !other.TotalBalance.IsZero() {
		t.Error("users must not share a ledger")
	}
}

func TestTranscripts_BadInput(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodPost, "/v1/me/transcripts", "u1", map[string]string{"text": " "}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v1/me/transcripts", "u1", map[string]string{"text": "saved 1", "language": "fr"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown language, got %d", rec.Code)
	}
}

func TestLedgerReset(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/me/transcripts", "u1", map[string]string{"text": "saved 100"})

	state := decode[domain.LedgerState](t, s.do(t, http.MethodPost, "/v1/me/ledger/reset", "u1", nil))
	if !state.TotalBalance.IsZero() || len(state.TransactionHistory) != 0 {
		t.Errorf("expected empty ledger, got %+v", state)
	}
}

// --- Goals ---

func TestGoals_Lifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/me/goals", "u1", map[string]any{
		"title": "Laptop", "investmentType": "Education", "planType": "Individual", "required": 1000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[struct {
		Goal     domain.Goal `json:"goal"`
		Achieved bool        `json:"achieved"`
	}](t, rec)
	if created.Achieved || created.Goal.ID == "" {
		t.Fatalf("unexpected goal: %+v", created)
	}

	s.do(t, http.MethodPost, "/v1/me/transcripts", "u1", map[string]string{"text": "saved 250"})
	goals := decode[domain.ListResponse[domain.GoalProgress]](t, s.do(t, http.MethodGet, "/v1/me/goals", "u1", nil))
	if goals.Total != 1 || goals.Data[0].Progress != 0.25 {
		t.Fatalf("expected 25%% progress, got %+v", goals)
	}

	if rec := s.do(t, http.MethodDelete, "/v1/me/goals/"+created.Goal.ID, "u1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/v1/me/goals/"+created.Goal.ID, "u1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestGoals_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/me/goals", "u1", map[string]any{"title": "", "required": 100})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["error"] != "Please enter a goal title." || body["field"] != "title" {
		t.Errorf("unexpected error body: %v", body)
	}

	rec = s.do(t, http.MethodPost, "/v1/me/goals", "u1", map[string]any{"title": "Car", "required": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amount, got %d", rec.Code)
	}
}

// --- Voice ---

func TestVoice_StartWithoutDevice(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/me/voice/start", "u1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	status := decode[domain.VoiceStatus](t, s.do(t, http.MethodGet, "/v1/me/voice", "u1", nil))
	if status.Listening || status.Supported {
		t.Errorf("expected unsupported idle voice, got %+v", status)
	}
}

func TestVoice_SetLanguage(t *testing.T) {
	s := newTestServer(t)

	status := decode[domain.VoiceStatus](t, s.do(t, http.MethodPut, "/v1/me/voice/language", "u1", map[string]string{"language": "hi-IN"}))
	if status.Language != domain.LanguageHindi {
		t.Errorf("expected hi, got %s", status.Language)
	}
	if rec := s.do(t, http.MethodPut, "/v1/me/voice/language", "u1", map[string]string{"language": "de"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// --- Session ---

func TestSignOut(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/v1/me/dashboard", "u1", nil)
	if len(s.sessions.Users()) != 1 {
		t.Fatal("expected u1 signed in")
	}

	if rec := s.do(t, http.MethodPost, "/v1/session/signout", "u1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if len(s.sessions.Users()) != 0 {
		t.Error("expected u1 signed out")
	}
}

func TestPipelineMetrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/me/transcripts", "u1", map[string]string{"text": "saved 100"})
	s.do(t, http.MethodPost, "/v1/me/transcripts", "u1", map[string]string{"text": "saved 100"})

	snap := decode[domain.PipelineMetrics](t, s.do(t, http.MethodGet, "/v1/metrics/pipeline", "", nil))
	if snap.TranscriptsRecorded != 1 || snap.Duplicates != 1 || snap.ActiveSessions != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}
