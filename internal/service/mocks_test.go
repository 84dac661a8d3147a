package service_test

import (
	"context"
	"errors"
	"sync"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/memstore"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"
	"github.com/shopspring/decimal"
)

// --- Mocks ---

// flakyStore fails every write while failing is set.
type flakyStore struct {
	*memstore.Store
	mu      sync.Mutex
	failing bool
	gate    chan struct{} // when non-nil, Set blocks until it is closed
}

var errStoreDown = errors.New("store unreachable")

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memstore.New()}
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *flakyStore) check() error {
	f.mu.Lock()
	gate := f.gate
	failing := f.failing
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if failing {
		return errStoreDown
	}
	return nil
}

func (f *flakyStore) Set(ctx context.Context, path string, v any) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Store.Set(ctx, path, v)
}

func (f *flakyStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Store.Update(ctx, path, fields)
}

func (f *flakyStore) Delete(ctx context.Context, path string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Store.Delete(ctx, path)
}

type publishedEvent struct {
	subject string
	payload any
}

type mockPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (m *mockPublisher) Publish(_ context.Context, subject string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, publishedEvent{subject: subject, payload: payload})
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.subject
	}
	return out
}

type mockRecognizer struct {
	handler port.RecognitionHandler
}

func (m *mockRecognizer) Start(context.Context) error { return nil }
func (m *mockRecognizer) Stop()                       {}
func (m *mockRecognizer) SetLanguage(string)          {}
func (m *mockRecognizer) Release()                    {}

type mockRecognizers struct {
	mu   sync.Mutex
	err  error
	last *mockRecognizer
}

func (m *mockRecognizers) NewRecognizer(_ context.Context, _ string, _ port.RecognizerConfig, h port.RecognitionHandler) (port.Recognizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.last = &mockRecognizer{handler: h}
	return m.last, nil
}

func (m *mockRecognizers) current() *mockRecognizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// --- helpers ---

func candidate(t domain.TransactionType, c domain.Category, amount int64) domain.Candidate {
	return domain.Candidate{
		Type:        t,
		Category:    c,
		Amount:      decimal.NewFromInt(amount),
		Description: "test",
		Language:    domain.LanguageEnglish,
		Confidence:  0.8,
	}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func counterTotal(m *observability.Metrics, name string) float64 {
	families, err := m.Registry.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
