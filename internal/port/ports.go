// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the pipeline
// components from the recognition device, the persisted store and the
// event transport.
package port

import (
	"context"
	"errors"

	"github.com/precise-goals/finvoice/internal/domain"
)

// ErrRecognitionUnsupported is returned by a RecognizerFactory when the
// platform has no speech recognition capability.
var ErrRecognitionUnsupported = errors.New("speech recognition not supported")

// ============================================================
// Persisted store
// ============================================================

// DocumentStore is a path-addressable document tree ("user/42/totalBalance").
// Values are JSON-like: nil, bool, float64, string, []any, map[string]any.
type DocumentStore interface {
	// Get returns the value at path, or nil when nothing is stored there.
	Get(ctx context.Context, path string) (any, error)
	// Set replaces the value at path.
	Set(ctx context.Context, path string, value any) error
	// Update merges fields under path. Keys may be relative multi-segment
	// paths ("categoryTotals/food") and each one is written atomically.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes path and everything below it.
	Delete(ctx context.Context, path string) error
	// Subscribe calls fn with the current value at path and again after each
	// change below it, until cancel is called or ctx is done.
	Subscribe(ctx context.Context, path string, fn func(value any)) (cancel func(), err error)
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ============================================================
// Speech recognition device
// ============================================================

// RecognizerConfig configures one recognition run.
type RecognizerConfig struct {
	LanguageTag    string
	Continuous     bool
	InterimResults bool
}

// RecognitionHandler receives the events of one recognizer instance.
// Implementations must tolerate calls from any goroutine.
type RecognitionHandler interface {
	OnResult(ev domain.RecognitionEvent)
	OnError(code string)
	OnEnd()
}

// Recognizer is a live handle on the recognition device.
type Recognizer interface {
	Start(ctx context.Context) error
	// Stop asks the device to finish; OnEnd follows asynchronously.
	Stop()
	// SetLanguage changes the tag used for the next utterance.
	SetLanguage(tag string)
	// Release frees the device. Safe to call more than once.
	Release()
}

// RecognizerFactory builds recognizers for one user.
type RecognizerFactory interface {
	NewRecognizer(ctx context.Context, userID string, cfg RecognizerConfig, h RecognitionHandler) (Recognizer, error)
}

// Alerter surfaces capability failures to the user.
type Alerter interface {
	Alert(ctx context.Context, userID string, alert domain.Alert)
}

// TranscriptSink consumes final transcripts emitted by a capture session.
type TranscriptSink interface {
	HandleTranscript(ctx context.Context, text string, lang domain.Language)
}

// ============================================================
// Classification
// ============================================================

// Classifier turns transcript text into a transaction candidate.
type Classifier interface {
	Classify(text string, lang domain.Language) (domain.Candidate, bool)
}

// ============================================================
// Events, identity, cache
// ============================================================

// EventPublisher publishes ledger events. Delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// IdentityVerifier resolves a bearer token to a stable user id.
type IdentityVerifier interface {
	Verify(token string) (userID string, err error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
