// Package speech owns the recognition device for one user: it drives the
// capture state machine, turns device events into final transcripts and
// switches the recognition language from what the user actually says.
package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("speech/session")

// DefaultNoSpeechRestartDelay is the pause before listening again after the
// device reported silence.
const DefaultNoSpeechRestartDelay = 1500 * time.Millisecond

var alertMessages = map[string]string{
	domain.RecognitionNotAllowed:   "Microphone access was denied. Allow microphone permission to record transactions by voice.",
	domain.RecognitionAudioCapture: "No microphone was found. Connect a microphone and try again.",
}

// Config configures a Session.
type Config struct {
	Language             domain.Language
	NoSpeechRestartDelay time.Duration
}

// noopAlerter keeps the session usable when no alert channel is wired.
type noopAlerter struct{}

func (noopAlerter) Alert(context.Context, string, domain.Alert) {}

// Session is the capture session of one signed-in user.
type Session struct {
	userID       string
	factory      port.RecognizerFactory
	sink         port.TranscriptSink
	alerter      port.Alerter
	metrics      *observability.Metrics
	logger       *zap.Logger
	restartDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	lang      domain.Language
	rec       port.Recognizer
	gen       uint64
	active    bool // transcripts are delivered and silence restarts are allowed
	interim   string
	latest    string
	supported bool
	restart   *time.Timer
	closed    bool
}

// NewSession constructs an idle capture session.
func NewSession(
	userID string,
	cfg Config,
	factory port.RecognizerFactory,
	sink port.TranscriptSink,
	alerter port.Alerter,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Session {
	if alerter == nil {
		alerter = noopAlerter{}
	}
	lang := cfg.Language
	if !lang.Valid() {
		lang = domain.LanguageEnglish
	}
	delay := cfg.NoSpeechRestartDelay
	if delay <= 0 {
		delay = DefaultNoSpeechRestartDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		userID:       userID,
		factory:      factory,
		sink:         sink,
		alerter:      alerter,
		metrics:      metrics,
		logger:       logger.With(zap.String("user_id", userID)),
		restartDelay: delay,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		lang:         lang,
		supported:    true,
	}
}

// Start begins continuous recognition at the current language. Starting an
// already listening session is a no-op. When the device cannot be built the
// failure is logged, the session stays idle and a *domain.ErrCapability is
// returned for callers that want to surface it.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Session.Start")
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &domain.ErrCapability{Capability: "speech-recognition", Reason: "session closed"}
	}
	if s.state == StateListening && s.active {
		s.mu.Unlock()
		return nil
	}
	s.stopRestartLocked()
	// A stop may still be waiting for its end event. Drop that recognizer;
	// the generation bump below makes its late events no-ops.
	var stale port.Recognizer
	if s.state == StateListening {
		stale = s.rec
		s.rec = nil
		s.state, _ = Transition(s.state, EventEnd)
		s.interim = ""
	}
	s.gen++
	gen := s.gen
	s.active = true
	lang := s.lang
	s.mu.Unlock()

	if stale != nil {
		stale.Release()
	}

	span.SetAttributes(attribute.String("language", string(lang)))

	cfg := port.RecognizerConfig{
		LanguageTag:    lang.Tag(),
		Continuous:     true,
		InterimResults: true,
	}
	rec, err := s.factory.NewRecognizer(ctx, s.userID, cfg, &generationHandler{session: s, gen: gen})
	if err != nil {
		s.abandon(gen, errors.Is(err, port.ErrRecognitionUnsupported))
		s.logger.Warn("speech recognition unavailable", zap.Error(err))
		return &domain.ErrCapability{Capability: "speech-recognition", Reason: err.Error()}
	}
	if err := rec.Start(ctx); err != nil {
		rec.Release()
		s.abandon(gen, false)
		s.logger.Warn("speech recognizer failed to start", zap.Error(err))
		return &domain.ErrCapability{Capability: "speech-recognition", Reason: err.Error()}
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		rec.Stop()
		rec.Release()
		return nil
	}
	next, err := Transition(s.state, EventStart)
	if err != nil {
		s.mu.Unlock()
		rec.Stop()
		rec.Release()
		return nil
	}
	s.state = next
	s.rec = rec
	s.supported = true
	s.mu.Unlock()

	s.logger.Info("listening", zap.String("language", string(lang)))
	return nil
}

// abandon rolls back a Start that never produced a live recognizer.
func (s *Session) abandon(gen uint64, unsupported bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.active = false
	}
	if unsupported {
		s.supported = false
	}
}

// Stop asks the device to finish. Transcript delivery stops now; the state
// flips to idle when the device reports its end.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopRestartLocked()
	s.active = false
	s.interim = ""
	rec := s.rec
	s.mu.Unlock()

	if rec != nil {
		rec.Stop()
	}
}

// Close releases the device and disables the session. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopRestartLocked()
	s.active = false
	s.gen++
	s.state, _ = Transition(s.state, EventFail)
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()

	s.cancel()
	if rec != nil {
		rec.Stop()
		rec.Release()
	}
}

// SetLanguage overrides the recognition language for the next utterance.
func (s *Session) SetLanguage(lang domain.Language) {
	if !lang.Valid() {
		return
	}
	s.mu.Lock()
	s.lang = lang
	rec := s.rec
	s.mu.Unlock()

	if rec != nil {
		rec.SetLanguage(lang.Tag())
	}
}

// Status returns the live capture view.
func (s *Session) Status() domain.VoiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.VoiceStatus{
		Listening:        s.state == StateListening,
		Language:         s.lang,
		InterimText:      s.interim,
		LatestTranscript: s.latest,
		Supported:        s.supported,
	}
}

// State returns the current state machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Language returns the current recognition language.
func (s *Session) Language() domain.Language {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lang
}

func (s *Session) onResult(gen uint64, ev domain.RecognitionEvent) {
	var final, interim strings.Builder
	start := ev.ResultIndex
	if start < 0 {
		start = 0
	}
	for i := start; i < len(ev.Results); i++ {
		r := ev.Results[i]
		if len(r.Alternatives) == 0 {
			continue
		}
		if r.IsFinal {
			final.WriteString(r.Alternatives[0].Transcript)
		} else {
			interim.WriteString(r.Alternatives[0].Transcript)
		}
	}
	text := strings.TrimSpace(final.String())

	s.mu.Lock()
	if gen != s.gen || !s.active {
		s.mu.Unlock()
		return
	}
	s.interim = strings.TrimSpace(interim.String())
	if text == "" {
		s.mu.Unlock()
		return
	}
	s.latest = text
	detected := DetectLanguage(text, s.lang)
	switched := detected != s.lang
	s.lang = detected
	rec := s.rec
	ctx := s.ctx
	s.mu.Unlock()

	if switched {
		s.logger.Info("language switched", zap.String("language", string(detected)))
		if rec != nil {
			rec.SetLanguage(detected.Tag())
		}
	}
	s.sink.HandleTranscript(ctx, text, detected)
}

func (s *Session) onError(gen uint64, code string) {
	s.metrics.IncrRecognizerError(code)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	switch code {
	case domain.RecognitionNoSpeech:
		if s.active && !s.closed {
			s.stopRestartLocked()
			s.restart = time.AfterFunc(s.restartDelay, s.restartAfterSilence)
		}
		s.mu.Unlock()
		s.logger.Debug("no speech detected, restart scheduled", zap.Duration("delay", s.restartDelay))
		return

	case domain.RecognitionNotAllowed, domain.RecognitionAudioCapture:
		rec := s.failLocked()
		s.mu.Unlock()
		s.release(rec)
		s.logger.Warn("speech capture not permitted", zap.String("code", code))
		s.alerter.Alert(s.ctx, s.userID, domain.Alert{
			Code:    code,
			Message: alertMessages[code],
			At:      time.Now(),
		})
		return

	default:
		rec := s.failLocked()
		s.mu.Unlock()
		s.release(rec)
		s.logger.Warn("speech recognizer error", zap.String("code", code))
	}
}

// failLocked moves to idle and detaches the recognizer so that its later
// events are ignored. Must be called with mu held.
func (s *Session) failLocked() port.Recognizer {
	s.stopRestartLocked()
	s.active = false
	s.interim = ""
	s.gen++
	s.state, _ = Transition(s.state, EventFail)
	rec := s.rec
	s.rec = nil
	return rec
}

func (s *Session) onEnd(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	next, err := Transition(s.state, EventEnd)
	if err != nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring recognizer end", zap.Error(err))
		return
	}
	s.state = next
	s.interim = ""
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()

	if rec != nil {
		rec.Release()
	}
	s.logger.Info("stopped listening")
}

func (s *Session) release(rec port.Recognizer) {
	if rec == nil {
		return
	}
	rec.Stop()
	rec.Release()
}

func (s *Session) restartAfterSilence() {
	s.mu.Lock()
	s.restart = nil
	if s.closed || !s.active || s.state == StateListening {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.Start(s.ctx); err != nil {
		s.logger.Warn("restart after silence failed", zap.Error(err))
	}
}

// stopRestartLocked cancels a pending silence restart. Must be called with mu held.
func (s *Session) stopRestartLocked() {
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
}

// generationHandler tags device events with the recognizer instance they
// came from so the session can drop events of superseded instances.
type generationHandler struct {
	session *Session
	gen     uint64
}

func (h *generationHandler) OnResult(ev domain.RecognitionEvent) { h.session.onResult(h.gen, ev) }
func (h *generationHandler) OnError(code string)                 { h.session.onError(h.gen, code) }
func (h *generationHandler) OnEnd()                              { h.session.onEnd(h.gen) }
