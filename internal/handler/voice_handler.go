package handler

import (
	"net/http"

	"github.com/precise-goals/finvoice/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Voice capture: /v1/me/voice
// ============================================================

func voiceStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pipelineFrom(r).Voice())
	}
}

// voiceStartHandler answers 409 when the user has no usable recognition
// device, so the UI can offer the typed fallback.
func voiceStartHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/me/voice/start")
		defer span.End()

		p := pipelineFrom(r)
		if err := p.StartVoice(ctx); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, p.Voice())
	}
}

func voiceStopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := pipelineFrom(r)
		p.StopVoice()
		writeJSON(w, http.StatusOK, p.Voice())
	}
}

func voiceLanguageHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Language string `json:"language"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		lang, ok := domain.ParseLanguage(req.Language)
		if !ok {
			handleServiceError(w, &domain.ErrValidation{Field: "language", Message: "Supported languages are en, hi and mr."}, logger)
			return
		}

		p := pipelineFrom(r)
		p.SetLanguage(lang)
		writeJSON(w, http.StatusOK, p.Voice())
	}
}

// voiceDeviceHandler upgrades to the websocket the browser's speech engine
// connects through.
func voiceDeviceHandler(devices DeviceServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices.Serve(w, r, UserIDFromContext(r.Context()))
	}
}
