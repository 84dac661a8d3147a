package domain

import "time"

// ============================================================
// Speech recognition
// ============================================================

// Recognizer error codes reported by the recognition device.
const (
	RecognitionNotAllowed   = "not-allowed"
	RecognitionAudioCapture = "audio-capture"
	RecognitionNoSpeech     = "no-speech"
	RecognitionNetwork      = "network"
	RecognitionAborted      = "aborted"
)

// RecognitionAlternative is one candidate transcription of a result.
type RecognitionAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// RecognitionResult is a single result slot; interim results are later
// replaced, final ones are stable.
type RecognitionResult struct {
	IsFinal      bool                     `json:"isFinal"`
	Alternatives []RecognitionAlternative `json:"alternatives"`
}

// RecognitionEvent carries the cumulative result list of the current
// recognition run. Results before ResultIndex were already delivered.
type RecognitionEvent struct {
	ResultIndex int                 `json:"resultIndex"`
	Results     []RecognitionResult `json:"results"`
}

// VoiceStatus is the live capture view exposed to the UI.
type VoiceStatus struct {
	Listening        bool     `json:"listening"`
	Language         Language `json:"language"`
	InterimText      string   `json:"interimText"`
	LatestTranscript string   `json:"latestTranscript"`
	Supported        bool     `json:"supported"`
}

// Alert is a user-facing capability message.
type Alert struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Dashboard is the consumer view of one signed-in user's pipeline.
type Dashboard struct {
	Voice      VoiceStatus    `json:"voice"`
	Processing bool           `json:"processing"`
	LastAlert  *Alert         `json:"lastAlert,omitempty"`
	Ledger     LedgerState    `json:"ledger"`
	Goals      []GoalProgress `json:"goals"`
}

// TranscriptResult is returned when a typed or spoken transcript has been
// run through the pipeline.
type TranscriptResult struct {
	Recorded    bool         `json:"recorded"`
	Duplicate   bool         `json:"duplicate,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
}
