package wsdevice

import "github.com/precise-goals/finvoice/internal/domain"

// Message types sent to the device.
const (
	MsgStart = "start"
	MsgStop  = "stop"
	MsgLang  = "lang"
	MsgAlert = "alert"
)

// Message types received from the device.
const (
	MsgResult = "result"
	MsgError  = "error"
	MsgEnd    = "end"
)

// Message is the single JSON frame exchanged in both directions. Unused
// fields are omitted.
type Message struct {
	Type string `json:"type"`

	// start, lang
	Lang           string `json:"lang,omitempty"`
	Continuous     bool   `json:"continuous,omitempty"`
	InterimResults bool   `json:"interimResults,omitempty"`

	// alert
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// result
	ResultIndex int                        `json:"resultIndex,omitempty"`
	Results     []domain.RecognitionResult `json:"results,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}
