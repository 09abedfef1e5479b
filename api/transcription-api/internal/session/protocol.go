package internal_session

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
)

// ============================================================================
// Client -> server control protocol
// ============================================================================

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

const (
	DefaultLanguageCode = "ja-JP"
	DefaultModel        = "latest_long"
)

// ControlMessage is a client text frame. Binary frames carry audio and never
// reach this parser.
type ControlMessage struct {
	Action               string `json:"action" validate:"required,oneof=start stop"`
	SessionID            string `json:"session_id"`
	PresentationID       string `json:"presentation_id"`
	LectureID            int64  `json:"lecture_id" validate:"required_if=Action start"`
	LanguageCode         string `json:"language_code"`
	Model                string `json:"model"`
	EnableInterimResults *bool  `json:"enable_interim_results"`
}

// Interim reports the effective interim-results flag (default true).
func (m ControlMessage) Interim() bool {
	return m.EnableInterimResults == nil || *m.EnableInterimResults
}

var controlValidator = newControlValidator()

func newControlValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the message shape and reports the first offending field by
// its wire name.
func (m ControlMessage) Validate() error {
	err := controlValidator.Struct(m)
	if err == nil {
		return nil
	}
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		return internal_type.NewFailure(internal_type.CodeBadRequest,
			"invalid control message: field %q failed %q", errs[0].Field(), errs[0].Tag())
	}
	return internal_type.WrapFailure(internal_type.CodeBadRequest, err,
		"invalid control message")
}

// ============================================================================
// Server -> client events
// ============================================================================

const (
	EventSessionStarted = "session_started"
	EventTranscription  = "transcription"
	EventSessionClosed  = "session_closed"
	EventError          = "error"
)

type startedEvent struct {
	Event          string `json:"event"`
	SessionID      string `json:"session_id"`
	PresentationID string `json:"presentation_id"`
	LanguageCode   string `json:"language_code"`
	Model          string `json:"model"`
}

type transcriptionEvent struct {
	Event  string        `json:"event"`
	Result resultPayload `json:"result"`
}

type resultPayload struct {
	Text           string                     `json:"text"`
	IsFinal        bool                       `json:"is_final"`
	Confidence     float64                    `json:"confidence"`
	Timestamp      string                     `json:"timestamp"`
	Words          []internal_type.WordTiming `json:"words,omitempty"`
	SessionID      string                     `json:"session_id"`
	PresentationID string                     `json:"presentation_id"`
	Slide          *internal_type.SlideMatch  `json:"slide,omitempty"`
}

type closedEvent struct {
	Event     string                       `json:"event"`
	SessionID string                       `json:"session_id"`
	Summary   internal_type.SessionSummary `json:"summary"`
}

type errorEvent struct {
	Event   string `json:"event"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ============================================================================
// Session state machine
// ============================================================================

// State is the session lifecycle. Terminal states are Closed and Failed.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal session statuses reported in the summary.
const (
	StatusCompleted   = "completed"
	StatusIdleTimeout = "idle_timeout"
	StatusFailed      = "failed"
)
