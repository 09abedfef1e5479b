package internal_type

import (
	"context"
	"time"
)

// WordTiming is a per-word timing/confidence entry attached to a final result
// when the provider reports word-level offsets.
type WordTiming struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
}

// SlideMatch is the slide page most likely associated with a final transcript.
type SlideMatch struct {
	Page            int      `json:"slide_id"`
	Score           float64  `json:"score"`
	Confidence      float64  `json:"confidence"`
	MatchedKeywords []string `json:"matched_keywords"`
}

// TranscriptionResult is one interim or final hypothesis delivered to clients.
type TranscriptionResult struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
	Words      []WordTiming
	Slide      *SlideMatch
}

// SlideMatcher is consulted for every final when slide matching is enabled.
// The index behind it is read-only for the life of the session.
type SlideMatcher interface {
	Match(ctx context.Context, finalText string) (*SlideMatch, error)
}

// FinalRecord is the payload persisted through the Sink for final results.
type FinalRecord struct {
	LectureID       int64     `json:"lecture_id"`
	SessionID       string    `json:"session_id"`
	PresentationID  string    `json:"presentation_id"`
	Text            string    `json:"text"`
	Confidence      float64   `json:"confidence"`
	Timestamp       time.Time `json:"timestamp"`
	IsFinal         bool      `json:"is_final"`
	SlideNumber     *int      `json:"slide_number,omitempty"`
	SlideScore      *float64  `json:"slide_score,omitempty"`
	SlideConfidence *float64  `json:"slide_confidence,omitempty"`
	MatchedKeywords []string  `json:"matched_keywords,omitempty"`
}

// SessionSummary is the terminal report of one session, sent in the
// session_closed event and persisted best-effort.
type SessionSummary struct {
	SessionID      string    `json:"session_id"`
	PresentationID string    `json:"presentation_id"`
	LectureID      int64     `json:"lecture_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	DurationMS     int64     `json:"duration_ms"`
	Status         string    `json:"status"`
	Renewals       int       `json:"renewals"`
	ChunksSent     int64     `json:"chunks_sent"`
	BytesSent      int64     `json:"bytes_sent"`
	IdleMS         int64     `json:"idle_ms"`
	Finals         int64     `json:"finals"`
	Interims       int64     `json:"interims"`
}

// Sink persists final transcripts to the backend collaborator. Implementations
// are best-effort: callers bound each publish with a timeout and never fail the
// session on error.
type Sink interface {
	Publish(ctx context.Context, record FinalRecord) error
	Enabled() bool
}
