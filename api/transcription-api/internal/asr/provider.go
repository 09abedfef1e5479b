package internal_asr

import (
	"context"
	"time"

	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
)

// StreamConfig is the recognition configuration sent on every new provider
// stream (also after each renewal).
type StreamConfig struct {
	LanguageCode   string
	Model          string
	InterimResults bool
}

// Provider opens bidirectional recognition streams. Open returns a Stream
// whose configuration frame has already been committed, i.e. the stream is
// ready for audio.
type Provider interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one underlying provider stream (an epoch). Send and Recv may be
// used concurrently from one sender and one receiver goroutine. Recv returns
// io.EOF after CloseSend once all pending responses are delivered.
type Stream interface {
	Send(audio []byte) error
	Recv() (*Response, error)
	CloseSend() error
}

// Response is one provider message, possibly carrying several results.
type Response struct {
	Results []Result
}

// Result is a single recognition hypothesis. EndOffset is the position of the
// utterance end within the audio of this epoch.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
	EndOffset  time.Duration
	Words      []internal_type.WordTiming
}

// Event is the tagged union delivered from the driver to the result handler.
type Event interface{ event() }

// Interim is a revisable hypothesis.
type Interim struct {
	Epoch  int
	Result internal_type.TranscriptionResult
}

// Final is a committed utterance; never revised afterwards.
type Final struct {
	Epoch  int
	Result internal_type.TranscriptionResult
}

// EpochEnded reports that one provider stream finished delivering results.
type EpochEnded struct {
	Epoch int
}

// ProviderError reports a transport-level failure observed by a receiver.
// Renewal is sender-driven; this event is informational.
type ProviderError struct {
	Epoch int
	Err   error
}

func (Interim) event()       {}
func (Final) event()         {}
func (EpochEnded) event()    {}
func (ProviderError) event() {}
