package internal_audio

import "time"

// Canonical frame geometry for LINEAR16 mono 16kHz audio. The provider rejects
// very small or very large chunks and behaves best on consistent ~100ms frames.
const (
	SampleRate     = 16000
	BytesPerSample = 2

	// MinFrameBytes is 100ms of audio, MaxFrameBytes is 300ms.
	MinFrameBytes = 3200
	MaxFrameBytes = 9600

	// QueueCapacity bounds the frame queue between the socket reader and the
	// provider sender: 64 canonical frames, roughly 6.4 seconds of audio.
	QueueCapacity = 64

	// ProducerBlockTimeout is how long a producer may wait on a full queue
	// before the session fails with backpressure.
	ProducerBlockTimeout = 200 * time.Millisecond
)

// Frame is one canonical audio frame: raw little-endian PCM16 mono at 16kHz,
// between MinFrameBytes and MaxFrameBytes, no headers. Seq is the arrival
// order assigned by the normalizer.
type Frame struct {
	Data []byte
	Seq  uint64
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	samples := len(f.Data) / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}
