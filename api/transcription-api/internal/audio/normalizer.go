package internal_audio

import (
	"bytes"
	"encoding/binary"

	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
)

const wavHeaderMin = 44

// Normalizer turns opaque client payloads into canonical Frames. It strips a
// WAV container header from the first payload, coalesces jittery chunk sizes
// through a residue buffer, and zero-pads the final partial frame on flush.
// Pure transformation: it never blocks on I/O.
type Normalizer struct {
	logger  commons.Logger
	residue bytes.Buffer
	first   bool
	seq     uint64
}

// NewNormalizer returns a Normalizer primed to inspect the next payload for a
// WAV header.
func NewNormalizer(logger commons.Logger) *Normalizer {
	return &Normalizer{logger: logger, first: true}
}

// Push ingests one client payload and returns zero or more canonical frames.
// Exact MinFrameBytes frames are cut while at least two of them remain; the
// tail, then within [MinFrameBytes, 2*MinFrameBytes), is emitted whole so the
// concatenation of emitted frames equals the ingested stream and no frame
// drops below the minimum. A tail below MinFrameBytes is kept as residue for
// the next payload.
func (n *Normalizer) Push(payload []byte) ([]Frame, error) {
	if n.first {
		n.first = false
		stripped, err := stripWAVHeader(payload)
		if err != nil {
			return nil, err
		}
		if len(stripped) != len(payload) {
			n.logger.Debugw("stripped WAV container header",
				"payload", len(payload), "pcm", len(stripped))
		}
		payload = stripped
	}

	if len(payload)%BytesPerSample != 0 {
		return nil, internal_type.NewFailure(internal_type.CodeAudioFormat,
			"payload of %d bytes is not aligned to 16-bit samples", len(payload))
	}
	if len(payload) == 0 {
		return nil, nil
	}

	n.residue.Write(payload)

	var frames []Frame
	for n.residue.Len() >= 2*MinFrameBytes {
		frames = append(frames, n.cut(MinFrameBytes))
	}
	if n.residue.Len() >= MinFrameBytes {
		frames = append(frames, n.cut(n.residue.Len()))
	}
	return frames, nil
}

// Flush emits the residue as a final zero-padded frame, or nil when no audio
// is pending. Called on epoch close so trailing audio is not lost.
func (n *Normalizer) Flush() *Frame {
	if n.residue.Len() == 0 {
		return nil
	}
	data := make([]byte, MinFrameBytes)
	copy(data, n.residue.Bytes())
	n.residue.Reset()
	n.seq++
	return &Frame{Data: data, Seq: n.seq}
}

// Reset clears all state and re-arms header detection.
func (n *Normalizer) Reset() {
	n.residue.Reset()
	n.first = true
	n.seq = 0
}

// ResidueLen reports buffered bytes not yet cut into a frame.
func (n *Normalizer) ResidueLen() int {
	return n.residue.Len()
}

func (n *Normalizer) cut(size int) Frame {
	data := make([]byte, size)
	n.residue.Read(data)
	n.seq++
	return Frame{Data: data, Seq: n.seq}
}

// stripWAVHeader removes a RIFF/WAVE container prefix, scanning sub-chunks of
// the form <4-byte id><4-byte little-endian size> until the data sub-chunk.
// Payloads that do not start with a RIFF header pass through untouched.
func stripWAVHeader(payload []byte) ([]byte, error) {
	if len(payload) < wavHeaderMin ||
		!bytes.Equal(payload[0:4], []byte("RIFF")) ||
		!bytes.Equal(payload[8:12], []byte("WAVE")) {
		return payload, nil
	}

	off := 12
	for off+8 <= len(payload) {
		id := payload[off : off+4]
		size := int(binary.LittleEndian.Uint32(payload[off+4 : off+8]))
		off += 8
		if bytes.Equal(id, []byte("data")) {
			return payload[off:], nil
		}
		off += size
	}
	return nil, internal_type.NewFailure(internal_type.CodeAudioFormat,
		"RIFF container without a data sub-chunk in first payload")
}
