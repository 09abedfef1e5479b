package internal_audio

import (
	"context"
	"errors"
	"sync"
	"time"

	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("audio queue closed")

// FrameQueue is the bounded FIFO between the socket reader and the provider
// sender. Single producer, single consumer. A full queue suspends the producer
// for at most the block timeout before failing with backpressure; Close lets
// the consumer drain what is buffered and then observe end-of-stream.
type FrameQueue struct {
	frames       chan Frame
	done         chan struct{}
	closeOnce    sync.Once
	blockTimeout time.Duration
}

// NewFrameQueue builds a queue of the given capacity.
func NewFrameQueue(capacity int, blockTimeout time.Duration) *FrameQueue {
	return &FrameQueue{
		frames:       make(chan Frame, capacity),
		done:         make(chan struct{}),
		blockTimeout: blockTimeout,
	}
}

// Push appends a frame, waiting up to the block timeout for space. It returns
// a backpressure Failure on timeout, ErrQueueClosed after Close, and the
// context error on cancellation.
func (q *FrameQueue) Push(ctx context.Context, f Frame) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.frames <- f:
		return nil
	default:
	}

	timer := time.NewTimer(q.blockTimeout)
	defer timer.Stop()
	select {
	case q.frames <- f:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return internal_type.NewFailure(internal_type.CodeBackpressure,
			"audio queue full for more than %s", q.blockTimeout)
	}
}

// Pop removes the next frame. After Close it keeps returning buffered frames
// until the queue is drained, then reports ok=false. Cancellation also reports
// ok=false without waiting for drain.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, bool) {
	select {
	case f := <-q.frames:
		return f, true
	default:
	}

	select {
	case f := <-q.frames:
		return f, true
	case <-q.done:
		select {
		case f := <-q.frames:
			return f, true
		default:
			return Frame{}, false
		}
	case <-ctx.Done():
		return Frame{}, false
	}
}

// Close marks the queue as complete. Pending producers unblock with
// ErrQueueClosed; the consumer drains remaining frames and then sees
// end-of-stream. Safe to call more than once.
func (q *FrameQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Len reports the number of buffered frames.
func (q *FrameQueue) Len() int {
	return len(q.frames)
}
