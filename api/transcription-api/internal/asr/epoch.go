package internal_asr

import (
	"sync/atomic"
	"time"
)

// EpochState is the lifecycle of one provider stream.
type EpochState int32

const (
	EpochConnecting EpochState = iota
	EpochOpen
	EpochDraining
	EpochClosed
	EpochFailed
)

func (s EpochState) String() string {
	switch s {
	case EpochConnecting:
		return "connecting"
	case EpochOpen:
		return "open"
	case EpochDraining:
		return "draining"
	case EpochClosed:
		return "closed"
	case EpochFailed:
		return "failed"
	}
	return "unknown"
}

// epoch tracks one provider stream. Epochs are sequential within a session;
// only the newest accepts writes.
type epoch struct {
	index     int
	stream    Stream
	startedAt time.Time

	state  atomic.Int32
	chunks atomic.Int64
}

func newEpoch(index int, stream Stream, startedAt time.Time) *epoch {
	ep := &epoch{index: index, stream: stream, startedAt: startedAt}
	ep.state.Store(int32(EpochOpen))
	return ep
}

func (e *epoch) State() EpochState { return EpochState(e.state.Load()) }

func (e *epoch) setState(s EpochState) { e.state.Store(int32(s)) }

func (e *epoch) age(now time.Time) time.Duration { return now.Sub(e.startedAt) }
