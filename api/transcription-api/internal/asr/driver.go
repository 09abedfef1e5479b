package internal_asr

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	internal_audio "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/audio"
	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// EpochSoftLimit is the renewal deadline; the provider terminates a stream
	// at EpochHardLimit, so a replacement must be live before that.
	EpochSoftLimit = 270 * time.Second
	EpochHardLimit = 300 * time.Second

	// SilenceLimit is the maximum time since the last client audio before the
	// session is closed as idle.
	SilenceLimit = 60 * time.Second

	// DrainTimeout bounds how long receivers may flush pending finals after
	// the write side closes.
	DrainTimeout = 2 * time.Second

	// renewRetryWindow: a second consecutive renewal failure inside this
	// window fails the session as provider-unavailable.
	renewRetryWindow = 10 * time.Second

	eventBufferSize = 64
)

// Driver owns the provider streams of one session. It forwards frames from
// the audio queue to exactly one live stream at a time, renews the stream
// before the provider's hard limit without losing audio, and delivers mapped
// provider events to the result handler until the event channel closes.
type Driver struct {
	logger   commons.Logger
	provider Provider
	cfg      StreamConfig
	queue    *internal_audio.FrameQueue
	events   chan Event

	// streamCtx outlives the Run context so draining receivers can flush
	// pending finals after a stop; cancelled last.
	streamCtx    context.Context
	streamCancel context.CancelFunc

	clock        func() time.Time
	softLimit    time.Duration
	silenceLimit time.Duration
	drainTimeout time.Duration
	retryWindow  time.Duration
	tick         time.Duration

	mu               sync.Mutex
	current          *epoch
	epochsOpen       int
	renewals         int
	lastAudioAt      time.Time
	lastRenewFailure time.Time
	chunksSent       int64
	bytesSent        int64

	recvWg sync.WaitGroup

	firstCommit chan struct{}
	firstOnce   sync.Once

	// renewMu serializes stream swaps with in-flight sends, so a frame is
	// never written to a stream the watcher just half-closed.
	renewMu sync.Mutex
}

// Option tunes driver limits; production code uses the defaults, tests shrink
// them.
type Option func(*Driver)

func WithClock(clock func() time.Time) Option {
	return func(d *Driver) { d.clock = clock }
}

func WithEpochSoftLimit(limit time.Duration) Option {
	return func(d *Driver) { d.softLimit = limit }
}

func WithSilenceLimit(limit time.Duration) Option {
	return func(d *Driver) { d.silenceLimit = limit }
}

func WithDrainTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.drainTimeout = timeout }
}

func WithRetryWindow(window time.Duration) Option {
	return func(d *Driver) { d.retryWindow = window }
}

func WithTickInterval(tick time.Duration) Option {
	return func(d *Driver) { d.tick = tick }
}

// NewDriver builds a driver for one session. Run must be called exactly once.
func NewDriver(
	logger commons.Logger,
	provider Provider,
	cfg StreamConfig,
	queue *internal_audio.FrameQueue,
	opts ...Option,
) *Driver {
	streamCtx, streamCancel := context.WithCancel(context.Background())
	d := &Driver{
		logger:       logger,
		provider:     provider,
		cfg:          cfg,
		queue:        queue,
		events:       make(chan Event, eventBufferSize),
		streamCtx:    streamCtx,
		streamCancel: streamCancel,
		clock:        time.Now,
		softLimit:    EpochSoftLimit,
		silenceLimit: SilenceLimit,
		drainTimeout: DrainTimeout,
		retryWindow:  renewRetryWindow,
		tick:         time.Second,
		firstCommit:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Events delivers mapped provider events. Closed after the last epoch drains.
func (d *Driver) Events() <-chan Event { return d.events }

// FirstCommit is closed once the first frame has been committed to the
// provider; the session manager emits session_started on it.
func (d *Driver) FirstCommit() <-chan struct{} { return d.firstCommit }

// Renewals reports how many epoch swaps happened.
func (d *Driver) Renewals() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renewals
}

// ChunksSent and BytesSent report forwarded audio volume.
func (d *Driver) ChunksSent() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chunksSent
}

func (d *Driver) BytesSent() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesSent
}

// LastAudioAt reports when a non-empty frame was last consumed from the queue.
func (d *Driver) LastAudioAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAudioAt
}

// Run opens epoch 0 and drives the sender and the renewal/silence watcher.
// It returns nil after a graceful drain (queue closed), a Failure with code
// idle_timeout on silence, or another Failure on fatal provider errors. The
// event channel is closed before Run returns.
func (d *Driver) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(d.events)
	defer d.streamCancel()

	now := d.clock()
	d.mu.Lock()
	d.lastAudioAt = now
	d.mu.Unlock()

	ep, err := d.openEpoch()
	if err != nil {
		return classifyOpenError(err)
	}
	d.setCurrent(ep, false)

	errCh := make(chan error, 2)
	go func() { errCh <- d.sendLoop(runCtx) }()
	go func() { errCh <- d.watchLoop(runCtx) }()

	first := <-errCh
	cancel()
	<-errCh

	d.shutdown()
	return first
}

// ============================================================================
// Sender
// ============================================================================

// sendLoop drains the queue into the current epoch. Each frame is taken from
// the queue exactly once, so no frame is ever written to two streams.
func (d *Driver) sendLoop(ctx context.Context) error {
	for {
		frame, ok := d.queue.Pop(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Queue closed and drained: graceful end of audio.
			return nil
		}
		if len(frame.Data) == 0 {
			continue
		}

		d.mu.Lock()
		d.lastAudioAt = d.clock()
		d.mu.Unlock()

		if err := d.send(frame.Data); err != nil {
			return err
		}
	}
}

// send writes one frame to the current epoch. On a transport error it
// attempts one immediate renewal and retries the frame on the new stream; a
// second consecutive failure within the retry window is fatal.
func (d *Driver) send(data []byte) error {
	ep, err := d.sendCurrent(data)
	if err == nil {
		d.committed(ep, len(data))
		return nil
	}

	if code := grpcCode(err); code == codes.Unauthenticated || code == codes.PermissionDenied {
		return internal_type.WrapFailure(internal_type.CodeProviderAuth, err,
			"provider rejected credentials")
	}

	d.logger.Warnw("provider send failed, renewing stream",
		"epoch", ep.index, "error", err)
	ep.setState(EpochFailed)

	if rerr := d.renewOrFail(); rerr != nil {
		return rerr
	}

	fresh, err := d.sendCurrent(data)
	if err != nil {
		return internal_type.WrapFailure(internal_type.CodeProviderUnavailable, err,
			"provider send failed after renewal")
	}
	d.committed(fresh, len(data))
	return nil
}

// sendCurrent resolves the live epoch and writes to it under the swap lock:
// the watcher's renewal cannot half-close the stream between the lookup and
// the write, so a frame popped just before a swap still lands on an open
// stream exactly once.
func (d *Driver) sendCurrent(data []byte) (*epoch, error) {
	d.renewMu.Lock()
	defer d.renewMu.Unlock()
	ep := d.getCurrent()
	return ep, ep.stream.Send(data)
}

func (d *Driver) committed(ep *epoch, n int) {
	ep.chunks.Add(1)
	d.mu.Lock()
	d.chunksSent++
	d.bytesSent += int64(n)
	d.mu.Unlock()
	d.firstOnce.Do(func() { close(d.firstCommit) })
}

// ============================================================================
// Renewal / silence watcher
// ============================================================================

func (d *Driver) watchLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := d.clock()

			d.mu.Lock()
			idle := now.Sub(d.lastAudioAt)
			d.mu.Unlock()
			if idle > d.silenceLimit {
				return internal_type.NewFailure(internal_type.CodeIdleTimeout,
					"no audio for %s", d.silenceLimit)
			}

			cur := d.getCurrent()
			if cur != nil && cur.State() == EpochOpen && cur.age(now) >= d.softLimit {
				d.logger.Infow("epoch reached soft limit, renewing",
					"epoch", cur.index, "age", cur.age(now))
				if err := d.renewOrFail(); err != nil {
					return err
				}
			}
		}
	}
}

// renewOrFail runs the swap machinery with the single-retry policy: a second
// consecutive failure within the retry window is provider-unavailable.
func (d *Driver) renewOrFail() error {
	if err := d.renew(); err == nil {
		return nil
	} else {
		now := d.clock()
		d.mu.Lock()
		repeated := !d.lastRenewFailure.IsZero() && now.Sub(d.lastRenewFailure) < d.retryWindow
		d.lastRenewFailure = now
		d.mu.Unlock()
		if repeated {
			return internal_type.WrapFailure(internal_type.CodeProviderUnavailable, err,
				"provider stream renewal failed twice within %s", d.retryWindow)
		}
		d.logger.Warnw("stream renewal failed, retrying once", "error", err)
		if err2 := d.renew(); err2 != nil {
			return internal_type.WrapFailure(internal_type.CodeProviderUnavailable, err2,
				"provider stream renewal failed after retry")
		}
		return nil
	}
}

// renew opens a replacement stream, atomically swaps the current pointer,
// then transitions the old stream to draining. Frames consumed after the swap
// go only to the new stream; the old receiver is read to EOF so finals for
// audio already sent are still delivered.
func (d *Driver) renew() error {
	d.renewMu.Lock()
	defer d.renewMu.Unlock()

	old := d.getCurrent()

	ep, err := d.openEpoch()
	if err != nil {
		return err
	}
	d.setCurrent(ep, true)

	var previousChunks int64
	if old != nil {
		if old.State() != EpochFailed {
			old.setState(EpochDraining)
		}
		if err := old.stream.CloseSend(); err != nil {
			// The old stream may already be dead; draining errors are
			// logged and swallowed.
			d.logger.Debugw("close-send on old epoch failed", "epoch", old.index, "error", err)
		}
		previousChunks = old.chunks.Load()
	}

	d.logger.Infow("provider stream renewed",
		"epoch", ep.index, "chunks_previous", previousChunks)
	return nil
}

// openEpoch opens a provider stream (connecting state) and starts its
// receiver once the configuration frame is committed.
func (d *Driver) openEpoch() (*epoch, error) {
	d.mu.Lock()
	index := d.epochsOpen
	d.mu.Unlock()

	stream, err := d.provider.Open(d.streamCtx, d.cfg)
	if err != nil {
		return nil, err
	}

	ep := newEpoch(index, stream, d.clock())
	d.mu.Lock()
	d.epochsOpen++
	d.mu.Unlock()

	d.recvWg.Add(1)
	go d.recvLoop(ep)
	return ep, nil
}

func (d *Driver) setCurrent(ep *epoch, renewal bool) {
	d.mu.Lock()
	d.current = ep
	if renewal {
		d.renewals++
	}
	d.mu.Unlock()
}

func (d *Driver) getCurrent() *epoch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// ============================================================================
// Receiver
// ============================================================================

// recvLoop reads one epoch's responses until EOF and maps them to events.
// Transport errors on a draining epoch are swallowed; on the current epoch
// they are reported, and recovery is left to the sender's renewal path.
func (d *Driver) recvLoop(ep *epoch) {
	defer d.recvWg.Done()

	for {
		resp, err := ep.stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) || grpcCode(err) == codes.OutOfRange:
				ep.setState(EpochClosed)
				d.emit(EpochEnded{Epoch: ep.index})
			case ep.State() == EpochDraining || ep.State() == EpochFailed:
				d.logger.Warnw("draining epoch receive error ignored",
					"epoch", ep.index, "error", err)
				ep.setState(EpochClosed)
				d.emit(EpochEnded{Epoch: ep.index})
			default:
				ep.setState(EpochFailed)
				d.emit(ProviderError{Epoch: ep.index, Err: err})
			}
			return
		}

		for _, res := range resp.Results {
			tr := internal_type.TranscriptionResult{
				Text:       res.Text,
				IsFinal:    res.IsFinal,
				Confidence: res.Confidence,
				Timestamp:  ep.startedAt.Add(res.EndOffset),
				Words:      res.Words,
			}
			if res.IsFinal {
				d.emit(Final{Epoch: ep.index, Result: tr})
			} else {
				d.emit(Interim{Epoch: ep.index, Result: tr})
			}
		}
	}
}

func (d *Driver) emit(ev Event) {
	d.events <- ev
}

// ============================================================================
// Shutdown
// ============================================================================

// shutdown half-closes the current stream and gives receivers the drain
// budget to flush pending finals before the stream context is cancelled.
func (d *Driver) shutdown() {
	cur := d.getCurrent()
	if cur != nil && cur.State() == EpochOpen {
		cur.setState(EpochDraining)
		if err := cur.stream.CloseSend(); err != nil {
			d.logger.Debugw("close-send on shutdown failed", "epoch", cur.index, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		d.recvWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.drainTimeout):
		d.logger.Warnw("receiver drain timed out, aborting streams",
			"timeout", d.drainTimeout)
		d.streamCancel()
		<-done
	}
}

// ============================================================================
// Error helpers
// ============================================================================

func grpcCode(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

func classifyOpenError(err error) error {
	var f *internal_type.Failure
	if errors.As(err, &f) {
		return err
	}
	switch grpcCode(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return internal_type.WrapFailure(internal_type.CodeProviderAuth, err,
			"provider rejected credentials")
	default:
		return internal_type.WrapFailure(internal_type.CodeProviderUnavailable, err,
			"failed to open provider stream")
	}
}
