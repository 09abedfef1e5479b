package internal_asr

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	internal_audio "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/audio"
	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeStream struct {
	ctx context.Context

	mu         sync.Mutex
	sent       [][]byte
	sendErrs   []error
	closed     bool
	strictSend bool

	resp        chan any
	closeOnce   sync.Once
	onCloseSend func(s *fakeStream)
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, resp: make(chan any, 16)}
}

func (s *fakeStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strictSend && s.closed {
		return errors.New("SendMsg called after CloseSend")
	}
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, append([]byte(nil), audio...))
	return nil
}

func (s *fakeStream) Recv() (*Response, error) {
	select {
	case v, ok := <-s.resp:
		if !ok {
			return nil, io.EOF
		}
		switch m := v.(type) {
		case *Response:
			return m, nil
		case error:
			return nil, m
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeStream) CloseSend() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.onCloseSend != nil {
			s.onCloseSend(s)
		}
		close(s.resp)
	})
	return nil
}

func (s *fakeStream) push(v any) { s.resp <- v }

func (s *fakeStream) sentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

type fakeProvider struct {
	mu       sync.Mutex
	streams  []*fakeStream
	openErrs []error
	prepare  func(index int, s *fakeStream)
}

func (p *fakeProvider) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.openErrs) > 0 {
		err := p.openErrs[0]
		p.openErrs = p.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := newFakeStream(ctx)
	if p.prepare != nil {
		p.prepare(len(p.streams), s)
	}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func (p *fakeProvider) stream(i int) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

func (p *fakeProvider) sentTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, s := range p.streams {
		total += len(s.sentFrames())
	}
	return total
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// Test helpers
// ============================================================================

func newTestDriver(t *testing.T, provider Provider, opts ...Option) (*Driver, *internal_audio.FrameQueue) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	queue := internal_audio.NewFrameQueue(internal_audio.QueueCapacity, 200*time.Millisecond)
	base := []Option{
		WithTickInterval(5 * time.Millisecond),
		WithDrainTimeout(100 * time.Millisecond),
	}
	d := NewDriver(logger, provider,
		StreamConfig{LanguageCode: "ja-JP", Model: "latest_long", InterimResults: true},
		queue, append(base, opts...)...)
	return d, queue
}

func runDriver(d *Driver) chan error {
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	return done
}

func pushFrame(t *testing.T, q *internal_audio.FrameQueue, seq uint64) {
	t.Helper()
	data := make([]byte, internal_audio.MinFrameBytes)
	data[0] = byte(seq)
	require.NoError(t, q.Push(context.Background(), internal_audio.Frame{Data: data, Seq: seq}))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func collectEvents(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

// ============================================================================
// Graceful drain
// ============================================================================

func TestDriverRun_GracefulDrain(t *testing.T) {
	provider := &fakeProvider{}
	d, queue := newTestDriver(t, provider)

	pushFrame(t, queue, 1)
	pushFrame(t, queue, 2)
	queue.Close()

	require.NoError(t, <-runDriver(d))

	require.Equal(t, 1, provider.count())
	assert.Len(t, provider.stream(0).sentFrames(), 2)
	assert.Equal(t, int64(2), d.ChunksSent())
	assert.Equal(t, int64(2*internal_audio.MinFrameBytes), d.BytesSent())
	assert.Equal(t, 0, d.Renewals())

	select {
	case <-d.FirstCommit():
	default:
		t.Fatal("first commit never signalled")
	}

	events := collectEvents(d.Events())
	require.Len(t, events, 1)
	assert.Equal(t, EpochEnded{Epoch: 0}, events[0])
}

func TestDriverRun_MapsInterimAndFinalResults(t *testing.T) {
	provider := &fakeProvider{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	d, queue := newTestDriver(t, provider, WithClock(clock.Now))

	done := runDriver(d)
	pushFrame(t, queue, 1)
	waitFor(t, func() bool { return provider.count() == 1 && len(provider.stream(0).sentFrames()) == 1 },
		"frame never reached the provider")

	provider.stream(0).push(&Response{Results: []Result{
		{Text: "こんにち", IsFinal: false, Confidence: 0.4, EndOffset: time.Second},
		{Text: "こんにちは", IsFinal: true, Confidence: 0.9, EndOffset: 2 * time.Second},
	}})

	queue.Close()
	require.NoError(t, <-done)

	events := collectEvents(d.Events())
	require.Len(t, events, 3)

	interim, ok := events[0].(Interim)
	require.True(t, ok)
	assert.Equal(t, "こんにち", interim.Result.Text)
	assert.False(t, interim.Result.IsFinal)

	final, ok := events[1].(Final)
	require.True(t, ok)
	assert.Equal(t, "こんにちは", final.Result.Text)
	assert.True(t, final.Result.IsFinal)
	assert.Equal(t, clock.Now().Add(2*time.Second), final.Result.Timestamp)

	assert.Equal(t, EpochEnded{Epoch: 0}, events[2])
}

func TestDriverRun_DrainsFinalsOnClose(t *testing.T) {
	provider := &fakeProvider{
		prepare: func(index int, s *fakeStream) {
			s.onCloseSend = func(s *fakeStream) {
				s.push(&Response{Results: []Result{
					{Text: "trailing", IsFinal: true, Confidence: 0.8},
				}})
			}
		},
	}
	d, queue := newTestDriver(t, provider)

	pushFrame(t, queue, 1)
	queue.Close()
	require.NoError(t, <-runDriver(d))

	events := collectEvents(d.Events())
	require.Len(t, events, 2)
	final, ok := events[0].(Final)
	require.True(t, ok)
	assert.Equal(t, "trailing", final.Result.Text)
	assert.Equal(t, EpochEnded{Epoch: 0}, events[1])
}

// ============================================================================
// Renewal
// ============================================================================

func TestDriverRun_SoftLimitRenewsExactlyOnce(t *testing.T) {
	provider := &fakeProvider{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	d, queue := newTestDriver(t, provider,
		WithClock(clock.Now),
		WithSilenceLimit(24*time.Hour),
	)

	done := runDriver(d)
	pushFrame(t, queue, 1)
	waitFor(t, func() bool { return provider.count() == 1 && len(provider.stream(0).sentFrames()) == 1 },
		"first frame never sent")

	clock.Advance(EpochSoftLimit + time.Second)
	waitFor(t, func() bool { return provider.count() == 2 }, "renewal never happened")

	pushFrame(t, queue, 2)
	waitFor(t, func() bool { return len(provider.stream(1).sentFrames()) == 1 },
		"post-renewal frame never reached the new stream")

	queue.Close()
	require.NoError(t, <-done)

	assert.Equal(t, 1, d.Renewals())
	// Every frame is written to exactly one stream.
	assert.Len(t, provider.stream(0).sentFrames(), 1)
	assert.Len(t, provider.stream(1).sentFrames(), 1)

	for _, ev := range collectEvents(d.Events()) {
		_, isErr := ev.(ProviderError)
		assert.False(t, isErr, "renewal must not surface an error event")
	}
}

func TestDriverRun_RenewalDoesNotDisruptInFlightSends(t *testing.T) {
	// Streams reject writes after CloseSend, the way gRPC does. A sender that
	// raced the watcher's swap would hit the half-closed stream, treat it as a
	// transport failure and open a spurious third stream.
	provider := &fakeProvider{
		prepare: func(index int, s *fakeStream) { s.strictSend = true },
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	d, queue := newTestDriver(t, provider,
		WithClock(clock.Now),
		WithSilenceLimit(24*time.Hour),
	)

	done := runDriver(d)
	pushFrame(t, queue, 1)
	waitFor(t, func() bool { return provider.count() == 1 && len(provider.stream(0).sentFrames()) == 1 },
		"first frame never sent")

	// Keep the sender busy while the soft limit forces a swap underneath it.
	clock.Advance(EpochSoftLimit + time.Second)
	for seq := uint64(2); seq <= 40; seq++ {
		pushFrame(t, queue, seq)
	}
	waitFor(t, func() bool { return d.Renewals() == 1 && provider.sentTotal() == 40 },
		"frames lost or duplicated across the swap")

	queue.Close()
	require.NoError(t, <-done)

	assert.Equal(t, 1, d.Renewals())
	assert.Equal(t, 40, provider.sentTotal())
}

func TestDriverRun_SendErrorTriggersRenewalAndResend(t *testing.T) {
	provider := &fakeProvider{
		prepare: func(index int, s *fakeStream) {
			if index == 0 {
				s.sendErrs = []error{nil, status.Error(codes.Unavailable, "stream torn down")}
			}
		},
	}
	d, queue := newTestDriver(t, provider, WithSilenceLimit(24*time.Hour))

	done := runDriver(d)
	pushFrame(t, queue, 1)
	pushFrame(t, queue, 2)
	waitFor(t, func() bool {
		return provider.count() == 2 && len(provider.stream(1).sentFrames()) == 1
	}, "failed frame never resent on the renewed stream")

	queue.Close()
	require.NoError(t, <-done)

	assert.Equal(t, 1, d.Renewals())
	assert.Len(t, provider.stream(0).sentFrames(), 1)
	assert.Equal(t, byte(2), provider.stream(1).sentFrames()[0][0])
}

func TestDriverRun_SecondRenewalFailureIsFatal(t *testing.T) {
	provider := &fakeProvider{
		openErrs: []error{nil, errors.New("dial failed"), errors.New("dial failed")},
		prepare: func(index int, s *fakeStream) {
			s.sendErrs = []error{status.Error(codes.Unavailable, "stream torn down")}
		},
	}
	d, queue := newTestDriver(t, provider)

	done := runDriver(d)
	pushFrame(t, queue, 1)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, internal_type.CodeProviderUnavailable, internal_type.CodeOf(err))
}

// ============================================================================
// Open failures
// ============================================================================

func TestDriverRun_AuthFailureOnOpen(t *testing.T) {
	provider := &fakeProvider{
		openErrs: []error{status.Error(codes.Unauthenticated, "bad credentials")},
	}
	d, _ := newTestDriver(t, provider)

	err := <-runDriver(d)
	require.Error(t, err)
	assert.Equal(t, internal_type.CodeProviderAuth, internal_type.CodeOf(err))
	collectEvents(d.Events())
}

func TestDriverRun_UnavailableOnOpen(t *testing.T) {
	provider := &fakeProvider{openErrs: []error{errors.New("dial failed")}}
	d, _ := newTestDriver(t, provider)

	err := <-runDriver(d)
	require.Error(t, err)
	assert.Equal(t, internal_type.CodeProviderUnavailable, internal_type.CodeOf(err))
}

// ============================================================================
// Silence limit
// ============================================================================

func TestDriverRun_SilenceLimitClosesSession(t *testing.T) {
	provider := &fakeProvider{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	d, queue := newTestDriver(t, provider, WithClock(clock.Now))

	done := runDriver(d)
	pushFrame(t, queue, 1)
	waitFor(t, func() bool { return provider.count() == 1 && len(provider.stream(0).sentFrames()) == 1 },
		"frame never sent")

	clock.Advance(SilenceLimit + time.Second)
	err := <-done
	require.Error(t, err)
	assert.Equal(t, internal_type.CodeIdleTimeout, internal_type.CodeOf(err))
}

// ============================================================================
// Receiver error mapping
// ============================================================================

func TestRecvLoop_OutOfRangeEndsEpochQuietly(t *testing.T) {
	provider := &fakeProvider{}
	d, queue := newTestDriver(t, provider)

	done := runDriver(d)
	pushFrame(t, queue, 1)
	waitFor(t, func() bool { return provider.count() == 1 }, "stream never opened")

	provider.stream(0).push(status.Error(codes.OutOfRange, "audio limit"))
	queue.Close()
	require.NoError(t, <-done)

	events := collectEvents(d.Events())
	require.Len(t, events, 1)
	assert.Equal(t, EpochEnded{Epoch: 0}, events[0])
}

func TestRecvLoop_TransportErrorIsReported(t *testing.T) {
	provider := &fakeProvider{}
	d, queue := newTestDriver(t, provider)

	done := runDriver(d)
	pushFrame(t, queue, 1)
	waitFor(t, func() bool { return provider.count() == 1 }, "stream never opened")

	provider.stream(0).push(status.Error(codes.Internal, "broken"))
	queue.Close()
	require.NoError(t, <-done)

	events := collectEvents(d.Events())
	require.Len(t, events, 1)
	perr, ok := events[0].(ProviderError)
	require.True(t, ok)
	assert.Equal(t, 0, perr.Epoch)
	assert.Error(t, perr.Err)
}
