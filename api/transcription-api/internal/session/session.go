package internal_session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	internal_asr "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/asr"
	internal_audio "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/audio"
	internal_lecture "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/lecture"
	internal_result "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/result"
	internal_slides "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/slides"
	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
	"golang.org/x/sync/errgroup"
)

const (
	outBufferSize   = 256
	sendTimeout     = 2 * time.Second
	writeDeadline   = 5 * time.Second
	lookupTimeout   = 3 * time.Second
	persistTimeout  = 3 * time.Second
	pendingAudioMax = 32
)

// Dependencies are process-wide collaborators shared by every session.
type Dependencies struct {
	Logger   commons.Logger
	Provider internal_asr.Provider
	Sink     internal_type.Sink
	Store    internal_lecture.Store
	Loader   *internal_slides.Loader // nil disables slide matching
}

// Limits groups per-session tunables; tests shrink them.
type Limits struct {
	QueueBlockTimeout time.Duration
	DriverOptions     []internal_asr.Option
}

func defaultLimits() Limits {
	return Limits{QueueBlockTimeout: internal_audio.ProducerBlockTimeout}
}

type registry interface {
	register(id string, s *Session) error
	unregister(id string)
}

// Session owns one WebSocket connection end to end: the control-plane state
// machine, the audio pipeline (normalizer, queue, driver) and the result
// fan-out. Control events are handled on the read-loop goroutine only; the
// data plane runs concurrently and is coordinated through the queue and the
// run context.
type Session struct {
	logger   commons.Logger
	deps     Dependencies
	limits   Limits
	conn     *websocket.Conn
	registry registry
	clock    func() time.Time

	mu             sync.Mutex
	state          State
	id             string
	presentationID string
	lectureID      int64
	languageCode   string
	model          string
	createdAt      time.Time
	failure        error
	registered     bool

	// Data plane, built at start. Normalizer state is touched only by the
	// read-loop goroutine.
	normalizer *internal_audio.Normalizer
	queue      *internal_audio.FrameQueue
	driver     *internal_asr.Driver
	handler    *internal_result.Handler
	runCancel  context.CancelFunc

	pending [][]byte

	outMu       sync.Mutex
	outCh       chan []byte
	outClosed   bool
	startedSent bool
	closeCode   int
	closeReason string
	writerDone  chan struct{}
}

func newSession(
	deps Dependencies,
	limits Limits,
	conn *websocket.Conn,
	reg registry,
	clock func() time.Time,
) *Session {
	return &Session{
		logger:     deps.Logger,
		deps:       deps,
		limits:     limits,
		conn:       conn,
		registry:   reg,
		clock:      clock,
		state:      StateIdle,
		outCh:      make(chan []byte, outBufferSize),
		writerDone: make(chan struct{}),
	}
}

// ID returns the assigned session id, empty before start.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// CurrentState reports the state machine position.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run drives the connection until both the reader and the writer finish.
func (s *Session) run(ctx context.Context) {
	go s.writeLoop()
	s.readLoop(ctx)
	<-s.writerDone
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.handleDisconnect()
			return
		}
		switch kind {
		case websocket.TextMessage:
			s.handleControl(ctx, payload)
		case websocket.BinaryMessage:
			s.handleAudio(ctx, payload)
		}
	}
}

// ============================================================================
// Control plane
// ============================================================================

func (s *Session) handleControl(ctx context.Context, payload []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.rejectControl(internal_type.WrapFailure(internal_type.CodeBadRequest, err,
			"control frame is not valid JSON"))
		return
	}
	if err := msg.Validate(); err != nil {
		s.rejectControl(err)
		return
	}
	switch msg.Action {
	case ActionStart:
		s.start(ctx, msg)
	case ActionStop:
		s.stop(ctx)
	}
}

// rejectControl reports a malformed control frame. In Idle the socket stays
// open; in any later state a malformed frame is fatal.
func (s *Session) rejectControl(err error) {
	s.mu.Lock()
	idle := s.state == StateIdle
	s.mu.Unlock()
	if idle {
		s.sendError(internal_type.CodeOf(err), err.Error())
		return
	}
	s.abort(err)
}

func (s *Session) start(ctx context.Context, msg ControlMessage) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		s.sendError(internal_type.CodeAlreadyActive, "session already started")
		return
	}
	s.mu.Unlock()

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	exists, err := s.deps.Store.Exists(lookupCtx, msg.LectureID)
	cancel()
	if err != nil {
		s.logger.Errorw("lecture lookup failed", "lecture_id", msg.LectureID, "error", err)
		s.sendError(internal_type.CodeInternal, "lecture lookup failed")
		return
	}
	if !exists {
		s.sendError(internal_type.CodeBadRequest, "lecture_id does not refer to an existing lecture")
		return
	}

	id := msg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.registry.register(id, s); err != nil {
		s.sendError(internal_type.CodeOf(err), err.Error())
		return
	}

	presentationID := msg.PresentationID
	if presentationID == "" {
		presentationID = id
	}
	languageCode := msg.LanguageCode
	if languageCode == "" {
		languageCode = DefaultLanguageCode
	}
	model := msg.Model
	if model == "" {
		model = DefaultModel
	}

	var matcher internal_type.SlideMatcher
	if s.deps.Loader != nil {
		m, err := s.deps.Loader.Load(ctx, msg.LectureID)
		if err != nil {
			s.logger.Warnw("slide keyword load failed, matching disabled",
				"lecture_id", msg.LectureID, "error", err)
		} else if m != nil {
			matcher = m
		}
	}

	queue := internal_audio.NewFrameQueue(internal_audio.QueueCapacity, s.limits.QueueBlockTimeout)
	driver := internal_asr.NewDriver(
		s.logger,
		s.deps.Provider,
		internal_asr.StreamConfig{
			LanguageCode:   languageCode,
			Model:          model,
			InterimResults: msg.Interim(),
		},
		queue,
		s.limits.DriverOptions...,
	)
	handler := internal_result.NewHandler(
		s.logger,
		internal_result.Identity{
			SessionID:      id,
			PresentationID: presentationID,
			LectureID:      msg.LectureID,
		},
		matcher,
		s.deps.Sink,
		s.publishResult,
	)

	// The run context is detached from the connection so the drain of
	// pending finals survives the socket going away.
	runCtx, runCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.state = StateStarting
	s.id = id
	s.presentationID = presentationID
	s.lectureID = msg.LectureID
	s.languageCode = languageCode
	s.model = model
	s.createdAt = s.clock()
	s.registered = true
	s.normalizer = internal_audio.NewNormalizer(s.logger)
	s.queue = queue
	s.driver = driver
	s.handler = handler
	s.runCancel = runCancel
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.logger.Infow("session starting",
		"session_id", id, "lecture_id", msg.LectureID,
		"language_code", languageCode, "model", model,
		"slide_matching", matcher != nil)

	workers := &errgroup.Group{}
	workers.Go(func() error { return driver.Run(runCtx) })
	workers.Go(func() error {
		handler.Run(runCtx, driver.Events())
		return nil
	})
	go s.awaitFirstCommit(runCtx)
	go func() { s.onRunExit(workers.Wait()) }()

	for _, payload := range pending {
		s.ingest(ctx, payload)
	}
}

func (s *Session) stop(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateActive:
		s.state = StateStopping
	default:
		s.mu.Unlock()
		s.sendError(internal_type.CodeNotActive, "session is not active")
		return
	}
	s.mu.Unlock()

	s.logger.Infow("session stopping", "session_id", s.ID())
	s.flushAndCloseQueue(ctx)
}

// flushAndCloseQueue pushes the normalizer residue as a final padded frame
// and closes the queue so the driver drains and exits. Read-loop goroutine
// only.
func (s *Session) flushAndCloseQueue(ctx context.Context) {
	if frame := s.normalizer.Flush(); frame != nil {
		pushCtx, cancel := context.WithTimeout(ctx, s.limits.QueueBlockTimeout)
		if err := s.queue.Push(pushCtx, *frame); err != nil {
			s.logger.Warnw("residue frame dropped on stop", "error", err)
		}
		cancel()
	}
	s.queue.Close()
}

// handleDisconnect treats a client-initiated close without a prior stop as a
// stop when the session is live.
func (s *Session) handleDisconnect() {
	s.mu.Lock()
	state := s.state
	if state == StateStarting || state == StateActive {
		s.state = StateStopping
	}
	s.mu.Unlock()

	switch state {
	case StateStarting, StateActive:
		s.logger.Infow("client disconnected, draining session", "session_id", s.ID())
		s.flushAndCloseQueue(context.Background())
	case StateIdle:
		s.closeSocket(websocket.CloseNormalClosure, "")
	default:
		// Terminal path already in flight; it closes the socket.
	}
}

// ============================================================================
// Data plane
// ============================================================================

func (s *Session) handleAudio(ctx context.Context, payload []byte) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateIdle:
		// Buffered so that audio arriving just before start is not lost and
		// the first-commit ordering of session_started holds.
		s.mu.Lock()
		if len(s.pending) < pendingAudioMax {
			s.pending = append(s.pending, payload)
		} else {
			s.logger.Warnw("dropping audio received before start", "bytes", len(payload))
		}
		s.mu.Unlock()
	case StateStarting, StateActive:
		s.ingest(ctx, payload)
	default:
		// Audio after stop is discarded.
	}
}

func (s *Session) ingest(ctx context.Context, payload []byte) {
	frames, err := s.normalizer.Push(payload)
	if err != nil {
		s.abort(err)
		return
	}
	for _, frame := range frames {
		if err := s.queue.Push(ctx, frame); err != nil {
			if errors.Is(err, internal_audio.ErrQueueClosed) {
				return
			}
			s.abort(err)
			return
		}
	}
}

func (s *Session) publishResult(result internal_type.TranscriptionResult) {
	// The first commit signal races the result pipeline; emitting here as
	// well (idempotent) guarantees no transcription precedes session_started.
	s.sendStartedOnce()

	s.mu.Lock()
	id := s.id
	presentationID := s.presentationID
	s.mu.Unlock()

	s.enqueue(transcriptionEvent{
		Event: EventTranscription,
		Result: resultPayload{
			Text:           result.Text,
			IsFinal:        result.IsFinal,
			Confidence:     result.Confidence,
			Timestamp:      result.Timestamp.Format(time.RFC3339Nano),
			Words:          result.Words,
			SessionID:      id,
			PresentationID: presentationID,
			Slide:          result.Slide,
		},
	})
}

// ============================================================================
// Terminal paths
// ============================================================================

func (s *Session) awaitFirstCommit(ctx context.Context) {
	select {
	case <-s.driver.FirstCommit():
		s.mu.Lock()
		if s.state == StateStarting {
			s.state = StateActive
		}
		s.mu.Unlock()
		s.sendStartedOnce()
	case <-ctx.Done():
	}
}

// abort records a fatal failure and cancels the data plane; onRunExit turns
// it into the error event and close.
func (s *Session) abort(err error) {
	s.mu.Lock()
	if s.failure != nil || s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.failure = err
	cancel := s.runCancel
	s.mu.Unlock()

	s.logger.Errorw("session aborting", "session_id", s.ID(), "error", err)
	if cancel != nil {
		cancel()
	}
}

// onRunExit runs once the driver and handler are both done and decides the
// terminal outcome.
func (s *Session) onRunExit(err error) {
	s.mu.Lock()
	failure := s.failure
	cancel := s.runCancel
	s.mu.Unlock()

	// Releases awaitFirstCommit on sessions that never committed a frame.
	if cancel != nil {
		cancel()
	}

	switch {
	case failure != nil:
		s.fail(failure)
	case err == nil:
		s.finish(StatusCompleted)
	case internal_type.CodeOf(err) == internal_type.CodeIdleTimeout:
		s.logger.Infow("session idle limit reached", "session_id", s.ID())
		s.finish(StatusIdleTimeout)
	case errors.Is(err, context.Canceled):
		s.fail(internal_type.WrapFailure(internal_type.CodeInternal, err, "session cancelled"))
	default:
		s.fail(err)
	}
}

// finish is the graceful close: session_closed with the summary, then a
// normal socket close. The zero-audio roundtrip still gets its
// session_started immediately before session_closed.
func (s *Session) finish(status string) {
	s.queue.Close()
	summary := s.buildSummary(status)

	s.mu.Lock()
	s.state = StateClosed
	id := s.id
	s.mu.Unlock()

	s.sendStartedOnce()
	s.enqueue(closedEvent{Event: EventSessionClosed, SessionID: id, Summary: summary})
	s.persistSummary(summary)
	s.unregister()
	s.closeSocket(websocket.CloseNormalClosure, "")

	s.logger.Infow("session closed",
		"session_id", id, "status", status,
		"duration_ms", summary.DurationMS, "renewals", summary.Renewals,
		"chunks_sent", summary.ChunksSent, "finals", summary.Finals)
}

func (s *Session) fail(err error) {
	code := internal_type.CodeOf(err)
	if s.queue != nil {
		s.queue.Close()
	}
	summary := s.buildSummary(StatusFailed)

	s.mu.Lock()
	s.state = StateFailed
	id := s.id
	s.mu.Unlock()

	s.enqueue(errorEvent{Event: EventError, Code: string(code), Message: err.Error()})
	if id != "" {
		s.persistSummary(summary)
	}
	s.unregister()

	closeCode := websocket.CloseInternalServerErr
	if code == internal_type.CodeBadRequest {
		closeCode = websocket.ClosePolicyViolation
	}
	s.closeSocket(closeCode, string(code))

	s.logger.Errorw("session failed",
		"session_id", id, "code", code, "error", err)
}

// shutdown is the server-initiated graceful stop used on process exit.
func (s *Session) shutdown() {
	s.mu.Lock()
	state := s.state
	if state == StateStarting || state == StateActive {
		s.state = StateStopping
	}
	queue := s.queue
	s.mu.Unlock()

	switch state {
	case StateStarting, StateActive:
		// The read loop owns the normalizer; skip the residue flush and just
		// end the stream.
		queue.Close()
	case StateIdle:
		s.closeSocket(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Session) buildSummary(status string) internal_type.SessionSummary {
	now := s.clock()

	s.mu.Lock()
	summary := internal_type.SessionSummary{
		SessionID:      s.id,
		PresentationID: s.presentationID,
		LectureID:      s.lectureID,
		CreatedAt:      s.createdAt,
		DurationMS:     now.Sub(s.createdAt).Milliseconds(),
		Status:         status,
	}
	driver := s.driver
	handler := s.handler
	s.mu.Unlock()

	if driver != nil {
		summary.Renewals = driver.Renewals()
		summary.ChunksSent = driver.ChunksSent()
		summary.BytesSent = driver.BytesSent()
		if last := driver.LastAudioAt(); !last.IsZero() {
			summary.IdleMS = now.Sub(last).Milliseconds()
		}
	}
	if handler != nil {
		finals, interims, _, _ := handler.Stats()
		summary.Finals = finals
		summary.Interims = interims
	}
	return summary
}

func (s *Session) persistSummary(summary internal_type.SessionSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.deps.Store.SaveSummary(ctx, summary); err != nil {
		s.logger.Warnw("session summary not persisted",
			"session_id", summary.SessionID, "error", err)
	}
}

func (s *Session) unregister() {
	s.mu.Lock()
	id := s.id
	registered := s.registered
	s.registered = false
	s.mu.Unlock()
	if registered {
		s.registry.unregister(id)
	}
}

// ============================================================================
// Outbound writer
// ============================================================================

func (s *Session) sendError(code internal_type.Code, message string) {
	s.enqueue(errorEvent{Event: EventError, Code: string(code), Message: message})
}

// sendStartedOnce emits session_started exactly once; the flag and the push
// share the writer lock so the event can never land after session_closed.
func (s *Session) sendStartedOnce() {
	s.mu.Lock()
	event := startedEvent{
		Event:          EventSessionStarted,
		SessionID:      s.id,
		PresentationID: s.presentationID,
		LanguageCode:   s.languageCode,
		Model:          s.model,
	}
	s.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.startedSent {
		return
	}
	s.startedSent = true
	s.pushLocked(payload)
}

func (s *Session) enqueue(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Errorw("failed to encode event", "error", err)
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.pushLocked(payload)
}

func (s *Session) pushLocked(payload []byte) {
	if s.outClosed {
		return
	}
	select {
	case s.outCh <- payload:
		return
	default:
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case s.outCh <- payload:
	case <-timer.C:
		s.logger.Warnw("client not draining events, dropping one")
	}
}

func (s *Session) closeSocket(code int, reason string) {
	s.outMu.Lock()
	if !s.outClosed {
		s.outClosed = true
		s.closeCode = code
		s.closeReason = reason
		close(s.outCh)
	}
	s.outMu.Unlock()
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for payload := range s.outCh {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Debugw("event write failed", "error", err)
		}
	}

	s.outMu.Lock()
	code := s.closeCode
	reason := s.closeReason
	s.outMu.Unlock()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
}
