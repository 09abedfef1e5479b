package internal_result

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	internal_asr "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/asr"
	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
)

const (
	// Interim gate: publish when the text moved by more than this edit
	// distance, or when this much time passed since the last publish.
	interimMinDistance = 3
	interimMinInterval = 150 * time.Millisecond

	// SlideMatchDeadline bounds the synchronous matcher call per final.
	SlideMatchDeadline = 50 * time.Millisecond

	// SinkTimeout bounds one sink attempt; one retry, then a logged drop.
	SinkTimeout = 3 * time.Second
)

// Identity pins published results and sink records to their session.
type Identity struct {
	SessionID      string
	PresentationID string
	LectureID      int64
}

// Publisher delivers one result to the client. Implemented by the session's
// outbound writer; must not block indefinitely.
type Publisher func(result internal_type.TranscriptionResult)

// Handler consumes driver events for one session: gates interims, annotates
// finals with a slide match, and fans finals out to the client and the sink.
type Handler struct {
	logger   commons.Logger
	identity Identity
	matcher  internal_type.SlideMatcher
	sink     internal_type.Sink
	publish  Publisher
	clock    func() time.Time

	lastInterimText string
	lastInterimAt   time.Time
	seenFinals      map[string]struct{}

	sinkWg sync.WaitGroup

	mu                 sync.Mutex
	finalsPublished    int64
	interimsPublished  int64
	interimsSuppressed int64
	sinkDrops          int64
}

// Option tunes the handler for tests.
type Option func(*Handler)

func WithClock(clock func() time.Time) Option {
	return func(h *Handler) { h.clock = clock }
}

// NewHandler builds a handler. Matcher may be nil (slide matching disabled);
// sink may be nil or disabled.
func NewHandler(
	logger commons.Logger,
	identity Identity,
	matcher internal_type.SlideMatcher,
	sink internal_type.Sink,
	publish Publisher,
	opts ...Option,
) *Handler {
	h := &Handler{
		logger:     logger,
		identity:   identity,
		matcher:    matcher,
		sink:       sink,
		publish:    publish,
		clock:      time.Now,
		seenFinals: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run consumes events until the channel closes, then waits for in-flight sink
// publishes. Sink attempts are bounded, so the wait is too.
func (h *Handler) Run(ctx context.Context, events <-chan internal_asr.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case internal_asr.Interim:
			h.handleInterim(e.Result)
		case internal_asr.Final:
			h.handleFinal(ctx, e.Result)
		case internal_asr.EpochEnded:
			// Interim text may re-anchor on the fresh stream.
			h.lastInterimText = ""
			h.logger.Debugw("recognition stream drained", "epoch", e.Epoch)
		case internal_asr.ProviderError:
			h.logger.Warnw("recognition stream error",
				"epoch", e.Epoch, "error", e.Err)
		}
	}
	h.sinkWg.Wait()
}

// Stats reports fan-out counters for the session summary.
func (h *Handler) Stats() (finals, interims, suppressed, sinkDrops int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finalsPublished, h.interimsPublished, h.interimsSuppressed, h.sinkDrops
}

func (h *Handler) handleInterim(result internal_type.TranscriptionResult) {
	now := h.clock()
	distance := matchr.Levenshtein(h.lastInterimText, result.Text)
	elapsed := now.Sub(h.lastInterimAt)
	if distance <= interimMinDistance && elapsed < interimMinInterval {
		h.mu.Lock()
		h.interimsSuppressed++
		h.mu.Unlock()
		return
	}

	h.lastInterimText = result.Text
	h.lastInterimAt = now
	h.mu.Lock()
	h.interimsPublished++
	h.mu.Unlock()
	h.publish(result)
}

func (h *Handler) handleFinal(ctx context.Context, result internal_type.TranscriptionResult) {
	key := finalKey(result)
	if _, dup := h.seenFinals[key]; dup {
		h.logger.Debugw("dropping duplicate final across epoch boundary",
			"text", result.Text, "timestamp", result.Timestamp)
		return
	}
	h.seenFinals[key] = struct{}{}

	// The final supersedes the interim view.
	h.lastInterimText = ""

	result.Slide = h.matchSlide(ctx, result.Text)

	h.mu.Lock()
	h.finalsPublished++
	h.mu.Unlock()
	h.publish(result)

	if h.sink != nil && h.sink.Enabled() {
		record := h.buildRecord(result)
		h.sinkWg.Add(1)
		go func() {
			defer h.sinkWg.Done()
			h.publishToSink(record)
		}()
	}
}

func (h *Handler) matchSlide(ctx context.Context, text string) *internal_type.SlideMatch {
	if h.matcher == nil {
		return nil
	}
	matchCtx, cancel := context.WithTimeout(ctx, SlideMatchDeadline)
	defer cancel()

	match, err := h.matcher.Match(matchCtx, text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warnw("slide match deadline exceeded, final unannotated",
				"deadline", SlideMatchDeadline)
		} else {
			h.logger.Warnw("slide match failed, final unannotated", "error", err)
		}
		return nil
	}
	return match
}

// publishToSink is best-effort: one retry after the first failure, then a
// logged drop. Runs detached from the receive loop so a slow backend never
// stalls transcription delivery.
func (h *Handler) publishToSink(record internal_type.FinalRecord) {
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), SinkTimeout)
		err := h.sink.Publish(ctx, record)
		cancel()
		if err == nil {
			return
		}
		h.logger.Warnw("sink publish failed",
			"attempt", attempt+1, "error", err)
	}
	h.mu.Lock()
	h.sinkDrops++
	h.mu.Unlock()
	h.logger.Errorw("dropping final after sink retries",
		"session_id", h.identity.SessionID, "timestamp", record.Timestamp)
}

func (h *Handler) buildRecord(result internal_type.TranscriptionResult) internal_type.FinalRecord {
	record := internal_type.FinalRecord{
		LectureID:      h.identity.LectureID,
		SessionID:      h.identity.SessionID,
		PresentationID: h.identity.PresentationID,
		Text:           result.Text,
		Confidence:     result.Confidence,
		Timestamp:      result.Timestamp,
		IsFinal:        true,
	}
	if result.Slide != nil {
		page := result.Slide.Page
		score := result.Slide.Score
		confidence := result.Slide.Confidence
		record.SlideNumber = &page
		record.SlideScore = &score
		record.SlideConfidence = &confidence
		record.MatchedKeywords = result.Slide.MatchedKeywords
	}
	return record
}

func finalKey(result internal_type.TranscriptionResult) string {
	hash := fnv.New64a()
	hash.Write([]byte(result.Text))
	return fmt.Sprintf("%d:%x", result.Timestamp.UnixMilli(), hash.Sum64())
}
