package internal_sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return logger
}

func sampleRecord() internal_type.FinalRecord {
	page := 3
	score := 0.6
	return internal_type.FinalRecord{
		LectureID:      42,
		SessionID:      "sess-1",
		PresentationID: "pres-1",
		Text:           "final text",
		Confidence:     0.87,
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
		IsFinal:        true,
		SlideNumber:    &page,
		SlideScore:     &score,
	}
}

func TestPublish_PostsRecordWithBearerToken(t *testing.T) {
	var got internal_type.FinalRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := NewBackendSink(testLogger(t), srv.URL, "token-1")
	require.True(t, sink.Enabled())

	require.NoError(t, sink.Publish(context.Background(), sampleRecord()))
	assert.Equal(t, "final text", got.Text)
	assert.Equal(t, int64(42), got.LectureID)
	assert.True(t, got.IsFinal)
	require.NotNil(t, got.SlideNumber)
	assert.Equal(t, 3, *got.SlideNumber)
}

func TestPublish_NoAuthHeaderWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	sink := NewBackendSink(testLogger(t), srv.URL, "")
	assert.NoError(t, sink.Publish(context.Background(), sampleRecord()))
}

func TestPublish_ErrorStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewBackendSink(testLogger(t), srv.URL, "")
	err := sink.Publish(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPublish_RespectsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	sink := NewBackendSink(testLogger(t), srv.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sink.Publish(ctx, sampleRecord())
	assert.Error(t, err)
}

func TestEnabled_FalseWithoutBaseURL(t *testing.T) {
	sink := NewBackendSink(testLogger(t), "", "")
	assert.False(t, sink.Enabled())
}
