package internal_sink

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
)

// PublishTimeout bounds a single publish attempt.
const PublishTimeout = 3 * time.Second

// BackendSink posts final transcripts to the backend collaborator. Retries
// and drop logging are the caller's policy; one Publish is one attempt.
type BackendSink struct {
	logger commons.Logger
	client *resty.Client
}

// Option tunes the sink client.
type Option func(*resty.Client)

// WithTimeout overrides the per-attempt client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(timeout) }
}

// NewBackendSink builds the sink. An empty base URL yields a disabled sink
// that callers must skip via Enabled.
func NewBackendSink(logger commons.Logger, baseURL, token string, opts ...Option) *BackendSink {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(PublishTimeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	for _, opt := range opts {
		opt(client)
	}
	return &BackendSink{logger: logger, client: client}
}

func (s *BackendSink) Enabled() bool {
	return s.client.BaseURL != ""
}

// Publish posts one final record.
func (s *BackendSink) Publish(ctx context.Context, record internal_type.FinalRecord) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(record).
		Post("/api/transcriptions")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("transcription sink returned %d", resp.StatusCode())
	}
	return nil
}

var _ internal_type.Sink = (*BackendSink)(nil)
