package internal_slides

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
)

const loadTimeout = 5 * time.Second

// Loader fetches the keyword index of a lecture's presentation from the
// backend. A load failure disables slide matching for the session; it never
// blocks the session from starting.
type Loader struct {
	logger commons.Logger
	client *resty.Client
}

// LoaderOption tunes the loader client.
type LoaderOption func(*resty.Client)

// WithLoadTimeout overrides the keyword fetch timeout.
func WithLoadTimeout(timeout time.Duration) LoaderOption {
	return func(c *resty.Client) { c.SetTimeout(timeout) }
}

// NewLoader builds a loader against the backend base URL. The bearer token is
// optional.
func NewLoader(logger commons.Logger, baseURL, token string, opts ...LoaderOption) *Loader {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(loadTimeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	for _, opt := range opts {
		opt(client)
	}
	return &Loader{logger: logger, client: client}
}

type keywordResponse struct {
	Slides []Slide `json:"slides"`
}

// Load fetches {page -> keywords} for the lecture and builds a matcher. A nil
// matcher with a nil error means the lecture has no keyword index.
func (l *Loader) Load(ctx context.Context, lectureID int64) (*Matcher, error) {
	var body keywordResponse
	resp, err := l.client.R().
		SetContext(ctx).
		SetResult(&body).
		// Decode the body as JSON even when the backend omits the
		// Content-Type header; otherwise the index silently comes back empty.
		ForceContentType("application/json").
		Get(fmt.Sprintf("/api/lectures/%d/slides/keywords", lectureID))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("keyword fetch returned %d", resp.StatusCode())
	}

	matcher := NewMatcher(l.logger, body.Slides)
	if matcher.Empty() {
		return nil, nil
	}
	l.logger.Infow("loaded slide keyword index",
		"lecture_id", lectureID, "slides", len(body.Slides))
	return matcher, nil
}
