package internal_slides

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, handler http.HandlerFunc, token string) (*Loader, *httptest.Server) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewLoader(logger, srv.URL, token), srv
}

func TestLoad_BuildsMatcherFromBackendIndex(t *testing.T) {
	loader, _ := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/lectures/42/slides/keywords", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(keywordResponse{Slides: []Slide{
			{Page: 1, Keywords: []string{"queue"}},
			{Page: 2, Keywords: []string{"raft"}},
		}})
	}, "secret")

	m, err := loader.Load(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, m)

	match, err := m.Match(context.Background(), "the raft log")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, 2, match.Page)
}

func TestLoad_NotFoundDisablesMatchingQuietly(t *testing.T) {
	loader, _ := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, "")

	m, err := loader.Load(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLoad_EmptyIndexYieldsNoMatcher(t *testing.T) {
	loader, _ := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(keywordResponse{})
	}, "")

	m, err := loader.Load(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLoad_ServerErrorIsReported(t *testing.T) {
	loader, _ := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, "")

	_, err := loader.Load(context.Background(), 7)
	assert.Error(t, err)
}
