package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/features/tools/retry"
	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
)

func TestSearchReturnsResults(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"results":[
			{"title":"Go","url":"https://go.dev","content":"The Go language","score":0.9},
			{"title":"Tour","url":"https://go.dev/tour","content":"A tour of Go"},
			{"title":"Extra","url":"https://example.com","content":"dropped"}]}`))
	}))
	defer srv.Close()

	s, err := New(Options{APIKey: "key", MaxResults: 2, BaseURL: srv.URL})
	require.NoError(t, err)
	out, err := s.Call(context.Background(), json.RawMessage(`{"query":"golang"}`))
	require.NoError(t, err)
	require.Equal(t, "golang", got.Query)
	require.Equal(t, 2, got.MaxResults)

	var results []Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Equal(t, []Result{
		{Title: "Go", URL: "https://go.dev", Content: "The Go language"},
		{Title: "Tour", URL: "https://go.dev/tour", Content: "A tour of Go"},
	}, results)
}

func TestSearchFailuresAreToolErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, err := New(Options{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = s.Call(context.Background(), json.RawMessage(`{"query":"golang"}`))
	require.True(t, toolerrors.Is(err))
	require.Equal(t, "Error: tool tavily_search failed: HTTP 401: bad key", toolerrors.Text(err))

	_, err = s.Call(context.Background(), json.RawMessage(`{}`))
	require.True(t, toolerrors.Is(err))
}

func TestSearchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"title":"Go","url":"https://go.dev","content":"c"}]}`))
	}))
	defer srv.Close()

	s, err := New(Options{
		APIKey:  "key",
		BaseURL: srv.URL,
		Retry:   &retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffMultiplier: 2},
	})
	require.NoError(t, err)
	results, err := s.Search(context.Background(), "golang")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.EqualValues(t, 2, calls.Load())
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
