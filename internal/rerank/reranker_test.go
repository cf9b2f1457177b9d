package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/search"
)

type fakeCompleter struct {
	response string
	err      error
	delay    time.Duration
}

func (f *fakeCompleter) Complete(ctx context.Context, _ string) (string, llm.Usage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", llm.Usage{}, ctx.Err()
		}
	}
	return f.response, llm.Usage{}, f.err
}

func (f *fakeCompleter) StreamComplete(context.Context, string) (<-chan llm.Delta, error) {
	return nil, errors.New("not used")
}

func candidates(texts ...string) []search.Candidate {
	out := make([]search.Candidate, len(texts))
	for i, t := range texts {
		out[i] = search.Candidate{
			DocumentID: t,
			Text:       t,
			Score:      1 - float64(i)*0.1, // retrieval order: first is best
		}
	}
	return out
}

func rerankServer(t *testing.T, results []map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteRerankReorders(t *testing.T) {
	srv := rerankServer(t, []map[string]any{
		{"index": 2, "relevance_score": 0.99},
		{"index": 0, "relevance_score": 0.40},
	})
	r := New(Config{Enabled: true, BaseURL: srv.URL}, nil, zaptest.NewLogger(t))

	out, outcome := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 2)
	assert.Equal(t, OutcomeOK, outcome)
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].DocumentID)
	assert.Equal(t, 0.99, out[0].Score) // provider score replaces retrieval score
	assert.Equal(t, "a", out[1].DocumentID)
}

func TestDisabledReturnsTopNSkipped(t *testing.T) {
	r := New(Config{Enabled: false}, nil, zaptest.NewLogger(t))
	out, outcome := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 2)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, []string{"a", "b"}, ids(out))
}

func TestTimeoutFallsBackToRetrievalOrder(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer slow.Close()

	r := New(Config{Enabled: true, BaseURL: slow.URL, Timeout: time.Millisecond}, nil, zaptest.NewLogger(t))
	start := time.Now()
	out, outcome := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 2)

	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, []string{"a", "b"}, ids(out))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "must not wait for the slow provider")
}

func TestRemoteFailureUsesLLMFallback(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	completer := &fakeCompleter{response: "3, 1, 2"}
	r := New(Config{Enabled: true, BaseURL: dead.URL}, completer, zaptest.NewLogger(t))

	out, outcome := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 3)
	assert.Equal(t, OutcomeLLM, outcome)
	assert.Equal(t, []string{"c", "a", "b"}, ids(out))
}

func TestLLMRankingScoresMatchOrder(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	completer := &fakeCompleter{response: "3, 1, 2"}
	r := New(Config{Enabled: true, BaseURL: dead.URL}, completer, zaptest.NewLogger(t))

	out, outcome := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 3)
	require.Equal(t, OutcomeLLM, outcome)
	require.Len(t, out, 3)
	for i, c := range out {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
		if i > 0 {
			assert.LessOrEqual(t, c.Score, out[i-1].Score,
				"scores must be non-increasing after a successful rerank")
		}
	}
	// Old retrieval scores must not leak through in the new order.
	assert.NotEqual(t, 0.8, out[0].Score)
}

func TestBothProvidersFailingKeepsOriginalOrder(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	completer := &fakeCompleter{err: errors.New("model overloaded")}
	r := New(Config{Enabled: true, BaseURL: dead.URL}, completer, zaptest.NewLogger(t))

	out, outcome := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 2)
	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, []string{"a", "b"}, ids(out))
}

func TestLLMRankingToleratesProseAndRepeats(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	completer := &fakeCompleter{response: "The best order is: 2, then 2 again, then 9."}
	r := New(Config{Enabled: true, BaseURL: dead.URL}, completer, zaptest.NewLogger(t))

	out, outcome := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 3)
	assert.Equal(t, OutcomeLLM, outcome)
	// 2 → "b"; 9 dropped as out of range; unmentioned keep relative order.
	assert.Equal(t, []string{"b", "a", "c"}, ids(out))
}

func TestOutOfRangeRemoteIndexFallsBack(t *testing.T) {
	srv := rerankServer(t, []map[string]any{{"index": 17, "relevance_score": 0.9}})
	r := New(Config{Enabled: true, BaseURL: srv.URL}, nil, zaptest.NewLogger(t))

	out, outcome := r.Rerank(context.Background(), "q", candidates("a", "b"), 2)
	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, []string{"a", "b"}, ids(out))
}

func TestEmptyCandidatesSkip(t *testing.T) {
	r := New(Config{Enabled: true, BaseURL: "http://unused"}, nil, zaptest.NewLogger(t))
	out, outcome := r.Rerank(context.Background(), "q", nil, 5)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, out)
}

func ids(cands []search.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.DocumentID
	}
	return out
}
