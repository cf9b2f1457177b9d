package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/stretchr/testify/require"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/completions", r.URL.Path)
		fmt.Fprint(w, `{"text":"rewritten question","usage":{"input_tokens":12,"output_tokens":4}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	text, usage, err := c.Complete(context.Background(), "rewrite this")
	require.NoError(t, err)
	require.Equal(t, "rewritten question", text)
	require.Equal(t, 12, usage.InputTokens)
	require.Equal(t, 4, usage.OutputTokens)
}

func TestStreamCompleteDeltasAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/completions/stream", r.URL.Path)
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"delta":"Hello"}`,
			`{"delta":" world"}`,
			`{"done":true,"usage":{"input_tokens":3,"output_tokens":2}}`,
		} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	ch, err := c.StreamComplete(context.Background(), "hi")
	require.NoError(t, err)

	var text string
	var done Delta
	for d := range ch {
		require.NoError(t, d.Err)
		if d.Done {
			done = d
			break
		}
		text += d.Text
	}
	require.Equal(t, "Hello world", text)
	require.Equal(t, 3, done.Usage.InputTokens)
	require.Equal(t, 2, done.Usage.OutputTokens)
}

func TestStreamCompleteProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"delta":"partial"}`)
		fmt.Fprintln(w, `{"error":"model overloaded"}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	ch, err := c.StreamComplete(context.Background(), "hi")
	require.NoError(t, err)

	var sawErr error
	for d := range ch {
		if d.Err != nil {
			sawErr = d.Err
		}
	}
	require.Error(t, sawErr)
	require.Contains(t, sawErr.Error(), "model overloaded")
}
