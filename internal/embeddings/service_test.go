package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func embedServer(t *testing.T, calls *atomic.Int64, vec []float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Texts, 1)
		json.NewEncoder(w).Encode(embedResponse{
			Embeddings: [][]float64{vec},
			Dimensions: len(vec),
			ModelUsed:  req.Model,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedQueryCachesInLRU(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, &calls, []float64{0.25, -0.5})

	svc := NewService(Config{BaseURL: srv.URL}, nil, zap.NewNop())

	v1, err := svc.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{0.25, -0.5}, v1)

	v2, err := svc.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Equal(t, int64(1), calls.Load(), "second identical query should hit the LRU")
}

func TestEmbedQueryFallsThroughToRedisTier(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, &calls, []float64{1, 2, 3})
	mr := miniredis.RunT(t)

	rc, err := NewRedisCache(mr.Addr(), "", zap.NewNop())
	require.NoError(t, err)

	first := NewService(Config{BaseURL: srv.URL, CacheTTL: time.Minute}, rc, zap.NewNop())
	_, err = first.EmbedQuery(context.Background(), "shared question")
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())

	// A fresh service has an empty LRU but shares the Redis tier.
	second := NewService(Config{BaseURL: srv.URL, CacheTTL: time.Minute}, rc, zap.NewNop())
	v, err := second.EmbedQuery(context.Background(), "shared question")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, v)
	require.Equal(t, int64(1), calls.Load(), "redis tier should satisfy the second process")
}

func TestEmbedQueryProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	svc := NewService(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	_, err := svc.EmbedQuery(context.Background(), "boom")
	require.Error(t, err)
}

func TestEmbedQueryEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	t.Cleanup(srv.Close)

	svc := NewService(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	_, err := svc.EmbedQuery(context.Background(), "nothing")
	require.ErrorContains(t, err, "no embeddings")
}
