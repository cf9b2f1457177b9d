// Package vectordb is a minimal Qdrant HTTP client covering the operations
// the retrieval pipeline needs: similarity query, upsert, and filtered delete.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/circuitbreaker"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/tracing"
)

// Config controls the client.
type Config struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client talks to one Qdrant instance. Safe for concurrent use.
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewClient creates a client with circuit-breaker protected transport.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", logger),
		log:   logger,
	}
}

type queryRequest struct {
	Query          []float32      `json:"query"`
	Limit          int            `json:"limit"`
	ScoreThreshold *float64       `json:"score_threshold,omitempty"`
	WithPayload    bool           `json:"with_payload"`
	Filter         map[string]any `json:"filter,omitempty"`
}

type point struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// queryResponse for the modern /points/query endpoint (nested result).
type queryResponse struct {
	Result struct {
		Points []point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// searchResponse for the legacy /points/search endpoint (flat result).
type searchResponse struct {
	Result []point `json:"result"`
	Status string  `json:"status"`
}

// Query runs a similarity search against one collection.
func (c *Client) Query(ctx context.Context, collection string, vec []float32, topK int, threshold float64, filter map[string]any) ([]Hit, error) {
	start := time.Now()

	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	buf, _ := json.Marshal(queryRequest{Query: vec, Limit: topK, ScoreThreshold: thr, WithPayload: true, Filter: filter})

	call := func(url string, body []byte) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)
		return c.httpw.Do(req)
	}

	resp, err := call(urlQuery, buf)
	if err != nil {
		metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("qdrant query %s: %w", collection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Older Qdrant versions lack /points/query; retry the legacy route.
		urlSearch := fmt.Sprintf("%s/collections/%s/points/search", c.base, collection)
		legacy := map[string]any{"vector": vec, "limit": topK, "with_payload": true}
		if threshold > 0 {
			legacy["score_threshold"] = threshold
		}
		if filter != nil {
			legacy["filter"] = filter
		}
		buf2, _ := json.Marshal(legacy)
		resp2, err2 := call(urlSearch, buf2)
		if err2 != nil {
			metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant query/search %s: %w", collection, err2)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant %s status %d", collection, resp2.StatusCode)
		}
		var sr searchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
			metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
			return nil, err
		}
		metrics.RecordVectorSearch(collection, "ok", time.Since(start).Seconds())
		return toHits(sr.Result), nil
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordVectorSearch(collection, "ok", time.Since(start).Seconds())
	return toHits(qr.Result.Points), nil
}

// Upsert inserts or updates points in a collection.
func (c *Client) Upsert(ctx context.Context, collection string, points []UpsertItem) error {
	url := fmt.Sprintf("%s/collections/%s/points", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	buf, _ := json.Marshal(map[string]any{"points": points})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", collection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant upsert %s status %d", collection, resp.StatusCode)
	}
	return nil
}

// DeleteByFilter removes all points in a collection matching the filter.
// Returns the operation status reported by Qdrant.
func (c *Client) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	url := fmt.Sprintf("%s/collections/%s/points/delete", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(map[string]any{"filter": filter})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant delete %s: %w", collection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant delete %s status %d", collection, resp.StatusCode)
	}
	return nil
}

func toHits(pts []point) []Hit {
	hits := make([]Hit, 0, len(pts))
	for _, p := range pts {
		hits = append(hits, Hit{
			ID:      fmt.Sprintf("%v", p.ID),
			Score:   p.Score,
			Payload: p.Payload,
		})
	}
	return hits
}

// MatchFilter builds a Qdrant must/match filter from key-value equality
// constraints.
func MatchFilter(pairs map[string]string) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(pairs))
	for k, v := range pairs {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	return map[string]any{"must": must}
}
