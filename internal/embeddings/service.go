// Package embeddings provides query embedding with a two-tier cache: an
// in-process LRU in front of an optional Redis tier.
package embeddings

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

// Provider is the embedding capability the pipeline consumes.
type Provider interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config controls the embedding service.
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	DefaultModel string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	MaxLRU       int           `mapstructure:"max_lru"`
}

// Service calls the embedding sidecar over HTTP, caching vectors in the LRU
// and, when configured, Redis.
type Service struct {
	cfg   Config
	httpw *circuitbreaker.HTTPWrapper
	cache Cache
	lru   *LocalLRU
	log   *zap.Logger
}

// NewService creates the embedding service. cache may be nil to run with the
// in-process LRU only.
func NewService(cfg Config, cache Cache, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "text-embedding-3-small"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Service{
		cfg:   cfg,
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "embeddings", logger),
		cache: cache,
		lru:   NewLocalLRU(cfg.MaxLRU),
		log:   logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// EmbedQuery returns the vector for a single text.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m := s.cfg.DefaultModel
	key := MakeKey(m, text)

	if v, ok := s.lru.Get(key); ok {
		metrics.RecordEmbedding(m, "lru_hit", 0)
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(key, v, 30*time.Minute)
			metrics.RecordEmbedding(m, "cache_hit", 0)
			return v, nil
		}
	}

	start := time.Now()
	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(embedRequest{Texts: []string{text}, Model: m})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.httpw.Do(req)
	if err != nil {
		metrics.RecordEmbedding(m, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embed query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbedding(m, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding http status %d", resp.StatusCode)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbedding(m, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		metrics.RecordEmbedding(m, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("no embeddings returned")
	}

	out := make([]float32, len(er.Embeddings[0]))
	for i, f := range er.Embeddings[0] {
		out[i] = float32(f)
	}
	metrics.RecordEmbedding(m, "ok", time.Since(start).Seconds())

	s.lru.Set(key, out, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}
