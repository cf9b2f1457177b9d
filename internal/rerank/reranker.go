// Package rerank reorders retrieved candidates by query relevance. It is a
// fail-open refinement: every path that cannot produce a reranked order hands
// back the retrieval order instead of an error.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/search"
)

// Outcome tells the caller which path produced the final order.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"       // remote reranker scored the candidates
	OutcomeLLM      Outcome = "llm"      // completion-model fallback ranking
	OutcomeFallback Outcome = "fallback" // original retrieval order
	OutcomeSkipped  Outcome = "skipped"  // reranking disabled
)

// Config controls the reranker.
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

const defaultTimeout = 5 * time.Second

// Reranker scores candidates against the query via a remote rerank endpoint,
// falling back to an LLM-prompted ranking, then to the original order.
type Reranker struct {
	cfg      Config
	http     *http.Client
	fallback llm.Provider
	log      *zap.Logger
}

func New(cfg Config, fallback llm.Provider, logger *zap.Logger) *Reranker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Reranker{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		fallback: fallback,
		log:      logger,
	}
}

// Rerank returns at most topN candidates in relevance order. The work runs
// under a hard deadline; on expiry or provider failure the original order is
// returned with OutcomeFallback.
func (r *Reranker) Rerank(ctx context.Context, query string, cands []search.Candidate, topN int) ([]search.Candidate, Outcome) {
	if topN <= 0 || topN > len(cands) {
		topN = len(cands)
	}
	if !r.cfg.Enabled || len(cands) == 0 {
		metrics.RerankOutcomes.WithLabelValues(string(OutcomeSkipped)).Inc()
		return cands[:topN], OutcomeSkipped
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type result struct {
		cands   []search.Candidate
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		out, outcome, err := r.rank(ctx, query, cands, topN)
		done <- result{out, outcome, err}
	}()

	select {
	case <-ctx.Done():
		r.log.Warn("rerank budget exhausted, keeping retrieval order",
			zap.Duration("timeout", r.cfg.Timeout),
			zap.Int("candidates", len(cands)),
		)
		metrics.RerankOutcomes.WithLabelValues(string(OutcomeFallback)).Inc()
		return cands[:topN], OutcomeFallback
	case res := <-done:
		if res.err != nil {
			r.log.Warn("rerank failed, keeping retrieval order", zap.Error(res.err))
			metrics.RerankOutcomes.WithLabelValues(string(OutcomeFallback)).Inc()
			return cands[:topN], OutcomeFallback
		}
		metrics.RerankOutcomes.WithLabelValues(string(res.outcome)).Inc()
		return res.cands, res.outcome
	}
}

func (r *Reranker) rank(ctx context.Context, query string, cands []search.Candidate, topN int) ([]search.Candidate, Outcome, error) {
	out, err := r.remoteRank(ctx, query, cands, topN)
	if err == nil {
		return out, OutcomeOK, nil
	}
	r.log.Debug("remote rerank unavailable, trying completion fallback", zap.Error(err))

	if r.fallback == nil {
		return nil, OutcomeFallback, err
	}
	out, llmErr := r.llmRank(ctx, query, cands, topN)
	if llmErr != nil {
		return nil, OutcomeFallback, fmt.Errorf("remote: %v; llm: %w", err, llmErr)
	}
	return out, OutcomeLLM, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// remoteRank calls a Cohere-style /rerank endpoint. Provider scores replace
// the retrieval scores on the returned candidates.
func (r *Reranker) remoteRank(ctx context.Context, query string, cands []search.Candidate, topN int) ([]search.Candidate, error) {
	docs := make([]string, len(cands))
	for i, c := range cands {
		docs[i] = c.Text
	}
	body, err := json.Marshal(rerankRequest{
		Model:     r.cfg.Model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(r.cfg.BaseURL, "/")+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank endpoint returned %d", resp.StatusCode)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return nil, fmt.Errorf("rerank endpoint returned no results")
	}

	out := make([]search.Candidate, 0, topN)
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(cands) {
			return nil, fmt.Errorf("rerank result index %d out of range", res.Index)
		}
		c := cands[res.Index]
		c.Score = res.RelevanceScore
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

// llmRank asks the completion provider for an ordering when no dedicated
// rerank endpoint is reachable. The model returns a comma-separated list of
// 1-based document numbers; unmentioned documents keep their relative order
// at the tail.
func (r *Reranker) llmRank(ctx context.Context, query string, cands []search.Candidate, topN int) ([]search.Candidate, error) {
	var b strings.Builder
	b.WriteString("Rank the documents below by relevance to the question. ")
	b.WriteString("Answer with the document numbers only, most relevant first, comma separated.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	for i, c := range cands {
		text := c.Text
		if len(text) > 500 {
			text = text[:500]
		}
		fmt.Fprintf(&b, "Document %d: %s\n", i+1, text)
	}

	completion, _, err := r.fallback.Complete(ctx, b.String())
	if err != nil {
		return nil, err
	}

	order := parseOrder(completion, len(cands))
	if len(order) == 0 {
		return nil, fmt.Errorf("unparseable ranking %q", completion)
	}

	seen := make(map[int]bool, len(order))
	out := make([]search.Candidate, 0, topN)
	for _, idx := range order {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, cands[idx])
		}
	}
	for i := range cands {
		if !seen[i] {
			out = append(out, cands[i])
		}
	}
	// The model emits an order, not scores. Derive rank-based scores so the
	// result stays non-increasing and on the [0,1] scale the cutoff expects.
	for i := range out {
		out[i].Score = 1 - float64(i)/float64(len(out))
	}
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

// parseOrder extracts 1-based document numbers from model output, tolerating
// surrounding prose. Returns 0-based indices.
func parseOrder(s string, n int) []int {
	var order []int
	num := 0
	inNum := false
	flush := func() {
		if inNum && num >= 1 && num <= n {
			order = append(order, num-1)
		}
		num, inNum = 0, false
	}
	for _, r := range s {
		if r >= '0' && r <= '9' {
			num = num*10 + int(r-'0')
			inNum = true
		} else {
			flush()
		}
	}
	flush()
	return order
}
