package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/cache"
	"github.com/ragline/ragline/internal/embeddings"
	"github.com/ragline/ragline/internal/events"
	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/rerank"
	"github.com/ragline/ragline/internal/search"
	"github.com/ragline/ragline/internal/session"
	"github.com/ragline/ragline/internal/streamparse"
	"github.com/ragline/ragline/internal/templates"
)

// Stage names, also used as step_type on the wire.
const (
	StageCacheLookup = "cache_lookup"
	StageRewrite     = "query_rewrite"
	StageVectorize   = "vectorize"
	StageRetrieve    = "retrieve"
	StageRerank      = "rerank"
	StageSynthesize  = "synthesize"
	StagePersist     = "persist"
)

// Stage is one pipeline step. A returned error is fatal for the request;
// fail-open stages absorb their errors internally and return nil.
type Stage interface {
	Name() string
	Process(ctx context.Context, rc *Context, emit func(events.Event)) error
}

// minHistoryForRewrite is the turn count below which the rewrite stage is a
// silent pass-through.
const minHistoryForRewrite = 3

// --- cache lookup ---

type cacheLookupStage struct {
	cache    *cache.Service
	embedder embeddings.Provider
	log      *zap.Logger
}

func (s *cacheLookupStage) Name() string { return StageCacheLookup }

// Process checks both cache tiers before any expensive stage runs. Every
// internal failure degrades to a miss; the cache must never block answering.
func (s *cacheLookupStage) Process(ctx context.Context, rc *Context, emit func(events.Event)) error {
	if !rc.Agent.CacheEnabled {
		return nil
	}
	stepID := rc.Metrics.StartSpan(StageCacheLookup, "")
	emit(events.Step(StageCacheLookup, events.StatusRunning, stepID, "", nil))
	start := time.Now()

	var embedding []float32
	if vec, err := s.embedder.EmbedQuery(ctx, rc.OriginalQuery); err != nil {
		s.log.Warn("cache lookup embedding failed, exact tier only", zap.Error(err))
	} else {
		embedding = vec
	}

	ans, err := s.cache.Lookup(ctx, rc.OriginalQuery, rc.Agent.AgentID, embedding)
	hit := err == nil
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		s.log.Warn("cache lookup failed, treating as miss", zap.Error(err))
	}

	if hit {
		rc.Response = ans.Text
		rc.Visualization = ans.Table
		for _, src := range ans.Sources {
			rc.Sources = append(rc.Sources, events.Source{
				DocumentID: src.DocumentID,
				Title:      src.Title,
				Score:      src.Score,
			})
		}
		rc.FromCache = true
		rc.Stop(StageCacheLookup)
	}

	rc.Metrics.EndSpan(stepID, "completed")
	emit(events.StepDone(StageCacheLookup, events.StatusCompleted, stepID, "",
		map[string]any{"hit": hit}, time.Since(start)))

	if hit {
		// The client still needs the answer itself, streamed as usual.
		if len(rc.Sources) > 0 {
			emit(events.SourceList(rc.Sources))
		}
		emit(events.Token(rc.Response))
		if len(rc.Visualization) > 0 {
			emit(events.Visualization(rc.Visualization))
		}
	}
	return nil
}

// --- query rewrite ---

type rewriteStage struct {
	completer llm.Provider
	prompts   templates.Set
	log       *zap.Logger
}

func (s *rewriteStage) Name() string { return StageRewrite }

// Process rephrases a follow-up into a standalone question. With too little
// history the raw message passes through with zero emitted events.
func (s *rewriteStage) Process(ctx context.Context, rc *Context, emit func(events.Event)) error {
	if len(rc.History) < minHistoryForRewrite {
		rc.Query = rc.OriginalQuery
		return nil
	}

	stepID := rc.Metrics.StartSpan(StageRewrite, "")
	emit(events.Step(StageRewrite, events.StatusRunning, stepID, "", nil))
	start := time.Now()

	prompt := templates.Render(s.prompts.Rewrite, map[string]string{
		"history":  renderHistory(rc.History),
		"question": rc.OriginalQuery,
	})

	rewritten, usage, err := s.completer.Complete(ctx, prompt)
	rewritten = strings.TrimSpace(rewritten)
	if err != nil || rewritten == "" {
		if err != nil {
			s.log.Warn("query rewrite failed, using original message", zap.Error(err))
		}
		rc.Query = rc.OriginalQuery
	} else {
		rc.Query = rewritten
		rc.Metrics.AddUsage(usage)
	}

	rc.Metrics.EndSpan(stepID, "completed")
	emit(events.StepDone(StageRewrite, events.StatusCompleted, stepID, "",
		map[string]any{"rewritten": rc.Query != rc.OriginalQuery}, time.Since(start)))
	return nil
}

func renderHistory(turns []session.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}

// --- vectorize ---

type vectorizeStage struct {
	embedder embeddings.Provider
}

func (s *vectorizeStage) Name() string { return StageVectorize }

// Process embeds the effective query. Retrieval cannot proceed without an
// embedding, so failure here is fatal.
func (s *vectorizeStage) Process(ctx context.Context, rc *Context, emit func(events.Event)) error {
	stepID := rc.Metrics.StartSpan(StageVectorize, "")
	emit(events.Step(StageVectorize, events.StatusRunning, stepID, "", nil))
	start := time.Now()

	vec, err := s.embedder.EmbedQuery(ctx, rc.Query)
	if err != nil {
		rc.Metrics.EndSpan(stepID, "failed")
		emit(events.StepDone(StageVectorize, events.StatusFailed, stepID, "", nil, time.Since(start)))
		return fmt.Errorf("embed query: %w", err)
	}
	rc.Embedding = vec

	rc.Metrics.EndSpan(stepID, "completed")
	emit(events.StepDone(StageVectorize, events.StatusCompleted, stepID, "", nil, time.Since(start)))
	return nil
}

// --- retrieve ---

type retrieveStage struct {
	strategy search.Strategy
	log      *zap.Logger
}

func (s *retrieveStage) Name() string { return StageRetrieve }

// Process runs the search strategy and applies the similarity cutoff. The
// cutoff belongs here, not in the strategy.
func (s *retrieveStage) Process(ctx context.Context, rc *Context, emit func(events.Event)) error {
	stepID := rc.Metrics.StartSpan(StageRetrieve, "")
	emit(events.Step(StageRetrieve, events.StatusRunning, stepID, "",
		map[string]any{"strategy": s.strategy.Name()}))
	start := time.Now()

	topK := rc.Agent.TopK
	if topK <= 0 {
		topK = 10
	}
	cands, err := s.strategy.Search(ctx, rc.Query, topK, rc.Agent.Filters)
	if err != nil {
		rc.Metrics.EndSpan(stepID, "failed")
		emit(events.StepDone(StageRetrieve, events.StatusFailed, stepID, "", nil, time.Since(start)))
		return fmt.Errorf("retrieve: %w", err)
	}

	retained := cands[:0]
	for _, c := range cands {
		if c.Score >= rc.Agent.SimilarityCutoff {
			retained = append(retained, c)
		}
	}
	rc.Candidates = retained
	metrics.CandidatesRetained.Observe(float64(len(retained)))

	rc.Metrics.EndSpan(stepID, "completed")
	emit(events.StepDone(StageRetrieve, events.StatusCompleted, stepID, "",
		map[string]any{"retained": len(retained), "strategy": s.strategy.Name()}, time.Since(start)))
	return nil
}

// --- rerank ---

type rerankStage struct {
	reranker *rerank.Reranker
}

func (s *rerankStage) Name() string { return StageRerank }

// Process reorders candidates. Always fail-open: a fallback outcome is
// surfaced as a warning payload on the step event, never as a pipeline error.
func (s *rerankStage) Process(ctx context.Context, rc *Context, emit func(events.Event)) error {
	if len(rc.Candidates) == 0 {
		return nil
	}
	if !rc.Agent.RerankEnabled {
		topN := rc.Agent.TopN
		if topN <= 0 || topN > len(rc.Candidates) {
			topN = len(rc.Candidates)
		}
		rc.Candidates = rc.Candidates[:topN]
		metrics.RerankOutcomes.WithLabelValues(string(rerank.OutcomeSkipped)).Inc()
		stepID := rc.Metrics.StartSpan(StageRerank, "")
		rc.Metrics.EndSpan(stepID, string(events.StatusSkipped))
		emit(events.StepDone(StageRerank, events.StatusSkipped, stepID, "",
			map[string]any{"outcome": string(rerank.OutcomeSkipped)}, 0))
		return nil
	}
	stepID := rc.Metrics.StartSpan(StageRerank, "")
	emit(events.Step(StageRerank, events.StatusRunning, stepID, "", nil))
	start := time.Now()

	topN := rc.Agent.TopN
	if topN <= 0 {
		topN = len(rc.Candidates)
	}
	out, outcome := s.reranker.Rerank(ctx, rc.Query, rc.Candidates, topN)

	// Provider scores replaced the retrieval scores, so the caller cutoff
	// applies again.
	retained := out[:0]
	for _, c := range out {
		if c.Score >= rc.Agent.SimilarityCutoff {
			retained = append(retained, c)
		}
	}
	rc.Candidates = retained

	payload := map[string]any{"outcome": string(outcome)}
	status := events.StatusCompleted
	switch outcome {
	case rerank.OutcomeSkipped:
		status = events.StatusSkipped
	case rerank.OutcomeFallback:
		payload["warning"] = "reranking unavailable, kept retrieval order"
	}
	rc.Metrics.EndSpan(stepID, string(status))
	emit(events.StepDone(StageRerank, status, stepID, "", payload, time.Since(start)))
	return nil
}

// --- synthesize ---

type synthesizeStage struct {
	completer llm.Provider
	prompts   templates.Set
	log       *zap.Logger
}

func (s *synthesizeStage) Name() string { return StageSynthesize }

// Process streams the completion through the block parser, re-emitting plain
// text as token events and at most one recognized structured block.
func (s *synthesizeStage) Process(ctx context.Context, rc *Context, emit func(events.Event)) error {
	stepID := rc.Metrics.StartSpan(StageSynthesize, "")
	emit(events.Step(StageSynthesize, events.StatusRunning, stepID, "", nil))
	start := time.Now()

	rc.Sources = sourcesFromCandidates(rc.Candidates)
	if len(rc.Sources) > 0 {
		emit(events.SourceList(rc.Sources))
	}

	prompt := templates.Render(s.prompts.Synthesis, map[string]string{
		"context":  renderContext(rc.Candidates),
		"history":  renderHistory(rc.History),
		"question": rc.Query,
	})

	deltas, err := s.completer.StreamComplete(ctx, prompt)
	if err != nil {
		rc.Metrics.EndSpan(stepID, "failed")
		emit(events.StepDone(StageSynthesize, events.StatusFailed, stepID, "", nil, time.Since(start)))
		return fmt.Errorf("start completion stream: %w", err)
	}

	var text strings.Builder
	parser := streamparse.New("", "",
		func(tok string) {
			text.WriteString(tok)
			emit(events.Token(tok))
		},
		func(payload json.RawMessage) {
			rc.Visualization = payload
			emit(events.Visualization(payload))
		},
	)

	var streamErr error
	for delta := range deltas {
		if delta.Err != nil {
			streamErr = delta.Err
			break
		}
		if delta.Text != "" {
			parser.Feed(delta.Text)
		}
		if delta.Done {
			rc.Usage = delta.Usage
			rc.Metrics.AddUsage(delta.Usage)
			metrics.TokensUsed.WithLabelValues("input").Observe(float64(delta.Usage.InputTokens))
			metrics.TokensUsed.WithLabelValues("output").Observe(float64(delta.Usage.OutputTokens))
		}
	}
	parser.Flush()
	rc.Response = text.String()

	if streamErr != nil {
		rc.Metrics.EndSpan(stepID, "failed")
		emit(events.StepDone(StageSynthesize, events.StatusFailed, stepID, "", nil, time.Since(start)))
		return fmt.Errorf("completion stream: %w", streamErr)
	}

	rc.Metrics.EndSpan(stepID, "completed")
	emit(events.StepDone(StageSynthesize, events.StatusCompleted, stepID, "",
		map[string]any{
			"input_tokens":  rc.Usage.InputTokens,
			"output_tokens": rc.Usage.OutputTokens,
		}, time.Since(start)))
	return nil
}

func renderContext(cands []search.Candidate) string {
	var b strings.Builder
	for i, c := range cands {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Text)
	}
	return b.String()
}

func sourcesFromCandidates(cands []search.Candidate) []events.Source {
	if len(cands) == 0 {
		return nil
	}
	out := make([]events.Source, 0, len(cands))
	for _, c := range cands {
		src := events.Source{DocumentID: c.DocumentID, Score: c.Score}
		if title, ok := c.Metadata["title"]; ok {
			src.Title = title
		}
		out = append(out, src)
	}
	return out
}

// --- persist ---

type persistStage struct {
	sessions *session.Manager
	cache    *cache.Service
	log      *zap.Logger
}

func (s *persistStage) Name() string { return StagePersist }

// Process records the exchange and writes the answer cache. It runs even
// after a short-circuit, but a cancelled request persists nothing: a partial
// answer must never become a cache entry or a history turn.
func (s *persistStage) Process(ctx context.Context, rc *Context, emit func(events.Event)) error {
	if ctx.Err() != nil {
		s.log.Info("request cancelled, skipping persistence",
			zap.String("session_id", rc.SessionID))
		return nil
	}
	if rc.Response == "" {
		return nil
	}

	// Persistence outlives the request context so a disconnect after the
	// final token cannot half-write state.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if s.sessions != nil {
		if err := s.sessions.AppendTurn(pctx, rc.SessionID, rc.Agent.AgentID,
			session.Turn{Role: session.RoleUser, Content: rc.OriginalQuery}); err != nil {
			s.log.Warn("failed to persist user turn", zap.Error(err))
		} else if err := s.sessions.AppendTurn(pctx, rc.SessionID, rc.Agent.AgentID,
			session.Turn{Role: session.RoleAssistant, Content: rc.Response}); err != nil {
			s.log.Warn("failed to persist assistant turn", zap.Error(err))
		}
	}

	if s.cache != nil && rc.Agent.CacheEnabled && !rc.FromCache {
		ans := &cache.Answer{Text: rc.Response, Table: rc.Visualization}
		for _, src := range rc.Sources {
			ans.Sources = append(ans.Sources, cache.Source{
				DocumentID: src.DocumentID,
				Title:      src.Title,
				Score:      src.Score,
			})
		}
		if err := s.cache.Store(pctx, rc.OriginalQuery, rc.Agent.AgentID, rc.Embedding, ans); err != nil {
			s.log.Warn("failed to write answer cache", zap.Error(err))
		}
	}
	return nil
}
