package pipeline

import (
	"context"
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
	"github.com/ragline/ragline/internal/templates"
	"github.com/ragline/ragline/internal/tracing"
)

// historyLoadTimeout bounds the session-store read; on expiry the request
// proceeds with empty history.
const historyLoadTimeout = 2 * time.Second

// genericAbortMessage is the only error text a client ever sees.
const genericAbortMessage = "The request could not be completed. Please try again."

// Deps collects the collaborators the orchestrator wires into stages.
type Deps struct {
	Embedder  embeddings.Provider
	Completer llm.Provider
	Strategy  search.Strategy
	Cache     *cache.Service
	Reranker  *rerank.Reranker
	Sessions  *session.Manager
	Prompts   templates.Set
	Logger    *zap.Logger
}

// Orchestrator runs the stages strictly in order and exposes the streaming
// surface consumed by the transport layer.
type Orchestrator struct {
	stages   []Stage
	persist  Stage
	sessions *session.Manager
	log      *zap.Logger
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		stages: []Stage{
			&cacheLookupStage{cache: d.Cache, embedder: d.Embedder, log: d.Logger},
			&rewriteStage{completer: d.Completer, prompts: d.Prompts, log: d.Logger},
			&vectorizeStage{embedder: d.Embedder},
			&retrieveStage{strategy: d.Strategy, log: d.Logger},
			&rerankStage{reranker: d.Reranker},
			&synthesizeStage{completer: d.Completer, prompts: d.Prompts, log: d.Logger},
		},
		persist:  &persistStage{sessions: d.Sessions, cache: d.Cache, log: d.Logger},
		sessions: d.Sessions,
		log:      d.Logger,
	}
}

// StreamChat runs the pipeline for one message. Events arrive on the returned
// channel as stages produce them; the channel closes when the request reaches
// a terminal state. Cancelling ctx cancels the in-flight stage.
func (o *Orchestrator) StreamChat(ctx context.Context, req Request) <-chan events.Event {
	out := make(chan events.Event, 32)
	go func() {
		defer close(out)
		metrics.StreamsActive.Inc()
		defer metrics.StreamsActive.Dec()
		o.run(ctx, req, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, req Request, out chan<- events.Event) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.stream_chat")
	defer span.End()
	start := time.Now()

	rc := &Context{
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		Language:      req.Language,
		Agent:         req.Agent,
		OriginalQuery: req.Message,
		Query:         req.Message,
		History:       req.History,
		Metrics:       NewMetricsManager(),
	}
	if rc.History == nil {
		rc.History = o.loadHistory(ctx, req.SessionID)
	}

	emit := func(ev events.Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	status := "done"
	for _, stage := range o.stages {
		if ctx.Err() != nil {
			status = "cancelled"
			break
		}
		if rc.ShouldStop() {
			break
		}
		if err := stage.Process(ctx, rc, emit); err != nil {
			o.log.Error("pipeline stage failed",
				zap.String("stage", stage.Name()),
				zap.String("session_id", rc.SessionID),
				zap.Error(err),
			)
			emit(events.Error(genericAbortMessage))
			metrics.PipelineRequests.WithLabelValues("failed").Inc()
			metrics.PipelineDuration.Observe(time.Since(start).Seconds())
			return
		}
	}

	// Persistence runs regardless of a short-circuit; it decides internally
	// what a cancelled request may record.
	if err := o.persist.Process(ctx, rc, emit); err != nil {
		o.log.Warn("persistence failed", zap.Error(err))
	}

	if status == "done" && rc.FromCache {
		status = "cache_hit"
	}
	summary := rc.Metrics.Summarize()
	emit(events.StepDone("pipeline", events.StatusCompleted, "", "", summary, time.Since(start)))

	metrics.PipelineRequests.WithLabelValues(status).Inc()
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())
}

// loadHistory reads recent turns fail-open: an unavailable session store
// costs context quality, not the answer.
func (o *Orchestrator) loadHistory(ctx context.Context, sessionID string) []session.Turn {
	if o.sessions == nil || sessionID == "" {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, historyLoadTimeout)
	defer cancel()
	turns, err := o.sessions.History(hctx, sessionID, 0)
	if err != nil {
		o.log.Warn("history load failed, continuing without history",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil
	}
	return turns
}

// ResetConversation clears a session's history and is exposed to the
// transport alongside StreamChat.
func (o *Orchestrator) ResetConversation(ctx context.Context, sessionID string) error {
	if o.sessions == nil {
		return nil
	}
	return o.sessions.Reset(ctx, sessionID)
}
