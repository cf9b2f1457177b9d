// Package pipeline runs the staged retrieval flow that turns a user question
// into a streamed, cited answer. One Context is owned by exactly one request;
// stages mutate it in turn and never retain it after returning.
package pipeline

import (
	"encoding/json"

	"github.com/ragline/ragline/internal/events"
	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/search"
	"github.com/ragline/ragline/internal/session"
)

// AgentConfig is the per-agent retrieval configuration a request runs under.
type AgentConfig struct {
	AgentID          string
	Model            string
	Collection       string
	TopK             int
	TopN             int
	SimilarityCutoff float64
	CacheEnabled     bool
	RerankEnabled    bool
	Filters          *search.Filters
}

// Request is what the transport hands to the orchestrator.
type Request struct {
	SessionID string
	UserID    string
	Message   string
	Language  string
	Agent     AgentConfig
	// History, when non-nil, skips the session-store load.
	History []session.Turn
}

// Context is the mutable per-request state threaded through the stages.
type Context struct {
	SessionID string
	UserID    string
	Language  string
	Agent     AgentConfig

	OriginalQuery string
	Query         string // effective query after rewrite
	History       []session.Turn
	Embedding     []float32

	Candidates    []search.Candidate
	Response      string
	Visualization json.RawMessage
	Sources       []events.Source
	Usage         llm.Usage
	FromCache     bool

	Metrics *MetricsManager

	shouldStop bool
	stoppedBy  string
}

// Stop short-circuits the remaining stages. Only the first caller wins; a
// second stage asking to stop is a programming error we surface to the
// orchestrator rather than silently absorbing.
func (rc *Context) Stop(stage string) bool {
	if rc.shouldStop {
		return false
	}
	rc.shouldStop = true
	rc.stoppedBy = stage
	return true
}

// ShouldStop reports whether a stage has short-circuited the pipeline.
func (rc *Context) ShouldStop() bool { return rc.shouldStop }

// StoppedBy names the stage that short-circuited, or "".
func (rc *Context) StoppedBy() string { return rc.stoppedBy }
