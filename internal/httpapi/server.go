// Package httpapi is the transport boundary: it exposes the chat pipeline as
// an NDJSON stream and a WebSocket feed, plus conversation reset. Events are
// serialized here and nowhere earlier.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ragline/ragline/internal/events"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/search"
	"github.com/ragline/ragline/internal/tracing"
)

// ChatService is the pipeline surface the transport consumes;
// *pipeline.Orchestrator implements it.
type ChatService interface {
	StreamChat(ctx context.Context, req pipeline.Request) <-chan events.Event
	ResetConversation(ctx context.Context, sessionID string) error
}

// AgentResolver maps an agent id to its retrieval configuration.
type AgentResolver func(agentID string) (pipeline.AgentConfig, error)

// RateConfig bounds per-session request throughput.
type RateConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Server handles the chat endpoints.
type Server struct {
	chat    ChatService
	resolve AgentResolver
	logger  *zap.Logger

	rateCfg  RateConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(chat ChatService, resolve AgentResolver, rateCfg RateConfig, logger *zap.Logger) *Server {
	if rateCfg.RequestsPerSecond <= 0 {
		rateCfg.RequestsPerSecond = 5
	}
	if rateCfg.Burst <= 0 {
		rateCfg.Burst = 10
	}
	return &Server{
		chat:     chat,
		resolve:  resolve,
		logger:   logger,
		rateCfg:  rateCfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterRoutes registers the chat routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/chat/stream", s.handleStream)
	mux.HandleFunc("/chat/reset", s.handleReset)
	s.RegisterWebSocket(mux)
}

// chatRequest is the wire form of one chat message.
type chatRequest struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	AgentID   string          `json:"agent_id"`
	Message   string          `json:"message"`
	Language  string          `json:"language,omitempty"`
	Filters   json.RawMessage `json:"filters,omitempty"`
}

func (s *Server) buildRequest(cr chatRequest) (pipeline.Request, error) {
	agent, err := s.resolve(cr.AgentID)
	if err != nil {
		return pipeline.Request{}, err
	}
	if len(cr.Filters) > 0 {
		// Closed contract: unknown filter fields are rejected, not ignored.
		filters, err := search.DecodeFilters(cr.Filters)
		if err != nil {
			return pipeline.Request{}, err
		}
		agent.Filters = filters
	}
	return pipeline.Request{
		SessionID: cr.SessionID,
		UserID:    cr.UserID,
		Message:   cr.Message,
		Language:  cr.Language,
		Agent:     agent,
	}, nil
}

// handleStream answers POST /chat/stream with newline-delimited JSON, one
// event per line, flushed as produced.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	ctx, span := tracing.StartHTTPSpan(r.Context(), r.Method, r.URL.Path)
	defer span.End()

	var cr chatRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}
	if cr.Message == "" || cr.SessionID == "" {
		http.Error(w, `{"error":"session_id and message required"}`, http.StatusBadRequest)
		return
	}
	if !s.limiter(cr.SessionID).Allow() {
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	req, err := s.buildRequest(cr)
	if err != nil {
		s.logger.Warn("rejected chat request", zap.Error(err))
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	for ev := range s.chat.StreamChat(ctx, req) {
		if _, err := w.Write(append(ev.Marshal(), '\n')); err != nil {
			s.logger.Info("chat client disconnected", zap.String("session_id", cr.SessionID))
			return
		}
		flusher.Flush()
	}
}

// handleReset answers POST /chat/reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}
	if err := s.chat.ResetConversation(r.Context(), body.SessionID); err != nil {
		s.logger.Error("conversation reset failed",
			zap.String("session_id", body.SessionID),
			zap.Error(err),
		)
		http.Error(w, `{"error":"reset failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// limiter returns the per-session rate limiter, creating it on first use.
// Idle limiters are pruned opportunistically once the map grows large.
func (s *Server) limiter(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limiters[sessionID]; ok {
		return lim
	}
	if len(s.limiters) > 10000 {
		for id, lim := range s.limiters {
			if lim.Tokens() >= float64(s.rateCfg.Burst) {
				delete(s.limiters, id)
			}
		}
	}
	lim := rate.NewLimiter(rate.Limit(s.rateCfg.RequestsPerSecond), s.rateCfg.Burst)
	s.limiters[sessionID] = lim
	return lim
}
