// Package llm is the text completion capability consumed by the rewrite,
// rerank, and synthesize stages.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/circuitbreaker"
	"github.com/ragline/ragline/internal/tracing"
)

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Delta is one streamed fragment. Exactly one terminal delta is sent: either
// Err is set, or Done is true (with final Usage).
type Delta struct {
	Text  string
	Done  bool
	Usage Usage
	Err   error
}

// Provider is the completion capability interface.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, Usage, error)
	StreamComplete(ctx context.Context, prompt string) (<-chan Delta, error)
}

// Config controls the completion client.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client calls the LLM sidecar over HTTP; streaming responses are
// newline-delimited JSON deltas.
type Client struct {
	cfg   Config
	httpw *circuitbreaker.HTTPWrapper
	// streaming uses a dedicated client without a global timeout so long
	// generations are bounded by ctx, not by Config.Timeout
	streamHTTP *http.Client
	log        *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpw:      circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "llm", logger),
		streamHTTP: &http.Client{},
		log:        logger,
	}
}

type completionRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Stream bool   `json:"stream,omitempty"`
}

type completionResponse struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Complete returns the full completion for a prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	url := fmt.Sprintf("%s/completions", c.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(completionRequest{Prompt: prompt, Model: c.cfg.Model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("completion http status %d", resp.StatusCode)
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", Usage{}, err
	}
	return cr.Text, cr.Usage, nil
}

// streamLine is the wire form of one streamed delta.
type streamLine struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	Error string `json:"error,omitempty"`
}

// StreamComplete starts a streaming completion. The returned channel is
// closed after the terminal delta. Cancelling ctx aborts the underlying
// request.
func (c *Client) StreamComplete(ctx context.Context, prompt string) (<-chan Delta, error) {
	url := fmt.Sprintf("%s/completions/stream", c.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)

	buf, _ := json.Marshal(completionRequest{Prompt: prompt, Model: c.cfg.Model, Stream: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		span.End()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("stream completion: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		span.End()
		return nil, fmt.Errorf("stream completion http status %d", resp.StatusCode)
	}

	out := make(chan Delta, 64)
	go func() {
		defer close(out)
		defer span.End()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var sl streamLine
			if err := json.Unmarshal(line, &sl); err != nil {
				out <- Delta{Err: fmt.Errorf("malformed stream line: %w", err)}
				return
			}
			if sl.Error != "" {
				out <- Delta{Err: fmt.Errorf("provider error: %s", sl.Error)}
				return
			}
			if sl.Done {
				d := Delta{Done: true}
				if sl.Usage != nil {
					d.Usage = *sl.Usage
				}
				out <- d
				return
			}
			select {
			case out <- Delta{Text: sl.Delta}:
			case <-ctx.Done():
				out <- Delta{Err: ctx.Err()}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- Delta{Err: err}
			return
		}
		// Stream ended without a done marker; treat as complete.
		out <- Delta{Done: true}
	}()
	return out, nil
}
