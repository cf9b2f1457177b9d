package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisChecker probes the session/embedding Redis.
type RedisChecker struct {
	client   redis.UniversalClient
	name     string
	critical bool
}

func NewRedisChecker(name string, client redis.UniversalClient, critical bool) *RedisChecker {
	return &RedisChecker{client: client, name: name, critical: critical}
}

func (r *RedisChecker) Name() string           { return r.name }
func (r *RedisChecker) IsCritical() bool       { return r.critical }
func (r *RedisChecker) Timeout() time.Duration { return 5 * time.Second }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: r.name, Critical: r.critical}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "ping failed"
		return result
	}
	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "responding with high latency"
		return result
	}
	result.Status = StatusHealthy
	return result
}

// HTTPChecker probes an HTTP dependency (vector index, embedding or LLM
// sidecar) by GET on a status path.
type HTTPChecker struct {
	name     string
	url      string
	client   *http.Client
	critical bool
}

func NewHTTPChecker(name, url string, critical bool) *HTTPChecker {
	return &HTTPChecker{
		name:     name,
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second},
		critical: critical,
	}
}

func (h *HTTPChecker) Name() string           { return h.name }
func (h *HTTPChecker) IsCritical() bool       { return h.critical }
func (h *HTTPChecker) Timeout() time.Duration { return 5 * time.Second }

func (h *HTTPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: h.name, Critical: h.critical}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	resp, err := h.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "unreachable"
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return result
	}
	result.Status = StatusHealthy
	return result
}
