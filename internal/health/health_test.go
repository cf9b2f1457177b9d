package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticChecker struct {
	name     string
	status   CheckStatus
	critical bool
}

func (s staticChecker) Name() string           { return s.name }
func (s staticChecker) IsCritical() bool       { return s.critical }
func (s staticChecker) Timeout() time.Duration { return time.Second }
func (s staticChecker) Check(context.Context) CheckResult {
	return CheckResult{Component: s.name, Status: s.status, Critical: s.critical}
}

func TestOverallStatusAggregation(t *testing.T) {
	cases := []struct {
		name     string
		checkers []Checker
		want     CheckStatus
	}{
		{"all healthy", []Checker{
			staticChecker{name: "a", status: StatusHealthy, critical: true},
			staticChecker{name: "b", status: StatusHealthy},
		}, StatusHealthy},
		{"non-critical failure degrades", []Checker{
			staticChecker{name: "a", status: StatusHealthy, critical: true},
			staticChecker{name: "b", status: StatusUnhealthy},
		}, StatusDegraded},
		{"critical failure is unhealthy", []Checker{
			staticChecker{name: "a", status: StatusUnhealthy, critical: true},
			staticChecker{name: "b", status: StatusHealthy},
		}, StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tc.checkers {
				m.Register(c)
			}
			assert.Equal(t, tc.want, m.Report(context.Background()).Status)
		})
	}
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisChecker("redis", client, true)

	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	mr.Close()
	res = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestHTTPChecker(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	assert.Equal(t, StatusHealthy, NewHTTPChecker("up", up.URL, true).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewHTTPChecker("down", down.URL, true).Check(context.Background()).Status)
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(staticChecker{name: "dep", status: StatusUnhealthy, critical: true})

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "unhealthy", report["status"])
	assert.Len(t, report["checks"], 1)
}
