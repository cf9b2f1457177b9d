package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ragline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "vector_only", cfg.Agent.Strategy)
	assert.Equal(t, 10, cfg.Agent.TopK)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 0.95, cfg.Cache.SimilarityThreshold)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  strategy: hybrid
  top_k: 20
  top_n: 5
cache:
  ttl: 1h
  similarity_threshold: 0.9
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hybrid", cfg.Agent.Strategy)
	assert.Equal(t, 20, cfg.Agent.TopK)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 0.9, cfg.Cache.SimilarityThreshold)
	// Untouched keys keep defaults.
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestValidateRejectsBadTunables(t *testing.T) {
	cases := map[string]string{
		"cutoff out of range":  "agent:\n  similarity_cutoff: 1.5\n",
		"topk out of range":    "agent:\n  top_k: 500\n",
		"topn above topk":      "agent:\n  top_k: 5\n  top_n: 9\n",
		"unknown strategy":     "agent:\n  strategy: quantum\n",
		"zero cache ttl":       "cache:\n  ttl: 0s\n",
		"threshold above one":  "cache:\n  similarity_threshold: 1.2\n",
		"negative session ttl": "session:\n  ttl: -1h\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestWatcherReloadsTunables(t *testing.T) {
	path := writeConfig(t, "agent:\n  similarity_cutoff: 0.3\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	assert.Equal(t, 0.3, w.Current().SimilarityCutoff)

	require.NoError(t, os.WriteFile(path, []byte("agent:\n  similarity_cutoff: 0.7\n"), 0o644))
	require.Eventually(t, func() bool {
		return w.Current().SimilarityCutoff == 0.7
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWatcherNotifiesOnChange(t *testing.T) {
	path := writeConfig(t, "cache:\n  similarity_threshold: 0.9\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	got := make(chan Tunables, 1)
	w.OnChange(func(tun Tunables) { got <- tun })

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  similarity_threshold: 0.8\n"), 0o644))
	select {
	case tun := <-got:
		assert.Equal(t, 0.8, tun.SimilarityThreshold)
	case <-time.After(3 * time.Second):
		t.Fatal("reload did not notify the subscriber")
	}
}

func TestWatcherKeepsPreviousOnInvalidReload(t *testing.T) {
	path := writeConfig(t, "agent:\n  similarity_cutoff: 0.3\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(path, []byte("agent:\n  similarity_cutoff: 7.0\n"), 0o644))
	// The invalid value must never become visible.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 0.3, w.Current().SimilarityCutoff)
}
