// Package config loads service configuration from file and environment and
// validates tunables at load time, before first use.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ragline/ragline/internal/cache"
	"github.com/ragline/ragline/internal/db"
	"github.com/ragline/ragline/internal/embeddings"
	"github.com/ragline/ragline/internal/httpapi"
	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/rerank"
	"github.com/ragline/ragline/internal/session"
	"github.com/ragline/ragline/internal/vectordb"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig       `mapstructure:"server"`
	Agent      AgentDefaults      `mapstructure:"agent"`
	Cache      cache.Config       `mapstructure:"cache"`
	Rerank     rerank.Config      `mapstructure:"rerank"`
	Session    session.Config     `mapstructure:"session"`
	Embeddings embeddings.Config  `mapstructure:"embeddings"`
	VectorDB   vectordb.Config    `mapstructure:"vectordb"`
	DB         db.Config          `mapstructure:"db"`
	LLM        llm.Config         `mapstructure:"llm"`
	Rate       httpapi.RateConfig `mapstructure:"rate"`
	Tracing    TracingConfig      `mapstructure:"tracing"`
	Templates  string             `mapstructure:"templates_path"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AgentDefaults is the retrieval configuration applied when an agent carries
// no overrides.
type AgentDefaults struct {
	Model            string  `mapstructure:"model"`
	Collection       string  `mapstructure:"collection"`
	Strategy         string  `mapstructure:"strategy"` // vector_only | hybrid
	TopK             int     `mapstructure:"top_k"`
	TopN             int     `mapstructure:"top_n"`
	SimilarityCutoff float64 `mapstructure:"similarity_cutoff"`
	CacheEnabled     bool    `mapstructure:"cache_enabled"`
	RerankEnabled    bool    `mapstructure:"rerank_enabled"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads configuration from the given file (optional), the RAGLINE_*
// environment, and built-in defaults, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAGLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("agent.strategy", "vector_only")
	v.SetDefault("agent.collection", "documents")
	v.SetDefault("agent.top_k", 10)
	v.SetDefault("agent.top_n", 5)
	v.SetDefault("agent.similarity_cutoff", 0.3)
	v.SetDefault("agent.cache_enabled", true)
	v.SetDefault("agent.rerank_enabled", false)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.similarity_threshold", 0.95)
	v.SetDefault("cache.collection", "answer_cache")

	v.SetDefault("rerank.enabled", false)
	v.SetDefault("rerank.timeout", "5s")

	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.max_turns", 50)

	v.SetDefault("embeddings.base_url", "http://localhost:8000")
	v.SetDefault("embeddings.timeout", "10s")
	v.SetDefault("embeddings.cache_ttl", "1h")

	v.SetDefault("vectordb.host", "localhost")
	v.SetDefault("vectordb.port", 6333)
	v.SetDefault("vectordb.timeout", "10s")

	v.SetDefault("db.driver", "postgres")

	v.SetDefault("llm.base_url", "http://localhost:8001")
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("rate.requests_per_second", 5)
	v.SetDefault("rate.burst", 10)

	v.SetDefault("tracing.enabled", false)
}

// Validate bounds-checks every tunable. TTLs and thresholds fail here, at
// load time, rather than at first use.
func (c *Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if c.Agent.SimilarityCutoff < 0 || c.Agent.SimilarityCutoff > 1 {
		return fmt.Errorf("agent: similarity_cutoff must be in [0,1], got %v", c.Agent.SimilarityCutoff)
	}
	if c.Agent.TopK < 1 || c.Agent.TopK > 100 {
		return fmt.Errorf("agent: top_k must be in [1,100], got %d", c.Agent.TopK)
	}
	if c.Agent.TopN < 1 || c.Agent.TopN > c.Agent.TopK {
		return fmt.Errorf("agent: top_n must be in [1,top_k], got %d", c.Agent.TopN)
	}
	switch c.Agent.Strategy {
	case "vector_only", "hybrid":
	default:
		return fmt.Errorf("agent: unknown strategy %q", c.Agent.Strategy)
	}
	if c.Rerank.Enabled && c.Rerank.Timeout <= 0 {
		return fmt.Errorf("rerank: timeout must be positive, got %s", c.Rerank.Timeout)
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("session: ttl must not be negative, got %s", c.Session.TTL)
	}
	return nil
}
