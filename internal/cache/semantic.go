// Package cache is the two-tier answer cache: exact question hashes in
// Redis, semantic near-matches through the vector index. The vector tier
// stores only a pointer back to the Redis key so large payloads are never
// duplicated and both tiers expire independently.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/vectordb"
)

// Answer is the cached final result of a pipeline run.
type Answer struct {
	Text    string          `json:"text"`
	Sources []Source        `json:"sources,omitempty"`
	Table   json.RawMessage `json:"table,omitempty"`
}

// Source is a citation persisted with the answer.
type Source struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title,omitempty"`
	Score      float64 `json:"score"`
}

// Config controls the cache service.
type Config struct {
	Enabled             bool          `mapstructure:"enabled"`
	RedisAddr           string        `mapstructure:"redis_addr"`
	RedisPassword       string        `mapstructure:"redis_password"`
	TTL                 time.Duration `mapstructure:"ttl"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	Collection          string        `mapstructure:"collection"`
}

// Validate bounds-checks tunables at configuration-load time.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("cache: redis_addr required when enabled")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %s", c.TTL)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("cache: similarity_threshold must be in (0,1], got %v", c.SimilarityThreshold)
	}
	if c.Collection == "" {
		c.Collection = "answer_cache"
	}
	return nil
}

// ErrMiss reports that neither tier held an answer.
var ErrMiss = errors.New("cache miss")

// Service implements the semantic answer cache.
type Service struct {
	cfg   Config
	index vectordb.Index
	log   *zap.Logger

	// Runtime tunables, swapped in by config hot reload.
	tmu       sync.RWMutex
	ttl       time.Duration
	threshold float64

	// The Redis connection is created lazily; concurrent first callers must
	// not race two pools into existence, and a failed attempt must stay
	// retryable.
	mu  sync.Mutex
	rdb *redis.Client
}

func NewService(cfg Config, index vectordb.Index, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		index:     index,
		log:       logger,
		ttl:       cfg.TTL,
		threshold: cfg.SimilarityThreshold,
	}
}

// SetTunables applies hot-reloaded cache knobs. Out-of-range values are
// ignored so a bad reload cannot break the running cache.
func (s *Service) SetTunables(ttl time.Duration, threshold float64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if ttl > 0 {
		s.ttl = ttl
	}
	if threshold > 0 && threshold <= 1 {
		s.threshold = threshold
	}
}

func (s *Service) tunables() (time.Duration, float64) {
	s.tmu.RLock()
	defer s.tmu.RUnlock()
	return s.ttl, s.threshold
}

// client returns the shared Redis connection, dialing it on first use.
func (s *Service) client(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdb != nil {
		return s.rdb, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache redis connect: %w", err)
	}
	s.rdb = rdb
	return s.rdb, nil
}

// Key derives the exact-tier cache key for an (agent, question) pair.
func Key(agentID, question string) string {
	h := sha256.Sum256([]byte(normalize(question)))
	return fmt.Sprintf("cache:%s:%s", agentID, hex.EncodeToString(h[:]))
}

func normalize(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// pointerPayload is what the vector tier stores per entry.
type pointerPayload struct {
	CacheKey string `json:"cache_key"`
	AgentID  string `json:"agent_id"`
}

// Lookup tries the exact tier, then the semantic tier. embedding may be nil
// to skip the semantic tier. Returns ErrMiss when neither tier matches.
func (s *Service) Lookup(ctx context.Context, question, agentID string, embedding []float32) (*Answer, error) {
	if !s.cfg.Enabled {
		return nil, ErrMiss
	}
	rdb, err := s.client(ctx)
	if err != nil {
		metrics.RecordCacheLookup("error")
		return nil, err
	}

	key := Key(agentID, question)
	if ans, err := s.fetch(ctx, rdb, key); err == nil {
		metrics.RecordCacheLookup("exact_hit")
		return ans, nil
	} else if !errors.Is(err, redis.Nil) {
		metrics.RecordCacheLookup("error")
		return nil, err
	}

	if len(embedding) == 0 {
		metrics.RecordCacheLookup("miss")
		return nil, ErrMiss
	}

	_, threshold := s.tunables()
	filter := vectordb.MatchFilter(map[string]string{"agent_id": agentID})
	hits, err := s.index.Query(ctx, s.cfg.Collection, embedding, 1, threshold, filter)
	if err != nil {
		metrics.RecordCacheLookup("error")
		return nil, fmt.Errorf("semantic tier query: %w", err)
	}
	if len(hits) == 0 {
		metrics.RecordCacheLookup("miss")
		return nil, ErrMiss
	}

	pointedKey, _ := hits[0].Payload["cache_key"].(string)
	if pointedKey == "" {
		metrics.RecordCacheLookup("miss")
		return nil, ErrMiss
	}
	ans, err := s.fetch(ctx, rdb, pointedKey)
	if errors.Is(err, redis.Nil) {
		// The pointed-to entry expired before the pointer vector did.
		metrics.RecordCacheLookup("miss")
		return nil, ErrMiss
	}
	if err != nil {
		metrics.RecordCacheLookup("error")
		return nil, err
	}
	metrics.RecordCacheLookup("semantic_hit")
	return ans, nil
}

func (s *Service) fetch(ctx context.Context, rdb *redis.Client, key string) (*Answer, error) {
	raw, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var ans Answer
	if err := json.Unmarshal(raw, &ans); err != nil {
		return nil, fmt.Errorf("decode cached answer: %w", err)
	}
	return &ans, nil
}

// Store writes the answer under TTL and upserts its pointer vector.
func (s *Service) Store(ctx context.Context, question, agentID string, embedding []float32, answer *Answer) error {
	if !s.cfg.Enabled {
		return nil
	}
	rdb, err := s.client(ctx)
	if err != nil {
		return err
	}

	key := Key(agentID, question)
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	ttl, _ := s.tunables()
	if err := rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store answer: %w", err)
	}

	if len(embedding) == 0 {
		return nil
	}
	payload, _ := json.Marshal(pointerPayload{CacheKey: key, AgentID: agentID})
	var payloadMap map[string]any
	_ = json.Unmarshal(payload, &payloadMap)
	err = s.index.Upsert(ctx, s.cfg.Collection, []vectordb.UpsertItem{{
		ID:      uuid.New().String(),
		Vector:  embedding,
		Payload: payloadMap,
	}})
	if err != nil {
		// The exact tier is already written; a missing pointer only costs a
		// semantic hit, so report without undoing the write.
		return fmt.Errorf("upsert pointer vector: %w", err)
	}
	return nil
}

// ClearAgent removes both tiers for an agent. Returns how many key-value
// entries were deleted. A failure in one tier is reported but does not stop
// the other tier from being cleared.
func (s *Service) ClearAgent(ctx context.Context, agentID string) (int, error) {
	if !s.cfg.Enabled {
		return 0, nil
	}
	var errs []error
	deleted := 0

	rdb, err := s.client(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		pattern := fmt.Sprintf("cache:%s:*", agentID)
		var cursor uint64
		for {
			keys, next, scanErr := rdb.Scan(ctx, cursor, pattern, 512).Result()
			if scanErr != nil {
				errs = append(errs, fmt.Errorf("scan agent keys: %w", scanErr))
				break
			}
			if len(keys) > 0 {
				n, delErr := rdb.Del(ctx, keys...).Result()
				if delErr != nil {
					errs = append(errs, fmt.Errorf("delete agent keys: %w", delErr))
					break
				}
				deleted += int(n)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	filter := vectordb.MatchFilter(map[string]string{"agent_id": agentID})
	if err := s.index.DeleteByFilter(ctx, s.cfg.Collection, filter); err != nil {
		errs = append(errs, fmt.Errorf("delete pointer vectors: %w", err))
	}

	if deleted > 0 {
		metrics.CacheEntriesCleared.Add(float64(deleted))
	}
	if len(errs) > 0 {
		s.log.Warn("agent cache clear incomplete",
			zap.String("agent_id", agentID),
			zap.Int("deleted", deleted),
			zap.Errors("errors", errs),
		)
		return deleted, errors.Join(errs...)
	}
	s.log.Info("agent cache cleared",
		zap.String("agent_id", agentID),
		zap.Int("deleted", deleted),
	)
	return deleted, nil
}

// Close releases the Redis connection if one was created.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdb == nil {
		return nil
	}
	err := s.rdb.Close()
	s.rdb = nil
	return err
}
