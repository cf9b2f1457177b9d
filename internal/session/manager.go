// Package session stores conversation history in Redis with a small
// in-process cache in front. History is bounded per conversation so a
// long-running chat never grows a session record without limit.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/circuitbreaker"
	"github.com/ragline/ragline/internal/metrics"
)

// Config controls the session manager.
type Config struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
	MaxTurns  int           `mapstructure:"max_turns"`
	MaxLocal  int           `mapstructure:"max_local"`
}

func (c *Config) withDefaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 50
	}
	if c.MaxLocal <= 0 {
		c.MaxLocal = 10000
	}
}

// Manager handles conversation persistence with a Redis backend.
type Manager struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	cfg    Config

	mu          sync.RWMutex
	localCache  map[string]*Conversation
	cacheAccess map[string]time.Time // last access, for LRU eviction
}

// NewManager dials Redis and verifies the connection.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	cfg.withDefaults()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Manager{
		client:      client,
		logger:      logger,
		cfg:         cfg,
		localCache:  make(map[string]*Conversation),
		cacheAccess: make(map[string]time.Time),
	}, nil
}

// NewManagerWithClient wires an existing Redis client; used by tests.
func NewManagerWithClient(cfg Config, client *redis.Client, logger *zap.Logger) *Manager {
	cfg.withDefaults()
	return &Manager{
		client:      circuitbreaker.NewRedisWrapper(client, logger),
		logger:      logger,
		cfg:         cfg,
		localCache:  make(map[string]*Conversation),
		cacheAccess: make(map[string]time.Time),
	}
}

// AppendTurn records a turn, creating the conversation on first use. History
// is trimmed to the configured bound, oldest turns first.
func (m *Manager) AppendTurn(ctx context.Context, sessionID, agentID string, turn Turn) error {
	conv, err := m.load(ctx, sessionID)
	if err == ErrNotFound {
		now := time.Now()
		conv = &Conversation{
			ID:        sessionID,
			AgentID:   agentID,
			CreatedAt: now,
		}
		metrics.SessionsActive.Inc()
	} else if err != nil {
		return err
	}

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	conv.Turns = append(conv.Turns, turn)
	if len(conv.Turns) > m.cfg.MaxTurns {
		conv.Turns = conv.Turns[len(conv.Turns)-m.cfg.MaxTurns:]
	}
	conv.UpdatedAt = time.Now()

	if err := m.save(ctx, conv); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	m.mu.Lock()
	m.localCache[sessionID] = conv
	m.cacheAccess[sessionID] = time.Now()
	m.evictLocal()
	m.mu.Unlock()
	return nil
}

// History returns the most recent turns, newest last. limit <= 0 means all
// retained turns. A missing conversation yields an empty history, not an
// error.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	conv, err := m.load(ctx, sessionID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	turns := conv.Turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Reset deletes a conversation from both tiers.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, m.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.localCache[sessionID]; ok {
		delete(m.localCache, sessionID)
		delete(m.cacheAccess, sessionID)
		metrics.SessionsActive.Dec()
	}
	m.mu.Unlock()

	m.logger.Info("Conversation reset", zap.String("session_id", sessionID))
	return nil
}

func (m *Manager) key(sessionID string) string {
	return fmt.Sprintf("conv:%s", sessionID)
}

// load returns a private copy of the conversation. Handing out the cached
// object would let a concurrent AppendTurn mutate Turns under a reader.
func (m *Manager) load(ctx context.Context, sessionID string) (*Conversation, error) {
	m.mu.RLock()
	cached, ok := m.localCache[sessionID]
	var cp *Conversation
	if ok {
		cp = cached.clone()
	}
	m.mu.RUnlock()
	if ok {
		m.mu.Lock()
		m.cacheAccess[sessionID] = time.Now()
		m.mu.Unlock()
		return cp, nil
	}

	data, err := m.client.Get(ctx, m.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}

	m.mu.Lock()
	m.localCache[sessionID] = &conv
	m.cacheAccess[sessionID] = time.Now()
	m.evictLocal()
	m.mu.Unlock()
	return conv.clone(), nil
}

func (m *Manager) save(ctx context.Context, conv *Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return m.client.Set(ctx, m.key(conv.ID), data, m.cfg.TTL).Err()
}

// evictLocal drops the least recently used half once the local cache
// overflows. Caller holds m.mu.
func (m *Manager) evictLocal() {
	if len(m.localCache) <= m.cfg.MaxLocal {
		return
	}

	type accessEntry struct {
		id   string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, accessEntry{id: id, time: m.cacheAccess[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}

	toRemove := m.cfg.MaxLocal / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
	}
}

func (m *Manager) Close() error {
	return m.client.Close()
}
