package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinyland-inc/dingclaw/pkg/config"
	"github.com/tinyland-inc/dingclaw/pkg/providers"
)

// HistoryStore keeps the rolling conversation for each session key.
type HistoryStore interface {
	Load(ctx context.Context, sessionKey string) ([]providers.Message, error)
	Append(ctx context.Context, sessionKey string, msgs ...providers.Message) error
	Reset(ctx context.Context, sessionKey string) error
}

const defaultMaxMessages = 50

// NewHistoryStore builds the backend named in cfg.
func NewHistoryStore(cfg config.HistoryConfig) (HistoryStore, error) {
	switch cfg.Backend {
	case "", config.HistoryMemory:
		return NewMemoryHistory(cfg.MaxMessages), nil
	case config.HistoryRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("history: parse redis url: %w", err)
		}
		ttl := time.Duration(cfg.TTLMinutes) * time.Minute
		return NewRedisHistory(redis.NewClient(opts), cfg.MaxMessages, ttl), nil
	default:
		return nil, fmt.Errorf("history: unknown backend %q", cfg.Backend)
	}
}

func trimHistory(msgs []providers.Message, max int) []providers.Message {
	if max > 0 && len(msgs) > max {
		return msgs[len(msgs)-max:]
	}
	return msgs
}

// MemoryHistory is an in-process HistoryStore.
type MemoryHistory struct {
	max int

	mu   sync.Mutex
	data map[string][]providers.Message
}

func NewMemoryHistory(maxMessages int) *MemoryHistory {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	return &MemoryHistory{max: maxMessages, data: make(map[string][]providers.Message)}
}

func (h *MemoryHistory) Load(_ context.Context, sessionKey string) ([]providers.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]providers.Message(nil), h.data[sessionKey]...), nil
}

func (h *MemoryHistory) Append(_ context.Context, sessionKey string, msgs ...providers.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[sessionKey] = trimHistory(append(h.data[sessionKey], msgs...), h.max)
	return nil
}

func (h *MemoryHistory) Reset(_ context.Context, sessionKey string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.data, sessionKey)
	return nil
}

const historyKeyPrefix = "dingclaw:history:"

// RedisHistory stores each session's history as one JSON list value with a
// sliding TTL, so several bridge processes can share conversations.
type RedisHistory struct {
	rdb *redis.Client
	max int
	ttl time.Duration

	// mu serializes read-modify-write appends from this process.
	mu sync.Mutex
}

func NewRedisHistory(rdb *redis.Client, maxMessages int, ttl time.Duration) *RedisHistory {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	return &RedisHistory{rdb: rdb, max: maxMessages, ttl: ttl}
}

func (h *RedisHistory) Load(ctx context.Context, sessionKey string) ([]providers.Message, error) {
	data, err := h.rdb.Get(ctx, historyKeyPrefix+sessionKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return []providers.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var history []providers.Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return history, nil
}

func (h *RedisHistory) Append(ctx context.Context, sessionKey string, msgs ...providers.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	history, err := h.Load(ctx, sessionKey)
	if err != nil {
		return err
	}
	history = trimHistory(append(history, msgs...), h.max)

	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := h.rdb.Set(ctx, historyKeyPrefix+sessionKey, data, h.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (h *RedisHistory) Reset(ctx context.Context, sessionKey string) error {
	if err := h.rdb.Del(ctx, historyKeyPrefix+sessionKey).Err(); err != nil {
		return fmt.Errorf("failed to reset history: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (h *RedisHistory) Ping(ctx context.Context) error {
	return h.rdb.Ping(ctx).Err()
}

func (h *RedisHistory) Close() error {
	return h.rdb.Close()
}
