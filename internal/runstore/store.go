// Package runstore keeps completed screening runs addressable by run_id.
// Runs are stored as serialized JSON so both backends return identical
// payloads.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/confluxscan/confluxscan/internal/cache"
)

// DefaultTTL keeps runs retrievable well past the screening cache window.
const DefaultTTL = time.Hour

const keyPrefix = "confluxscan:run:"

// Store is the run-by-id capability served by GET /api/screener/{runId}.
type Store interface {
	Save(ctx context.Context, runID string, payload interface{}) error
	Get(ctx context.Context, runID string) (json.RawMessage, bool, error)
}

// New picks the backend: Redis when an address is configured, an in-process
// cache otherwise.
func New(redisAddr string, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if redisAddr != "" {
		log.Info().Str("addr", redisAddr).Msg("run store backed by redis")
		return NewRedis(redis.NewClient(&redis.Options{Addr: redisAddr}), ttl)
	}
	return NewMemory(ttl)
}

// MemoryStore holds runs in a SmartCache instance.
type MemoryStore struct {
	c   *cache.SmartCache
	ttl time.Duration
}

// NewMemory builds the in-process backend.
func NewMemory(ttl time.Duration) *MemoryStore {
	cfg := cache.DefaultConfig("runstore")
	cfg.DefaultTTL = ttl
	cfg.MaxItems = 500
	return &MemoryStore{c: cache.New(cfg), ttl: ttl}
}

func (m *MemoryStore) Save(_ context.Context, runID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", runID, err)
	}
	m.c.Set(runID, json.RawMessage(raw), m.ttl)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, runID string) (json.RawMessage, bool, error) {
	v, ok := m.c.Get(runID)
	if !ok {
		return nil, false, nil
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		return nil, false, nil
	}
	return raw, true, nil
}

// Stop terminates the backing cache's cleanup loop.
func (m *MemoryStore) Stop() { m.c.Stop() }

// RedisStore persists runs in Redis so restarts and replicas share them.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Save(ctx context.Context, runID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", runID, err)
	}
	if err := r.client.Set(ctx, keyPrefix+runID, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("store run %s: %w", runID, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, runID string) (json.RawMessage, bool, error) {
	raw, err := r.client.Get(ctx, keyPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load run %s: %w", runID, err)
	}
	return raw, true, nil
}
