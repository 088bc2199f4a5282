package nlp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"fleet-compiler/internal/common/logger"
)

// Cache stores validated model payloads keyed by exact input. Concurrent
// writers on one key may both write; the values are identical for identical
// input so last-write-wins is fine.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]interface{}, bool)
	Set(ctx context.Context, key string, payload map[string]interface{})
}

// cacheKey hashes the parts that determine a stage's output.
func cacheKey(stage string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "nlp:" + stage + ":" + hex.EncodeToString(h.Sum(nil))
}

// Payloads are stored encoded so callers never share a map with the cache.
func encodePayload(payload map[string]interface{}) ([]byte, bool) {
	data, err := json.Marshal(payload)
	return data, err == nil
}

func decodeCached(data []byte) (map[string]interface{}, bool) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// MemoryCache is a bounded in-process cache with per-entry TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (map[string]interface{}, bool) {
	data, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return decodeCached(data)
}

func (c *MemoryCache) Set(_ context.Context, key string, payload map[string]interface{}) {
	if data, ok := encodePayload(payload); ok {
		c.lru.Add(key, data)
	}
}

func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// RedisCache shares payloads across service instances. Redis failures are
// logged and read as misses; they never fail a stage.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger logger.Logger
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration, log logger.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger.Component(log, "nlp-cache")}
}

func (c *RedisCache) Get(ctx context.Context, key string) (map[string]interface{}, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Redis cache read failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return nil, false
	}
	payload, ok := decodeCached(data)
	if !ok {
		c.logger.Warn("Discarding undecodable cache entry", map[string]interface{}{"key": key})
	}
	return payload, ok
}

func (c *RedisCache) Set(ctx context.Context, key string, payload map[string]interface{}) {
	data, ok := encodePayload(payload)
	if !ok {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Redis cache write failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// TieredCache reads the local tier first and fills it from the shared tier.
type TieredCache struct {
	local  Cache
	shared Cache
}

func NewTieredCache(local, shared Cache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

func (c *TieredCache) Get(ctx context.Context, key string) (map[string]interface{}, bool) {
	if payload, ok := c.local.Get(ctx, key); ok {
		return payload, true
	}
	payload, ok := c.shared.Get(ctx, key)
	if ok {
		c.local.Set(ctx, key, payload)
	}
	return payload, ok
}

func (c *TieredCache) Set(ctx context.Context, key string, payload map[string]interface{}) {
	c.local.Set(ctx, key, payload)
	c.shared.Set(ctx, key, payload)
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (map[string]interface{}, bool) { return nil, false }
func (noopCache) Set(context.Context, string, map[string]interface{})        {}

// NoopCache disables caching.
func NoopCache() Cache { return noopCache{} }
