// Package cache provides short-lived caching of provider model lists.
// Listing models costs an upstream round-trip per call; lists change
// rarely, so a small TTL removes most of that traffic. Supports in-memory
// (single instance) and Redis (distributed) backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenchat/gateway/internal/domain"
)

// ModelListCache stores model lists keyed by provider and credential hash.
type ModelListCache interface {
	Get(ctx context.Context, key string) ([]string, bool)
	Set(ctx context.Context, key string, models []string, ttl time.Duration) error
}

// GenerateKey builds a cache key from the provider name and its config.
// Hashing the config means a credential or endpoint change misses the
// cache instead of serving another account's model list.
func GenerateKey(provider string, cfg domain.ProviderConfig) string {
	data, _ := json.Marshal(struct {
		Provider string   `json:"provider"`
		APIKey   string   `json:"api_key,omitempty"`
		BaseURL  string   `json:"base_url,omitempty"`
		Region   string   `json:"region,omitempty"`
		Models   []string `json:"models,omitempty"`
	}{
		Provider: provider,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Region:   cfg.Region,
		Models:   cfg.Models,
	})

	hash := sha256.Sum256(data)
	return "models:" + provider + ":" + hex.EncodeToString(hash[:16])
}

type InMemoryCache struct {
	mu       sync.RWMutex
	items    map[string]*cacheItem
	stop     chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	models    []string
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]*cacheItem),
		stop:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		return nil, false
	}

	return item.models, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, models []string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem{
		models:    models,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Stop terminates the cleanup goroutine.
func (c *InMemoryCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]string, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var models []string
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, false
	}

	return models, true
}

func (c *RedisCache) Set(ctx context.Context, key string, models []string, ttl time.Duration) error {
	data, err := json.Marshal(models)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
