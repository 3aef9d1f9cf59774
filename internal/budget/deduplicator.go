package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator suppresses repeat alerts for the same tenant and level.
// The Redis variant deduplicates across gateway instances.
type AlertDeduplicator interface {
	// ShouldAlert reports whether an alert for this tenant/level is new and
	// should be dispatched.
	ShouldAlert(ctx context.Context, tenantID string, level AlertLevel) bool

	// ClearAlert drops the alert state for a tenant, re-arming all levels.
	// Called when spend falls back below the warning threshold (day rollover).
	ClearAlert(ctx context.Context, tenantID string)
}

type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, tenantID string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastAlerts[tenantID]; ok && last == level {
		return false
	}

	d.lastAlerts[tenantID] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, tenantID)
}

// RedisDeduplicator uses SETNX so only one instance dispatches a given
// alert. Keys expire after lockTTL; budget buckets roll daily, so 24h is
// the natural TTL.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(tenantID string, level AlertLevel) string {
	return fmt.Sprintf("gateway:budget:alert:%s:%s", tenantID, level)
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, tenantID string, level AlertLevel) bool {
	key := d.alertKey(tenantID, level)

	acquired, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// Fail open: a Redis outage should not silence budget alerts.
		return true
	}

	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, tenantID string) {
	pattern := fmt.Sprintf("gateway:budget:alert:%s:*", tenantID)
	keys, err := d.client.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}

	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
