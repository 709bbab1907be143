package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores provider-backed estimates by quantized endpoint pair.
type Cache interface {
	Get(ctx context.Context, originKey, destinationKey string) (RouteEstimate, bool, error)
	Put(ctx context.Context, est RouteEstimate, ttl time.Duration) error
}

func cacheKey(originKey, destinationKey string) string {
	return originKey + "|" + destinationKey
}

type cachedEstimate struct {
	est     RouteEstimate
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]cachedEstimate
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]cachedEstimate), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, originKey, destinationKey string) (RouteEstimate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cacheKey(originKey, destinationKey)
	item, ok := m.items[key]
	if !ok {
		return RouteEstimate{}, false, nil
	}
	if m.now().After(item.expires) {
		delete(m.items, key)
		return RouteEstimate{}, false, nil
	}
	return item.est, true, nil
}

func (m *MemoryCache) Put(_ context.Context, est RouteEstimate, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[cacheKey(est.OriginKey, est.DestinationKey)] = cachedEstimate{est: est, expires: m.now().Add(ttl)}
	return nil
}

// RedisCache shares estimates between location service replicas.
type RedisCache struct {
	client redis.Cmdable
	prefix string
}

func NewRedisCache(client redis.Cmdable, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "route:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) Get(ctx context.Context, originKey, destinationKey string) (RouteEstimate, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+cacheKey(originKey, destinationKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RouteEstimate{}, false, nil
	}
	if err != nil {
		return RouteEstimate{}, false, fmt.Errorf("route cache get: %w", err)
	}
	var est RouteEstimate
	if err := json.Unmarshal(raw, &est); err != nil {
		return RouteEstimate{}, false, fmt.Errorf("route cache decode: %w", err)
	}
	return est, true, nil
}

func (r *RedisCache) Put(ctx context.Context, est RouteEstimate, ttl time.Duration) error {
	raw, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("route cache encode: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+cacheKey(est.OriginKey, est.DestinationKey), raw, ttl).Err(); err != nil {
		return fmt.Errorf("route cache set: %w", err)
	}
	return nil
}
