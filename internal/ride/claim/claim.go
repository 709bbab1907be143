package claim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultClaimPrefix = "claim:ride:"
	defaultClaimTTL    = 10 * time.Second
)

// RedisStore arbitrates accept attempts across service replicas with SET NX.
// The key holds the claiming driver; a TTL keeps a crashed replica from pinning the ride.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisStore constructs the claim helper.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultClaimPrefix
	}
	return &RedisStore{client: client, keyPrefix: prefix}
}

// TryClaim attempts to claim rideID for driverID using SET NX PX.
func (r *RedisStore) TryClaim(ctx context.Context, rideID, driverID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	ok, err := r.client.SetNX(ctx, r.keyPrefix+rideID.String(), driverID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Holder reports which driver currently holds the claim on rideID.
func (r *RedisStore) Holder(ctx context.Context, rideID uuid.UUID) (uuid.UUID, bool, error) {
	value, err := r.client.Get(ctx, r.keyPrefix+rideID.String()).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis get: %w", err)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse claim holder: %w", err)
	}
	return id, true, nil
}

// Release removes the claim key.
func (r *RedisStore) Release(ctx context.Context, rideID uuid.UUID) error {
	if err := r.client.Del(ctx, r.keyPrefix+rideID.String()).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

type memoryClaim struct {
	driverID uuid.UUID
	expires  time.Time
}

// MemoryStore is the single-process counterpart of RedisStore.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[uuid.UUID]memoryClaim
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, claims: make(map[uuid.UUID]memoryClaim)}
}

func (m *MemoryStore) TryClaim(_ context.Context, rideID, driverID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.claims[rideID]; ok && now.Before(existing.expires) {
		return false, nil
	}
	m.claims[rideID] = memoryClaim{driverID: driverID, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, rideID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, rideID)
	return nil
}
