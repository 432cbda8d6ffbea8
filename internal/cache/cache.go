package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Job Status Cache Operations
//
// The dashboard polls job status on a short interval; a small TTL here
// keeps that loop off the database without serving stale terminal states
// for long.

// SetJobStatus caches a job status payload
func (c *Cache) SetJobStatus(ctx context.Context, jobID string, payload interface{}, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job status: %w", err)
	}

	key := fmt.Sprintf("job:status:%s", jobID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetJobStatus retrieves a cached job status payload into dest. It reports
// false on a cache miss.
func (c *Cache) GetJobStatus(ctx context.Context, jobID string, dest interface{}) (bool, error) {
	key := fmt.Sprintf("job:status:%s", jobID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil // Cache miss
		}
		return false, fmt.Errorf("failed to get job status from cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal job status: %w", err)
	}

	return true, nil
}

// DeleteJobStatus removes a job status payload from cache
func (c *Cache) DeleteJobStatus(ctx context.Context, jobID string) error {
	key := fmt.Sprintf("job:status:%s", jobID)
	return c.client.Del(ctx, key).Err()
}

// Entitlement Cache Operations

// SetEntitlement caches an entitlement snapshot
func (c *Cache) SetEntitlement(ctx context.Context, ent *models.EntitlementRecord, ttl time.Duration) error {
	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	key := fmt.Sprintf("entitlement:%s", ent.UserID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetEntitlement retrieves an entitlement snapshot from cache
func (c *Cache) GetEntitlement(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	key := fmt.Sprintf("entitlement:%s", userID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get entitlement from cache: %w", err)
	}

	var ent models.EntitlementRecord
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}

	return &ent, nil
}

// DeleteEntitlement removes an entitlement snapshot from cache. Called
// after every usage settlement so the dashboard never shows a stale
// counter.
func (c *Cache) DeleteEntitlement(ctx context.Context, userID string) error {
	key := fmt.Sprintf("entitlement:%s", userID)
	return c.client.Del(ctx, key).Err()
}

// Slot Cache Operations

// SetUserSlots caches a user's slot ledger view
func (c *Cache) SetUserSlots(ctx context.Context, userID string, slots []*models.SlotRecord, ttl time.Duration) error {
	data, err := json.Marshal(slots)
	if err != nil {
		return fmt.Errorf("failed to marshal slots: %w", err)
	}

	key := fmt.Sprintf("slots:%s", userID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetUserSlots retrieves a user's slot ledger view from cache
func (c *Cache) GetUserSlots(ctx context.Context, userID string) ([]*models.SlotRecord, error) {
	key := fmt.Sprintf("slots:%s", userID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get slots from cache: %w", err)
	}

	var slots []*models.SlotRecord
	if err := json.Unmarshal(data, &slots); err != nil {
		return nil, fmt.Errorf("failed to unmarshal slots: %w", err)
	}

	return slots, nil
}

// DeleteUserSlots removes a user's slot ledger view from cache
func (c *Cache) DeleteUserSlots(ctx context.Context, userID string) error {
	key := fmt.Sprintf("slots:%s", userID)
	return c.client.Del(ctx, key).Err()
}

// Rate Limiting Operations

// CheckRateLimit checks if a rate limit has been exceeded
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)

	// Increment counter
	count, err := c.client.Incr(ctx, rateLimitKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	// Set expiry on first request
	if count == 1 {
		if err := c.client.Expire(ctx, rateLimitKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set expiry: %w", err)
		}
	}

	// Check if limit exceeded
	return count <= limit, nil
}

// Locking Operations for Distributed Systems

// AcquireJobLock attempts to take the processing lock for a job so two
// workers never drive the same job concurrently.
func (c *Cache) AcquireJobLock(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:job:%s", jobID)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseJobLock releases the processing lock for a job
func (c *Cache) ReleaseJobLock(ctx context.Context, jobID string) error {
	key := fmt.Sprintf("lock:job:%s", jobID)
	return c.client.Del(ctx, key).Err()
}

// Exists checks if a key exists
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
