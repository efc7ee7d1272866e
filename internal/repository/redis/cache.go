// Package redis provides Redis caching and pub/sub functionality.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/config"
	"github.com/virtforge/virtforge/internal/domain"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Pub/sub channels for real-time consumers.
const (
	EventChannelMigrations = "events:migration"
	EventChannelNodes      = "events:node"
)

// Cache wraps a Redis client for caching and pub/sub operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &Cache{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes a key from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// =============================================================================
// Cluster Health Cache
// =============================================================================

// Cluster health reports aggregate the whole pool, so they are cached only
// briefly.
const (
	clusterHealthKey = "cluster:health"
	clusterHealthTTL = 15 * time.Second
)

// GetClusterHealth retrieves the cached cluster health report. A miss or a
// transport error returns false; neither blocks the caller from assembling
// a fresh report.
func (c *Cache) GetClusterHealth(ctx context.Context) (*domain.ClusterHealth, bool) {
	var health domain.ClusterHealth
	if err := c.Get(ctx, clusterHealthKey, &health); err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Cluster health cache read failed", zap.Error(err))
		}
		return nil, false
	}
	return &health, true
}

// SetClusterHealth caches a cluster health report.
func (c *Cache) SetClusterHealth(ctx context.Context, health *domain.ClusterHealth) {
	if err := c.Set(ctx, clusterHealthKey, health, clusterHealthTTL); err != nil {
		c.logger.Warn("Cluster health cache write failed", zap.Error(err))
	}
}

// InvalidateClusterHealth drops the cached report, forcing the next read
// to reassemble it.
func (c *Cache) InvalidateClusterHealth(ctx context.Context) error {
	return c.Delete(ctx, clusterHealthKey)
}

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// Event represents a real-time event.
type Event struct {
	Type       string      `json:"type"` // "migration.copying_disk", "node.unhealthy", etc.
	ResourceID string      `json:"resource_id"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, event Event) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to one or more channels and returns a message
// channel that closes when ctx is cancelled.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Event {
	pubsub := c.client.Subscribe(ctx, channels...)
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				events <- event
			}
		}
	}()

	return events
}

// PublishMigrationEvent publishes a migration stage/state transition. The
// event type names the job's stage while it runs and its terminal state
// once finished.
func (c *Cache) PublishMigrationEvent(ctx context.Context, job *domain.MigrationJob) error {
	label := string(job.Stage)
	if job.State.Terminal() {
		label = string(job.State)
	}
	return c.Publish(ctx, EventChannelMigrations, Event{
		Type:       "migration." + strings.ToLower(label),
		ResourceID: job.ID,
		Data:       job,
	})
}

// PublishNodeEvent publishes a node-related event.
func (c *Cache) PublishNodeEvent(ctx context.Context, eventType string, node *domain.ComputeNode) error {
	return c.Publish(ctx, EventChannelNodes, Event{
		Type:       eventType,
		ResourceID: node.ID,
		Data:       node,
	})
}

// =============================================================================
// Rate Limiting
// =============================================================================

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// CheckRateLimit checks if a request is within rate limits.
// Uses a sliding window algorithm.
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := c.client.Pipeline()

	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	pipe.Expire(ctx, key, window)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := countCmd.Val()
	allowed := count < limit
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}, nil
}
