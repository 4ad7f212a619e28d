package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/shepherd/internal/core/domain"
)

// Client wraps Redis operations for the restart request queue.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func queueKey() string {
	return "restart_requests"
}

func lockKey(id domain.SourceID) string {
	return fmt.Sprintf("restarting:%d", id)
}

// PushRestart enqueues a restart request for a source. Requests are ordered
// by enqueue time and deduplicated by source id.
func (c *Client) PushRestart(ctx context.Context, id domain.SourceID) error {
	member := strconv.FormatUint(uint64(id), 10)
	score := float64(time.Now().UnixNano())

	if err := c.rdb.ZAddNX(ctx, queueKey(), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// PopRestart pops the oldest restart request from the queue.
func (c *Client) PopRestart(ctx context.Context) (domain.SourceID, bool, error) {
	results, err := c.rdb.ZPopMin(ctx, queueKey(), 1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return 0, false, nil
	}

	member, ok := results[0].Member.(string)
	if !ok {
		return 0, false, fmt.Errorf("unexpected member type %T", results[0].Member)
	}
	id, err := strconv.ParseUint(member, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid source id %q: %w", member, err)
	}
	return domain.SourceID(id), true, nil
}

// PendingRestarts returns all queued restart requests in order.
func (c *Client) PendingRestarts(ctx context.Context) ([]domain.SourceID, error) {
	members, err := c.rdb.ZRange(ctx, queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	out := make([]domain.SourceID, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid source id %q: %w", m, err)
		}
		out = append(out, domain.SourceID(id))
	}
	return out, nil
}

// AcquireLock attempts to take the restart lock for a source so concurrent
// workers do not restart the same source twice.
func (c *Client) AcquireLock(ctx context.Context, id domain.SourceID, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(id), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases a restart lock.
func (c *Client) ReleaseLock(ctx context.Context, id domain.SourceID) error {
	return c.rdb.Del(ctx, lockKey(id)).Err()
}
