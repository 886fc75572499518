package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/litmus-labs/litmus/pkg/events"
	"github.com/litmus-labs/litmus/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default stream configuration
const (
	DefaultStreamMaxLen = 10000 // Default max entries per stream
	DefaultKeyPrefix    = "litmus"
)

// Client wraps the Redis client. It holds the persisted sync state slot and fans
// state events out over Pub/Sub, with a capped stream as short history.
type Client struct {
	client       redis.UniversalClient
	logger       *zap.Logger
	prefix       string
	streamMaxLen int64 // Max entries per stream (0 = unlimited)
}

var _ events.Publisher = (*Client)(nil)

// NewClient creates a new Redis client using environment variables for configuration.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
//   - REDIS_PREFIX: key and channel prefix (default: "litmus")
//   - REDIS_STREAM_MAXLEN: Max entries per stream (default: 10000, 0 = unlimited)
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := int(utils.EnvInt64("REDIS_DB", 0))
	prefix := utils.Env("REDIS_PREFIX", DefaultKeyPrefix)
	streamMaxLen := utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.String("prefix", prefix),
		zap.Int64("streamMaxLen", streamMaxLen))

	return NewWithClient(rdb, logger, prefix, streamMaxLen), nil
}

// NewWithClient wraps an existing connection.
func NewWithClient(rdb redis.UniversalClient, logger *zap.Logger, prefix string, streamMaxLen int64) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Client{client: rdb, logger: logger, prefix: prefix, streamMaxLen: streamMaxLen}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// StateKey is the key holding the persisted sync state.
func (c *Client) StateKey() string { return c.prefix + ":state" }

// Channel is the Pub/Sub channel carrying events.
func (c *Client) Channel() string { return c.prefix + ":events" }

// Stream is the capped stream holding recent events.
func (c *Client) Stream() string { return c.prefix + ":events:stream" }

// Save writes the persisted sync state slot.
func (c *Client) Save(ctx context.Context, data []byte) error {
	if err := c.client.Set(ctx, c.StateKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("save state slot: %w", err)
	}
	return nil
}

// Load reads the persisted sync state slot; an absent slot is (nil, nil).
func (c *Client) Load(ctx context.Context) ([]byte, error) {
	data, err := c.client.Get(ctx, c.StateKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state slot: %w", err)
	}
	return data, nil
}

// Publish sends ev on the events channel and appends it to the events stream.
// This is a best-effort operation - errors are logged but not returned
// to prevent failures from affecting the sync pass.
func (c *Client) Publish(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, c.Channel(), payload).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", c.Channel()),
			zap.Error(err))
	}
	c.xadd(ctx, map[string]interface{}{"type": ev.Type, "payload": payload})
	return nil
}

// Subscribe subscribes to the events channel. The caller closes the returned PubSub.
func (c *Client) Subscribe(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, c.Channel())
}

// Recent returns up to count of the newest entries of the events stream, oldest first.
func (c *Client) Recent(ctx context.Context, count int64) ([]redis.XMessage, error) {
	msgs, err := c.client.XRevRangeN(ctx, c.Stream(), "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// xadd adds an entry to the stream. Uses MAXLEN to cap stream size if configured.
func (c *Client) xadd(ctx context.Context, values map[string]interface{}) string {
	args := &redis.XAddArgs{
		Stream: c.Stream(),
		Values: values,
	}

	// Apply MAXLEN if configured (approximate for performance)
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", c.Stream()),
			zap.Error(err))
		return ""
	}
	return id
}
