package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"olmoplayground/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// NewRedisClient creates the redis client from app config.
func NewRedisClient(cfg config.RedisConfig) (*Client, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	return Dial(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Dial connects with explicit options and pings the server.
func Dial(opts *redis.Options) (*Client, error) {
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

// Set stores a key with TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a key only when it does not exist yet.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if c == nil || c.inner == nil {
		return false, errNotInitialized
	}
	return c.inner.SetNX(ctx, key, value, ttl).Result()
}

// Get fetches the key as string.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c == nil || c.inner == nil {
		return "", errNotInitialized
	}
	return c.inner.Get(ctx, key).Result()
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Incr increments a counter and refreshes its ttl.
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if c == nil || c.inner == nil {
		return 0, errNotInitialized
	}
	pipe := c.inner.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Decr decrements a counter and drops it once it reaches zero.
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	if c == nil || c.inner == nil {
		return 0, errNotInitialized
	}
	n, err := c.inner.Decr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return n, c.inner.Del(ctx, key).Err()
	}
	return n, nil
}

// TTL returns key ttl.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if c == nil || c.inner == nil {
		return 0, errNotInitialized
	}
	return c.inner.TTL(ctx, key).Result()
}

// Schedule adds member to a sorted set scored by the time it becomes due.
func (c *Client) Schedule(ctx context.Context, key, member string, due time.Time) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.ZAdd(ctx, key, redis.Z{Score: float64(due.UnixMilli()), Member: member}).Err()
}

// ClaimDue removes and returns up to limit members whose due time has passed.
// A member is returned to exactly one caller even with concurrent claimers.
func (c *Client) ClaimDue(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	if c == nil || c.inner == nil {
		return nil, errNotInitialized
	}
	members, err := c.inner.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	claimed := make([]string, 0, len(members))
	for _, m := range members {
		removed, err := c.inner.ZRem(ctx, key, m).Result()
		if err != nil {
			return claimed, err
		}
		if removed == 1 {
			claimed = append(claimed, m)
		}
	}
	return claimed, nil
}

// XAdd appends a message to a stream.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	if c == nil || c.inner == nil {
		return "", errNotInitialized
	}
	return c.inner.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// XRead blocks up to block for entries after lastID on a single stream.
func (c *Client) XRead(ctx context.Context, stream, lastID string, block time.Duration) ([]redis.XMessage, error) {
	if c == nil || c.inner == nil {
		return nil, errNotInitialized
	}
	res, err := c.inner.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Block:   block,
		Count:   64,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// HasConsumerGroup reports whether any consumer group reads the stream.
func (c *Client) HasConsumerGroup(ctx context.Context, stream string) (bool, error) {
	if c == nil || c.inner == nil {
		return false, errNotInitialized
	}
	groups, err := c.inner.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return false, nil
		}
		return false, err
	}
	return len(groups) > 0, nil
}

// Exists reports whether key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	if c == nil || c.inner == nil {
		return false, errNotInitialized
	}
	n, err := c.inner.Exists(ctx, key).Result()
	return n > 0, err
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
