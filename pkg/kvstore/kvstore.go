// Package kvstore provides pooled access to the shared key/value store
// (spec C2): typed primitives over strings, hashes, sorted sets, a
// restartable scan cursor, and atomic pipelines. A second client is kept
// for pub/sub so that commands never share a connection with subscriptions.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is absent (redis.Nil is never
// surfaced directly so callers don't need to import go-redis).
var ErrNotFound = errors.New("kvstore: key not found")

// Gateway wraps a command client and a dedicated pub/sub client.
type Gateway struct {
	cmd    *redis.Client
	pubsub *redis.Client
	// OpTimeout bounds each individual operation (spec §4.2's "soft timeout").
	OpTimeout time.Duration
}

// Config holds connection parameters for the KV gateway.
type Config struct {
	Host      string
	Port      int
	Password  string
	DB        int
	OpTimeout time.Duration
}

// NewGateway dials the command and pub/sub clients and verifies connectivity.
func NewGateway(ctx context.Context, cfg Config) (*Gateway, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	opts := &redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}

	cmd := redis.NewClient(opts)
	if err := cmd.Ping(ctx).Err(); err != nil {
		_ = cmd.Close()
		return nil, fmt.Errorf("pinging kv store: %w", err)
	}

	pubsub := redis.NewClient(opts)
	if err := pubsub.Ping(ctx).Err(); err != nil {
		_ = cmd.Close()
		_ = pubsub.Close()
		return nil, fmt.Errorf("pinging kv store pubsub connection: %w", err)
	}

	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}

	return &Gateway{cmd: cmd, pubsub: pubsub, OpTimeout: timeout}, nil
}

// NewGatewayFromClients wraps already-constructed clients (used by tests
// against miniredis, which only needs a single in-process fake server).
func NewGatewayFromClients(cmd, pubsub *redis.Client, opTimeout time.Duration) *Gateway {
	if opTimeout <= 0 {
		opTimeout = 200 * time.Millisecond
	}
	return &Gateway{cmd: cmd, pubsub: pubsub, OpTimeout: opTimeout}
}

// Close releases both connections.
func (g *Gateway) Close() error {
	err1 := g.cmd.Close()
	err2 := g.pubsub.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Client exposes the raw command client for operations this wrapper
// doesn't enumerate one-by-one.
func (g *Gateway) Client() *redis.Client {
	return g.cmd
}

// PubSub exposes the dedicated subscription client.
func (g *Gateway) PubSub() *redis.Client {
	return g.pubsub
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.OpTimeout)
}

// retryable runs op with capped exponential backoff for transient failures.
// Permanent failures (including redis.Nil, which is a normal "absent" signal,
// not a fault) are returned immediately without retrying.
func retryable(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 1 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		// redis.Nil ("absent key") and command-level errors are not
		// transient; surface them to the caller instead of retrying.
		if errors.Is(err, redis.Nil) || isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// isPermanent reports whether err is a command/argument-level failure
// (e.g. WRONGTYPE) that retrying will never fix. Network timeouts and
// context cancellation are left to the backoff loop instead.
func isPermanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr interface{ Timeout() bool }
	return !errors.As(err, &netErr)
}

// Get returns the string at key, or ErrNotFound if absent.
func (g *Gateway) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var val string
	err := retryable(ctx, func() error {
		v, err := g.cmd.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kvstore get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value at key with the given TTL (0 means no expiry).
func (g *Gateway) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return retryable(ctx, func() error {
		return g.cmd.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes one or more keys.
func (g *Gateway) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return retryable(ctx, func() error {
		return g.cmd.Del(ctx, keys...).Err()
	})
}

// Incr atomically increments key and returns the new value.
func (g *Gateway) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var n int64
	err := retryable(ctx, func() error {
		v, err := g.cmd.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// Expire sets a TTL on an existing key.
func (g *Gateway) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return retryable(ctx, func() error {
		return g.cmd.Expire(ctx, key, ttl).Err()
	})
}

// HSet sets a single hash field.
func (g *Gateway) HSet(ctx context.Context, key, field, value string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return retryable(ctx, func() error {
		return g.cmd.HSet(ctx, key, field, value).Err()
	})
}

// HSetNX sets a hash field only if it does not already exist; returns
// whether it was newly set (used by the queue's dedup-by-jobId, spec §4.7).
func (g *Gateway) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var set bool
	err := retryable(ctx, func() error {
		v, err := g.cmd.HSetNX(ctx, key, field, value).Result()
		if err != nil {
			return err
		}
		set = v
		return nil
	})
	return set, err
}

// HGet reads a single hash field.
func (g *Gateway) HGet(ctx context.Context, key, field string) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var val string
	err := retryable(ctx, func() error {
		v, err := g.cmd.HGet(ctx, key, field).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// HGetAll reads every field of a hash.
func (g *Gateway) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var val map[string]string
	err := retryable(ctx, func() error {
		v, err := g.cmd.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// ZAdd adds a member with the given score to a sorted set.
func (g *Gateway) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return retryable(ctx, func() error {
		return g.cmd.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRemRangeByScore evicts members scored within [min, max].
func (g *Gateway) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return retryable(ctx, func() error {
		return g.cmd.ZRemRangeByScore(ctx, key, min, max).Err()
	})
}

// ZCard returns the cardinality of a sorted set.
func (g *Gateway) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var n int64
	err := retryable(ctx, func() error {
		v, err := g.cmd.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// ZRemRangeByRank evicts members ranked within [start, stop] (ascending,
// 0-indexed, inclusive) — used to cap a sorted set at a fixed size.
func (g *Gateway) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return retryable(ctx, func() error {
		return g.cmd.ZRemRangeByRank(ctx, key, start, stop).Err()
	})
}

// ZRangeByScoreWithScores returns members scored within [min, max], ascending.
func (g *Gateway) ZRangeByScoreWithScores(ctx context.Context, key, min, max string) ([]redis.Z, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var zs []redis.Z
	err := retryable(ctx, func() error {
		v, err := g.cmd.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
		if err != nil {
			return err
		}
		zs = v
		return nil
	})
	return zs, err
}

// ScanCursor is a restartable iterator over keys matching a glob pattern.
type ScanCursor struct {
	gw      *Gateway
	pattern string
	cursor  uint64
	done    bool
}

// Scan returns a restartable cursor over keys matching pattern.
func (g *Gateway) Scan(pattern string) *ScanCursor {
	return &ScanCursor{gw: g, pattern: pattern}
}

// Next returns the next batch of matching keys. ok is false once exhausted.
func (c *ScanCursor) Next(ctx context.Context) (keys []string, ok bool, err error) {
	if c.done {
		return nil, false, nil
	}
	ctx, cancel := c.gw.withTimeout(ctx)
	defer cancel()

	keys, cursor, err := c.gw.cmd.Scan(ctx, c.cursor, c.pattern, 100).Result()
	if err != nil {
		return nil, false, fmt.Errorf("kvstore scan %s: %w", c.pattern, err)
	}
	c.cursor = cursor
	if cursor == 0 {
		c.done = true
	}
	return keys, true, nil
}

// Pipeliner batches commands for a single round trip to the server.
type Pipeliner = redis.Pipeliner

// Pipeline starts a new pipeline against the command connection.
func (g *Gateway) Pipeline() Pipeliner {
	return g.cmd.Pipeline()
}

// RPush appends value to the tail of a list (the claim queue's FIFO order).
func (g *Gateway) RPush(ctx context.Context, key string, value string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return retryable(ctx, func() error {
		return g.cmd.RPush(ctx, key, value).Err()
	})
}

// LPop pops the head of a list. ok is false when the list is empty.
func (g *Gateway) LPop(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var val string
	err := retryable(ctx, func() error {
		v, err := g.cmd.LPop(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore lpop %s: %w", key, err)
	}
	return val, true, nil
}

// LLen returns the length of a list.
func (g *Gateway) LLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var n int64
	err := retryable(ctx, func() error {
		v, err := g.cmd.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}
