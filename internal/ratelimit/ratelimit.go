// Package ratelimit implements spec C4: a per-user sliding window and a
// per-IP fixed window, both stateless between calls with the KV store as
// the sole shared state. Grounded on wisbric-nightowl/internal/auth's
// Incr+Expire idiom, extended to a sorted-set sliding window per the
// spec's explicit call-out that a naive fixed window admits
// burst-at-boundary traffic. The user window is built on
// kvstore.Pipeline() so eviction, admission, and bookkeeping happen as a
// single round trip rather than racing against concurrent callers between
// separate requests.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KVStore is the subset of pkg/kvstore.Gateway the limiter needs.
type KVStore interface {
	Pipeline() redis.Pipeliner
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Decision is the outcome of an admission check (spec §4.4). Max records
// which window (user or IP) produced the decision, so the HTTP boundary
// can report a consistent Limit/Remaining pair regardless of which check
// rejected the request.
type Decision struct {
	Allowed   bool
	Max       int
	Remaining int
	Reset     time.Time
}

// Limiter checks per-user sliding windows and per-IP fixed windows.
type Limiter struct {
	kv KVStore
}

// New constructs a Limiter over the given KV store.
func New(kv KVStore) *Limiter {
	return &Limiter{kv: kv}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// UserWindow implements the per-user sliding window of spec §4.4: evict
// entries older than now-window, record the current attempt, read the
// resulting count, and refresh the TTL — all four commands queued on one
// kvstore.Pipeline() and executed as a single round trip (spec §5.4). The
// attempt is recorded unconditionally, including rejected ones, so a
// client that retries past its limit cannot inflate its own admission
// window by never counting the rejected calls.
func (l *Limiter) UserWindow(ctx context.Context, userID string, max int, window time.Duration) (Decision, error) {
	key := fmt.Sprintf("rate:user:%s", userID)
	now := nowMillis()
	cutoff := now - window.Milliseconds()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	pipe := l.kv.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("pipeline user rate window: %w", err)
	}

	n := card.Val()
	allowed := n <= int64(max)
	remaining := max - int(n)
	if remaining < 0 {
		remaining = 0
	}

	reset := time.Now().Add(window)
	if zs, err := oldest.Result(); err == nil && len(zs) > 0 {
		reset = time.UnixMilli(int64(zs[0].Score)).Add(window)
	}

	return Decision{Allowed: allowed, Max: max, Remaining: remaining, Reset: reset}, nil
}

// IPWindow implements the per-IP fixed window of spec §4.4: INCR the
// counter, and only on the very first increment of the window set its
// expiry.
func (l *Limiter) IPWindow(ctx context.Context, addr string, max int, window time.Duration) (Decision, error) {
	key := fmt.Sprintf("rate:ip:%s", addr)

	n, err := l.kv.Incr(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("increment ip counter: %w", err)
	}
	if n == 1 {
		if err := l.kv.Expire(ctx, key, window); err != nil {
			return Decision{}, fmt.Errorf("set ip window ttl: %w", err)
		}
	}

	allowed := int(n) <= max
	remaining := max - int(n)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{Allowed: allowed, Max: max, Remaining: remaining, Reset: time.Now().Add(window)}, nil
}
