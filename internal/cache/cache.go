// Package cache implements spec C5: user data, voucher-claim counters, and
// idempotent claim results, all held on the KV store with invalidation
// preferred over read-through-with-write (spec §9) because the coordinator's
// fast-path soft check tolerates staleness.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/pkg/kvstore"
)

const (
	userTTL   = 300 * time.Second
	countTTL  = 300 * time.Second
	resultTTL = 3600 * time.Second
)

// KVStore is the subset of pkg/kvstore.Gateway the cache needs.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Scan(pattern string) *kvstore.ScanCursor
}

// Cache wraps the KV store with the typed maps of spec §4.5.
type Cache struct {
	kv KVStore

	hits   atomic.Int64
	misses atomic.Int64
}

// New constructs a Cache over the given KV store.
func New(kv KVStore) *Cache {
	return &Cache{kv: kv}
}

// Stats reports in-process hit/miss counters (lock-free best-effort,
// spec §5: "in-process cache counters: lock-free best-effort").
type Stats struct {
	Hits   int64
	Misses int64
}

// Stats returns the current hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func userDataKey(id string) string     { return fmt.Sprintf("user:%s:data", id) }
func userVouchersKey(id string) string { return fmt.Sprintf("user:%s:vouchers", id) }
func resultKey(requestID string) string { return fmt.Sprintf("claim:result:%s", requestID) }

// GetUser returns the cached user, or (nil, nil) on a cache miss.
func (c *Cache) GetUser(ctx context.Context, id string) (*model.User, error) {
	raw, err := c.kv.Get(ctx, userDataKey(id))
	if err == kvstore.ErrNotFound {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get user %s: %w", id, err)
	}
	c.hits.Add(1)

	var u model.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("cache decode user %s: %w", id, err)
	}
	return &u, nil
}

// PutUser caches a user record with the spec's 300s TTL.
func (c *Cache) PutUser(ctx context.Context, u *model.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("cache encode user %s: %w", u.ID, err)
	}
	return c.kv.Set(ctx, userDataKey(u.ID), string(raw), userTTL)
}

// GetCount returns the cached claimed-count, or (nil, nil) on a miss.
// Invariant X1: only the transaction that committed the corresponding
// claimed change calls PutCount, so eventual consistency is the only drift.
func (c *Cache) GetCount(ctx context.Context, userID string) (*int, error) {
	raw, err := c.kv.Get(ctx, userVouchersKey(userID))
	if err == kvstore.ErrNotFound {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get count %s: %w", userID, err)
	}
	c.hits.Add(1)

	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return nil, fmt.Errorf("cache decode count %s: %w", userID, err)
	}
	return &n, nil
}

// PutCount caches the claimed count with the spec's 300s TTL.
func (c *Cache) PutCount(ctx context.Context, userID string, claimed int) error {
	return c.kv.Set(ctx, userVouchersKey(userID), fmt.Sprintf("%d", claimed), countTTL)
}

// GetResult returns the cached idempotent claim result, or (nil, nil) if
// this request-id has never been seen.
func (c *Cache) GetResult(ctx context.Context, requestID string) (*model.ClaimResult, error) {
	raw, err := c.kv.Get(ctx, resultKey(requestID))
	if err == kvstore.ErrNotFound {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get result %s: %w", requestID, err)
	}
	c.hits.Add(1)

	var r model.ClaimResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("cache decode result %s: %w", requestID, err)
	}
	return &r, nil
}

// PutResult caches a claim result under its request-id for the spec's 1h TTL.
func (c *Cache) PutResult(ctx context.Context, requestID string, result *model.ClaimResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache encode result %s: %w", requestID, err)
	}
	return c.kv.Set(ctx, resultKey(requestID), string(raw), resultTTL)
}

// InvalidateUser deletes every user:{id}:* key, discovered via SCAN and
// removed in a single pipelined DEL (spec §4.5). Called on the claim/refund
// commit path so subsequent readers re-load on next miss.
func (c *Cache) InvalidateUser(ctx context.Context, id string) error {
	cursor := c.kv.Scan(fmt.Sprintf("user:%s:*", id))
	var keys []string
	for {
		batch, ok, err := cursor.Next(ctx)
		if err != nil {
			return fmt.Errorf("cache scan user %s: %w", id, err)
		}
		keys = append(keys, batch...)
		if !ok {
			break
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.kv.Del(ctx, keys...)
}
