// Package concurrency exercises the claim pipeline under real concurrent
// goroutines against an in-memory store fake, generalizing the teacher's
// tests/integration/concurrency_test.go into a fast, CI-safe suite that
// needs neither Postgres nor Redis (spec §8).
package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/internal/queue"
	"github.com/voucherplatform/claim-system/internal/ratelimit"
	"github.com/voucherplatform/claim-system/internal/service"
	"github.com/voucherplatform/claim-system/pkg/database"
)

// memStore holds every table the claim transaction touches behind one
// mutex, so Transact can serialize the transaction body exactly the way
// `SELECT ... FOR UPDATE` serializes it against real Postgres row locks.
// It does not model per-row granularity — the whole body runs under one
// lock — but that's sufficient to pin down the final-state invariants the
// concurrency scenarios assert on.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*model.User
	vouchers map[string]*model.VoucherCode
	claims   map[string]*model.Claim
	audit    []model.AuditAction
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]*model.User{},
		vouchers: map[string]*model.VoucherCode{},
		claims:   map[string]*model.Claim{},
	}
}

func (s *memStore) putUser(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

func (s *memStore) putVoucher(v *model.VoucherCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.vouchers[v.Code] = &cp
}

// Transact is the Transactor implementation: body runs with memStore's lock
// held for its entire duration, serializing every goroutine's claim attempt
// the way a real transaction's row locks would.
func (s *memStore) Transact(ctx context.Context, body func(tx database.TxQuerier) (any, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return body(nil)
}

// memUserStore adapts memStore to service.UserStore. Callers must already
// hold memStore's lock (i.e. be inside a Transact body), since these
// methods take no lock of their own.
type memUserStore struct{ s *memStore }

func (a memUserStore) GetForUpdate(ctx context.Context, tx database.TxQuerier, userID string) (*model.User, error) {
	u, ok := a.s.users[userID]
	if !ok {
		return nil, service.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (a memUserStore) IncrementClaimed(ctx context.Context, tx database.TxQuerier, userID string) error {
	a.s.users[userID].Claimed++
	return nil
}

func (a memUserStore) DecrementClaimed(ctx context.Context, tx database.TxQuerier, userID string) error {
	a.s.users[userID].Claimed--
	return nil
}

// memVoucherStore adapts memStore to service.VoucherStore.
type memVoucherStore struct{ s *memStore }

func (a memVoucherStore) GetForUpdate(ctx context.Context, tx database.TxQuerier, code string) (*model.VoucherCode, error) {
	v, ok := a.s.vouchers[code]
	if !ok {
		return nil, service.ErrVoucherNotFound
	}
	cp := *v
	return &cp, nil
}

func (a memVoucherStore) MarkUsed(ctx context.Context, tx database.TxQuerier, vc *model.VoucherCode, userID string) error {
	v := a.s.vouchers[vc.Code]
	v.UsageCount++
	v.IsUsed = v.UsageCount >= v.UsageLimit
	v.UsedBy = &userID
	return nil
}

func (a memVoucherStore) Release(ctx context.Context, tx database.TxQuerier, code string) error {
	v := a.s.vouchers[code]
	if v.UsageCount > 0 {
		v.UsageCount--
	}
	v.IsUsed = false
	return nil
}

// memClaimStore adapts memStore to service.ClaimStore.
type memClaimStore struct{ s *memStore }

func (a memClaimStore) ExistsSuccessful(ctx context.Context, tx database.TxQuerier, userID, code string) (bool, error) {
	for _, c := range a.s.claims {
		if c.UserID == userID && c.Code == code && c.Status == model.ClaimSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (a memClaimStore) Insert(ctx context.Context, tx database.TxQuerier, c *model.Claim) (string, error) {
	a.s.nextID++
	id := uuidLike(a.s.nextID)
	cp := *c
	cp.ID = id
	cp.Status = model.ClaimSuccess
	a.s.claims[id] = &cp
	return id, nil
}

func (a memClaimStore) GetForUpdate(ctx context.Context, tx database.TxQuerier, claimID string) (*model.Claim, error) {
	c, ok := a.s.claims[claimID]
	if !ok {
		return nil, service.ErrClaimNotFound
	}
	cp := *c
	return &cp, nil
}

func (a memClaimStore) MarkRefunded(ctx context.Context, tx database.TxQuerier, claimID, reason string, adminID *string) error {
	c := a.s.claims[claimID]
	c.Status = model.ClaimRefunded
	c.RefundReason = &reason
	c.RefundedBy = adminID
	return nil
}

// memAuditStore adapts memStore to service.AuditStore.
type memAuditStore struct{ s *memStore }

func (a memAuditStore) Insert(ctx context.Context, tx database.TxQuerier, userID string, action model.AuditAction, metadata map[string]interface{}) error {
	a.s.audit = append(a.s.audit, action)
	return nil
}

// uuidLike mints a deterministic, unique-enough id without pulling in a
// real uuid generator for test bookkeeping.
func uuidLike(n int) string {
	const alphabet = "0123456789abcdef"
	b := []byte("claim-00000000")
	i := len(b) - 1
	for n > 0 && i >= 0 {
		b[i] = alphabet[n%16]
		n /= 16
		i--
	}
	return string(b)
}

// memCache is a minimal CacheReader/ResultCache fake with its own lock,
// since the cache is written post-commit, outside Transact's critical
// section (spec §4.8 step 9).
type memCache struct {
	mu      sync.Mutex
	results map[string]*model.ClaimResult
	counts  map[string]int
}

func newMemCache() *memCache {
	return &memCache{results: map[string]*model.ClaimResult{}, counts: map[string]int{}}
}

func (c *memCache) GetResult(ctx context.Context, requestID string) (*model.ClaimResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[requestID], nil
}

func (c *memCache) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return nil, nil // force the coordinator's loadUser fallback on every call
}

func (c *memCache) GetCount(ctx context.Context, userID string) (*int, error) {
	return nil, nil // soft pre-check disabled; the transaction is authoritative
}

func (c *memCache) InvalidateUser(ctx context.Context, userID string) error {
	return nil
}

func (c *memCache) PutCount(ctx context.Context, userID string, claimed int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID] = claimed
	return nil
}

func (c *memCache) PutResult(ctx context.Context, requestID string, result *model.ClaimResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[requestID] = result
	return nil
}

// memUserLookup adapts memStore to service.UserLookup for the coordinator's
// pre-transaction read, taking memStore's lock itself since it runs outside
// any Transact body.
type memUserLookup struct{ s *memStore }

func (l memUserLookup) Get(ctx context.Context, userID string) (*model.User, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	u, ok := l.s.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// memVoucherLookup adapts memStore to service.VoucherLookup.
type memVoucherLookup struct{ s *memStore }

func (l memVoucherLookup) GetByCode(ctx context.Context, code string) (*model.VoucherCode, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	v, ok := l.s.vouchers[code]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

// alwaysAllowLimiter and passthroughBreaker let the concurrency tests drive
// the coordinator and transactor without pulling in the real rate limiter
// or circuit breaker — those are covered by their own package tests.
type alwaysAllowLimiter struct{}

func (alwaysAllowLimiter) UserWindow(ctx context.Context, userID string, max int, window time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true, Max: max, Remaining: max}, nil
}

func (alwaysAllowLimiter) IPWindow(ctx context.Context, addr string, max int, window time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true, Max: max, Remaining: max}, nil
}

type passthroughBreaker struct{}

func (passthroughBreaker) Execute(ctx context.Context, action func(ctx context.Context) (any, error)) (any, error) {
	return action(ctx)
}

// memEnqueuer is unused by the concurrency scenarios (every test user is
// premium, taking the synchronous breaker path) but is required to satisfy
// service.Enqueuer at construction time.
type memEnqueuer struct{}

func (memEnqueuer) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	return job.ID, nil
}
