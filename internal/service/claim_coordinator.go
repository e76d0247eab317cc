package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/internal/queue"
	"github.com/voucherplatform/claim-system/internal/ratelimit"
)

var voucherCodePattern = regexp.MustCompile(`^[A-Z0-9-]+$`)

// RateLimitSettings carries the configured window sizes for the per-user
// and per-IP admission checks (spec §4.4), sourced from
// config.RateLimitConfig at wiring time so an operator can tune them
// without a code change.
type RateLimitSettings struct {
	UserMax    int
	UserWindow time.Duration
	IPMax      int
	IPWindow   time.Duration
}

// CacheReader is the subset of internal/cache.Cache the coordinator reads
// from on the synchronous front path (spec §4.6 steps 1 and 4).
type CacheReader interface {
	GetResult(ctx context.Context, requestID string) (*model.ClaimResult, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetCount(ctx context.Context, userID string) (*int, error)
}

// RateLimiter is the subset of internal/ratelimit.Limiter the coordinator
// needs.
type RateLimiter interface {
	UserWindow(ctx context.Context, userID string, max int, window time.Duration) (ratelimit.Decision, error)
	IPWindow(ctx context.Context, addr string, max int, window time.Duration) (ratelimit.Decision, error)
}

// VoucherLookup is the subset of internal/repository.VoucherRepository used
// by the coordinator's non-authoritative eligibility pre-check.
type VoucherLookup interface {
	GetByCode(ctx context.Context, code string) (*model.VoucherCode, error)
}

// UserLookup is the subset of internal/repository.UserRepository used to
// load a user record on a cache miss.
type UserLookup interface {
	Get(ctx context.Context, userID string) (*model.User, error)
}

// Breaker is the subset of pkg/breaker.Breaker the coordinator needs to
// protect the premium fast path.
type Breaker interface {
	Execute(ctx context.Context, action func(ctx context.Context) (any, error)) (any, error)
}

// Enqueuer is the subset of internal/queue.Queue the coordinator needs for
// the non-premium path.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

// Outcome carries the coordinator's result alongside the rate-limit
// decision that gated it, so the HTTP boundary can set X-RateLimit-*
// headers regardless of whether the request was ultimately admitted.
type Outcome struct {
	Result      *model.ClaimResult
	RateLimit   ratelimit.Decision
	RateLimited bool
}

// ClaimCoordinator is the synchronous front path of spec C7/§4.6.
type ClaimCoordinator struct {
	cache      CacheReader
	limiter    RateLimiter
	vouchers   VoucherLookup
	users      UserLookup
	breaker    Breaker
	queue      Enqueuer
	transactor *ClaimTransactor
	limits     RateLimitSettings
}

// defaultRateLimitSettings matches spec §4.4's defaults (10/min per user,
// 100/min per IP) and is used when a caller passes a zero-value
// RateLimitSettings rather than wiring config.RateLimitConfig explicitly.
var defaultRateLimitSettings = RateLimitSettings{
	UserMax:    10,
	UserWindow: 60 * time.Second,
	IPMax:      100,
	IPWindow:   60 * time.Second,
}

// NewClaimCoordinator wires the coordinator's collaborators. A zero-value
// limits argument falls back to defaultRateLimitSettings.
func NewClaimCoordinator(cache CacheReader, limiter RateLimiter, vouchers VoucherLookup, users UserLookup, breaker Breaker, q Enqueuer, transactor *ClaimTransactor, limits RateLimitSettings) *ClaimCoordinator {
	if limits == (RateLimitSettings{}) {
		limits = defaultRateLimitSettings
	}
	return &ClaimCoordinator{cache: cache, limiter: limiter, vouchers: vouchers, users: users, breaker: breaker, queue: q, transactor: transactor, limits: limits}
}

// Claim implements §4.6 steps 1-8.
func (c *ClaimCoordinator) Claim(ctx context.Context, req model.ClaimRequest) (Outcome, error) {
	// 1. Idempotency lookup.
	if cached, err := c.cache.GetResult(ctx, req.RequestID); err == nil && cached != nil {
		return Outcome{Result: cached}, nil
	}

	// 2. Per-user sliding window.
	userDecision, err := c.limiter.UserWindow(ctx, req.UserID, c.limits.UserMax, c.limits.UserWindow)
	if err != nil {
		return Outcome{}, fmt.Errorf("user rate window: %w", err)
	}
	if !userDecision.Allowed {
		return Outcome{RateLimit: userDecision, RateLimited: true}, ErrRateLimited
	}

	// 3. Per-IP fixed window.
	ipDecision, err := c.limiter.IPWindow(ctx, req.IP, c.limits.IPMax, c.limits.IPWindow)
	if err != nil {
		return Outcome{RateLimit: userDecision}, fmt.Errorf("ip rate window: %w", err)
	}
	if !ipDecision.Allowed {
		return Outcome{RateLimit: ipDecision, RateLimited: true}, ErrRateLimited
	}

	// 4. Soft pre-check against the cached count; not authoritative.
	user, err := c.loadUser(ctx, req.UserID)
	if err != nil {
		return Outcome{RateLimit: userDecision}, err
	}
	if count, err := c.cache.GetCount(ctx, req.UserID); err == nil && count != nil {
		if *count >= user.Limit {
			return Outcome{RateLimit: userDecision}, ErrLimitExceeded
		}
	}

	// 5. Format validation.
	if !isValidVoucherCodeFormat(req.Code) {
		return Outcome{RateLimit: userDecision}, &InvalidVoucherError{Reason: "malformed-code"}
	}

	// 6. Eligibility lookup (non-authoritative; the transaction re-checks).
	vc, err := c.vouchers.GetByCode(ctx, req.Code)
	if err != nil {
		return Outcome{RateLimit: userDecision}, fmt.Errorf("lookup voucher code: %w", err)
	}
	if vc == nil {
		return Outcome{RateLimit: userDecision}, &InvalidVoucherError{Reason: "not-found"}
	}
	if eligible, reason := vc.Eligible(req.UserID, time.Now()); !eligible {
		return Outcome{RateLimit: userDecision}, &InvalidVoucherError{Reason: string(reason)}
	}

	// 7/8. Premium fast path through the breaker, or enqueue.
	if user.Premium {
		raw, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return c.transactor.Run(ctx, req)
		})
		if err != nil {
			return Outcome{RateLimit: userDecision}, err
		}
		return Outcome{Result: raw.(*model.ClaimResult), RateLimit: userDecision}, nil
	}

	jobID, err := c.queue.Enqueue(ctx, queue.Job{
		ID:        req.RequestID,
		UserID:    req.UserID,
		Code:      req.Code,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		DeviceID:  req.DeviceID,
	})
	if err != nil {
		return Outcome{RateLimit: userDecision}, fmt.Errorf("enqueue claim: %w", err)
	}

	return Outcome{Result: &model.ClaimResult{
		Success:   true,
		Message:   "claim queued for processing",
		Status:    string(model.ClaimPending),
		RequestID: jobID,
	}, RateLimit: userDecision}, nil
}

func (c *ClaimCoordinator) loadUser(ctx context.Context, userID string) (*model.User, error) {
	if u, err := c.cache.GetUser(ctx, userID); err == nil && u != nil {
		return u, nil
	}
	u, err := c.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func isValidVoucherCodeFormat(code string) bool {
	if len(code) < 6 || len(code) > 50 {
		return false
	}
	return voucherCodePattern.MatchString(code)
}
