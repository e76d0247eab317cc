package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/pkg/database"
)

// UserStore is the subset of internal/repository.UserRepository the claim
// transaction needs.
type UserStore interface {
	GetForUpdate(ctx context.Context, tx database.TxQuerier, userID string) (*model.User, error)
	IncrementClaimed(ctx context.Context, tx database.TxQuerier, userID string) error
	DecrementClaimed(ctx context.Context, tx database.TxQuerier, userID string) error
}

// VoucherStore is the subset of internal/repository.VoucherRepository the
// claim transaction needs.
type VoucherStore interface {
	GetForUpdate(ctx context.Context, tx database.TxQuerier, code string) (*model.VoucherCode, error)
	MarkUsed(ctx context.Context, tx database.TxQuerier, vc *model.VoucherCode, userID string) error
	Release(ctx context.Context, tx database.TxQuerier, code string) error
}

// ClaimStore is the subset of internal/repository.ClaimRepository the claim
// and refund transactions need.
type ClaimStore interface {
	ExistsSuccessful(ctx context.Context, tx database.TxQuerier, userID, code string) (bool, error)
	Insert(ctx context.Context, tx database.TxQuerier, c *model.Claim) (string, error)
	GetForUpdate(ctx context.Context, tx database.TxQuerier, claimID string) (*model.Claim, error)
	MarkRefunded(ctx context.Context, tx database.TxQuerier, claimID, reason string, adminID *string) error
}

// AuditStore is the subset of internal/repository.AuditRepository the
// transactions need.
type AuditStore interface {
	Insert(ctx context.Context, tx database.TxQuerier, userID string, action model.AuditAction, metadata map[string]interface{}) error
}

// ResultCache is the subset of internal/cache.Cache the transactions need
// to keep post-commit (spec §4.8 step 9 / §4.9 step 6).
type ResultCache interface {
	InvalidateUser(ctx context.Context, userID string) error
	PutCount(ctx context.Context, userID string, claimed int) error
	PutResult(ctx context.Context, requestID string, result *model.ClaimResult) error
}

// Transactor is the subset of pkg/database.Gateway the claim and refund
// transactions need. Letting the service depend on this instead of the
// concrete Gateway is what lets it be tested with a hand-rolled fake.
type Transactor interface {
	Transact(ctx context.Context, body func(tx database.TxQuerier) (any, error)) (any, error)
}

// ClaimTransactor runs the single authoritative claim transaction (spec
// C8/§4.8), generalizing the teacher's CouponService.ClaimCoupon from one
// locked row to the invariant user→voucher_code lock order.
type ClaimTransactor struct {
	gw     Transactor
	users  UserStore
	vchrs  VoucherStore
	claims ClaimStore
	audit  AuditStore
	cache  ResultCache
}

// NewClaimTransactor wires the gateway and repositories.
func NewClaimTransactor(gw Transactor, users UserStore, vchrs VoucherStore, claims ClaimStore, audit AuditStore, cache ResultCache) *ClaimTransactor {
	return &ClaimTransactor{gw: gw, users: users, vchrs: vchrs, claims: claims, audit: audit, cache: cache}
}

// Run executes §4.8 steps 1-8 inside a single transaction, then performs the
// post-commit cache writes of step 9. Both the premium fast path (through
// the circuit breaker) and the worker pool's queue consumer call this.
func (t *ClaimTransactor) Run(ctx context.Context, req model.ClaimRequest) (*model.ClaimResult, error) {
	raw, err := t.gw.Transact(ctx, func(tx database.TxQuerier) (any, error) {
		return t.claim(ctx, tx, req)
	})
	if err != nil {
		return nil, err
	}

	outcome := raw.(claimOutcome)

	if putErr := t.cache.InvalidateUser(ctx, req.UserID); putErr != nil {
		log.Warn().Err(putErr).Str("user_id", req.UserID).Msg("claim: cache invalidation failed after commit")
	}
	if putErr := t.cache.PutCount(ctx, req.UserID, outcome.NewClaimed); putErr != nil {
		log.Warn().Err(putErr).Str("user_id", req.UserID).Msg("claim: count cache write failed after commit")
	}

	remaining := outcome.Limit - outcome.NewClaimed
	result := &model.ClaimResult{
		Success:           true,
		Message:           "voucher claimed",
		VouchersRemaining: &remaining,
		RequestID:         req.RequestID,
	}
	if putErr := t.cache.PutResult(ctx, req.RequestID, result); putErr != nil {
		log.Warn().Err(putErr).Str("request_id", req.RequestID).Msg("claim: idempotent result cache write failed")
	}

	log.Info().Str("user_id", req.UserID).Str("code", req.Code).Str("request_id", req.RequestID).Msg("claim committed")
	return result, nil
}

// claimOutcome carries just enough state out of the transaction body to
// compute the post-commit cache writes and the response payload.
type claimOutcome struct {
	NewClaimed int
	Limit      int
}

// claim is the transaction body: lock order user → voucher_code, invariant
// across the claim and refund paths to avoid deadlocks (spec §4.8, §5).
func (t *ClaimTransactor) claim(ctx context.Context, tx database.TxQuerier, req model.ClaimRequest) (claimOutcome, error) {
	user, err := t.users.GetForUpdate(ctx, tx, req.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return claimOutcome{}, ErrUserNotFound
		}
		return claimOutcome{}, fmt.Errorf("lock user: %w", err)
	}

	if user.Claimed >= user.Limit {
		_ = t.audit.Insert(ctx, tx, req.UserID, model.AuditLimitReached, map[string]interface{}{"claimed": user.Claimed, "limit": user.Limit})
		return claimOutcome{}, ErrLimitExceeded
	}

	vc, err := t.vchrs.GetForUpdate(ctx, tx, req.Code)
	if err != nil {
		if errors.Is(err, ErrVoucherNotFound) {
			return claimOutcome{}, &InvalidVoucherError{Reason: "not-found"}
		}
		return claimOutcome{}, fmt.Errorf("lock voucher code: %w", err)
	}

	if eligible, reason := vc.Eligible(req.UserID, time.Now()); !eligible {
		_ = t.audit.Insert(ctx, tx, req.UserID, model.AuditInvalidCode, map[string]interface{}{"code": req.Code, "reason": string(reason)})
		return claimOutcome{}, &InvalidVoucherError{Reason: string(reason)}
	}

	alreadyClaimed, err := t.claims.ExistsSuccessful(ctx, tx, req.UserID, req.Code)
	if err != nil {
		return claimOutcome{}, fmt.Errorf("check prior claim: %w", err)
	}
	if alreadyClaimed {
		_ = t.audit.Insert(ctx, tx, req.UserID, model.AuditInvalidCode, map[string]interface{}{"code": req.Code, "reason": string(model.ReasonAlreadyClaimed)})
		return claimOutcome{}, &InvalidVoucherError{Reason: string(model.ReasonAlreadyClaimed)}
	}

	if err := t.users.IncrementClaimed(ctx, tx, req.UserID); err != nil {
		return claimOutcome{}, fmt.Errorf("increment claimed: %w", err)
	}
	if err := t.vchrs.MarkUsed(ctx, tx, vc, req.UserID); err != nil {
		return claimOutcome{}, fmt.Errorf("mark voucher used: %w", err)
	}

	claimID, err := t.claims.Insert(ctx, tx, &model.Claim{
		UserID:    req.UserID,
		Code:      req.Code,
		RequestID: req.RequestID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		DeviceID:  req.DeviceID,
	})
	if err != nil {
		return claimOutcome{}, fmt.Errorf("insert claim: %w", err)
	}

	if err := t.audit.Insert(ctx, tx, req.UserID, model.AuditClaimSuccess, map[string]interface{}{"claim_id": claimID, "code": req.Code}); err != nil {
		return claimOutcome{}, fmt.Errorf("insert audit entry: %w", err)
	}

	return claimOutcome{NewClaimed: user.Claimed + 1, Limit: user.Limit}, nil
}
