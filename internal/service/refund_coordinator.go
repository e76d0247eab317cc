package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/pkg/database"
)

// RefundCoordinator reverses a successful claim transactionally (spec C9/§4.9).
type RefundCoordinator struct {
	gw     Transactor
	users  UserStore
	vchrs  VoucherStore
	claims ClaimStore
	audit  AuditStore
	cache  ResultCache
}

// NewRefundCoordinator wires the gateway and repositories.
func NewRefundCoordinator(gw Transactor, users UserStore, vchrs VoucherStore, claims ClaimStore, audit AuditStore, cache ResultCache) *RefundCoordinator {
	return &RefundCoordinator{gw: gw, users: users, vchrs: vchrs, claims: claims, audit: audit, cache: cache}
}

// Refund applies §4.9 steps 1-5 inside a single transaction, then
// invalidates the owner's cache entry on commit (step 6). The claim row is
// the only row locked first; this never conflicts with the claim
// transaction's user→voucher_code lock order since a refund never locks a
// *different* user/code pair than its own claim already names.
func (c *RefundCoordinator) Refund(ctx context.Context, claimID, reason string, adminID *string) error {
	owner, err := c.gw.Transact(ctx, func(tx database.TxQuerier) (any, error) {
		return c.refund(ctx, tx, claimID, reason, adminID)
	})
	if err != nil {
		return err
	}

	userID := owner.(string)
	if putErr := c.cache.InvalidateUser(ctx, userID); putErr != nil {
		log.Warn().Err(putErr).Str("user_id", userID).Msg("refund: cache invalidation failed after commit")
	}
	log.Info().Str("claim_id", claimID).Str("user_id", userID).Msg("refund committed")
	return nil
}

func (c *RefundCoordinator) refund(ctx context.Context, tx database.TxQuerier, claimID, reason string, adminID *string) (string, error) {
	claim, err := c.claims.GetForUpdate(ctx, tx, claimID)
	if err != nil {
		if errors.Is(err, ErrClaimNotFound) {
			return "", ErrClaimNotFound
		}
		return "", fmt.Errorf("lock claim: %w", err)
	}
	if claim.Status == model.ClaimRefunded {
		return "", ErrAlreadyRefunded
	}

	if err := c.claims.MarkRefunded(ctx, tx, claimID, reason, adminID); err != nil {
		return "", fmt.Errorf("mark claim refunded: %w", err)
	}
	if err := c.users.DecrementClaimed(ctx, tx, claim.UserID); err != nil {
		return "", fmt.Errorf("decrement user claimed: %w", err)
	}
	if err := c.vchrs.Release(ctx, tx, claim.Code); err != nil {
		return "", fmt.Errorf("release voucher code: %w", err)
	}

	metadata := map[string]interface{}{"reason": reason}
	if adminID != nil {
		metadata["admin_id"] = *adminID
	}
	if err := c.audit.Insert(ctx, tx, claim.UserID, model.AuditRefund, metadata); err != nil {
		return "", fmt.Errorf("insert refund audit entry: %w", err)
	}

	return claim.UserID, nil
}
