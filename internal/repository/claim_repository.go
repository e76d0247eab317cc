package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/internal/service"
	"github.com/voucherplatform/claim-system/pkg/database"
)

// ClaimRepository provides data access for voucher claims.
type ClaimRepository struct {
	pool PoolInterface
}

// NewClaimRepository constructs a ClaimRepository over a live pool.
func NewClaimRepository(pool *pgxpool.Pool) *ClaimRepository {
	return &ClaimRepository{pool: pool}
}

// NewClaimRepositoryWithPool constructs a ClaimRepository over a custom pool
// interface, for tests.
func NewClaimRepositoryWithPool(pool PoolInterface) *ClaimRepository {
	return &ClaimRepository{pool: pool}
}

const claimColumns = `id, user_id, code, status, request_id, ip, user_agent, device_id, created_at, refunded_at, refunded_by, refund_reason`

func scanClaim(row pgx.Row) (*model.Claim, error) {
	var c model.Claim
	err := row.Scan(&c.ID, &c.UserID, &c.Code, &c.Status, &c.RequestID, &c.IP, &c.UserAgent, &c.DeviceID,
		&c.CreatedAt, &c.RefundedAt, &c.RefundedBy, &c.RefundReason)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ExistsSuccessful checks invariant C2 (§4.8 step 5): at most one claim with
// status=success per (user, code) pair.
func (r *ClaimRepository) ExistsSuccessful(ctx context.Context, tx database.TxQuerier, userID, code string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM voucher_claims WHERE user_id = $1 AND code = $2 AND status = 'success')`,
		userID, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check existing claim for %s/%s: %w", userID, code, err)
	}
	return exists, nil
}

// Insert applies step 8 of §4.8 and returns the new claim's id.
func (r *ClaimRepository) Insert(ctx context.Context, tx database.TxQuerier, c *model.Claim) (string, error) {
	var id string
	err := tx.QueryRow(ctx,
		`INSERT INTO voucher_claims (user_id, code, status, request_id, ip, user_agent, device_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		c.UserID, c.Code, model.ClaimSuccess, c.RequestID, c.IP, c.UserAgent, c.DeviceID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert claim request_id=%s: %w", c.RequestID, err)
	}
	return id, nil
}

// GetByRequestID retrieves a claim by its idempotency key. Returns nil, nil
// when absent (GET /vouchers/claim/:requestId answers 404 for it).
func (r *ClaimRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Claim, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM voucher_claims WHERE request_id = $1`, requestID)
	c, err := scanClaim(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get claim by request_id %s: %w", requestID, err)
	}
	return c, nil
}

// GetForUpdate locks a claim row by id (spec §4.9 step 1).
func (r *ClaimRepository) GetForUpdate(ctx context.Context, tx database.TxQuerier, claimID string) (*model.Claim, error) {
	row := tx.QueryRow(ctx, `SELECT `+claimColumns+` FROM voucher_claims WHERE id = $1 FOR UPDATE`, claimID)
	c, err := scanClaim(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrClaimNotFound
		}
		return nil, fmt.Errorf("lock claim %s: %w", claimID, err)
	}
	return c, nil
}

// MarkRefunded applies step 2 of §4.9.
func (r *ClaimRepository) MarkRefunded(ctx context.Context, tx database.TxQuerier, claimID, reason string, adminID *string) error {
	_, err := tx.Exec(ctx,
		`UPDATE voucher_claims SET status = $1, refunded_at = now(), refunded_by = $2, refund_reason = $3 WHERE id = $4`,
		model.ClaimRefunded, adminID, reason, claimID)
	if err != nil {
		return fmt.Errorf("mark claim refunded %s: %w", claimID, err)
	}
	return nil
}

// ListByUser returns a user's claim history, most recent first (the
// `/vouchers/history` endpoint, §6).
func (r *ClaimRepository) ListByUser(ctx context.Context, userID string) ([]model.Claim, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+claimColumns+` FROM voucher_claims WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list claims for %s: %w", userID, err)
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim row: %w", err)
		}
		claims = append(claims, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim rows: %w", err)
	}
	if claims == nil {
		claims = []model.Claim{}
	}
	return claims, nil
}
