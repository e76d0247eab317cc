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

// VoucherRepository provides data access for voucher codes.
type VoucherRepository struct {
	pool PoolInterface
}

// NewVoucherRepository constructs a VoucherRepository over a live pool.
func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{pool: pool}
}

// NewVoucherRepositoryWithPool constructs a VoucherRepository over a custom
// pool interface, for tests.
func NewVoucherRepositoryWithPool(pool PoolInterface) *VoucherRepository {
	return &VoucherRepository{pool: pool}
}

const voucherColumns = `id, code, active, usage_limit, usage_count, valid_from, expires_at, allowed_users, discount_kind, discount_value, is_used, used_by, used_at, created_at`

func scanVoucher(row pgx.Row) (*model.VoucherCode, error) {
	var vc model.VoucherCode
	err := row.Scan(
		&vc.ID, &vc.Code, &vc.Active, &vc.UsageLimit, &vc.UsageCount,
		&vc.ValidFrom, &vc.ExpiresAt, &vc.AllowedUsers,
		&vc.DiscountKind, &vc.DiscountValue,
		&vc.IsUsed, &vc.UsedBy, &vc.UsedAt, &vc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &vc, nil
}

// GetByCode retrieves a voucher code without locking, used by the
// coordinator's non-authoritative eligibility pre-check (§4.6 step 6).
// Returns nil, nil when absent.
func (r *VoucherRepository) GetByCode(ctx context.Context, code string) (*model.VoucherCode, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+voucherColumns+` FROM voucher_codes WHERE code = $1`, code)
	vc, err := scanVoucher(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get voucher code %s: %w", code, err)
	}
	return vc, nil
}

// GetForUpdate locks the voucher-code row (spec §4.8 step 3). A missing row
// surfaces as service.ErrVoucherNotFound.
func (r *VoucherRepository) GetForUpdate(ctx context.Context, tx database.TxQuerier, code string) (*model.VoucherCode, error) {
	row := tx.QueryRow(ctx, `SELECT `+voucherColumns+` FROM voucher_codes WHERE code = $1 FOR UPDATE`, code)
	vc, err := scanVoucher(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrVoucherNotFound
		}
		return nil, fmt.Errorf("lock voucher code %s: %w", code, err)
	}
	return vc, nil
}

// MarkUsed applies step 7 of §4.8: increments usage_count, sets is_used
// eagerly once the limit is reached by this transaction, and records the
// first claimant when usage_limit == 1.
func (r *VoucherRepository) MarkUsed(ctx context.Context, tx database.TxQuerier, vc *model.VoucherCode, userID string) error {
	nextCount := vc.UsageCount + 1
	isUsed := nextCount >= vc.UsageLimit

	var err error
	if vc.UsageLimit == 1 {
		_, err = tx.Exec(ctx,
			`UPDATE voucher_codes SET usage_count = usage_count + 1, is_used = $1, used_by = $2, used_at = now() WHERE code = $3`,
			isUsed, userID, vc.Code)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE voucher_codes SET usage_count = usage_count + 1, is_used = $1 WHERE code = $2`,
			isUsed, vc.Code)
	}
	if err != nil {
		return fmt.Errorf("mark voucher code used %s: %w", vc.Code, err)
	}
	return nil
}

// Release applies step 4 of §4.9: decrements usage_count (floored at 0) and
// clears is_used on refund.
func (r *VoucherRepository) Release(ctx context.Context, tx database.TxQuerier, code string) error {
	_, err := tx.Exec(ctx,
		`UPDATE voucher_codes SET usage_count = GREATEST(0, usage_count - 1), is_used = false WHERE code = $1`,
		code)
	if err != nil {
		return fmt.Errorf("release voucher code %s: %w", code, err)
	}
	return nil
}
