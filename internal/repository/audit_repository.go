package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/pkg/database"
)

// AuditRepository writes the append-only audit log (spec §3's Audit Entry).
// Never read back by the core; write-only from the claim/refund transactions.
type AuditRepository struct {
	pool PoolInterface
}

// NewAuditRepository constructs an AuditRepository over a live pool.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// NewAuditRepositoryWithPool constructs an AuditRepository over a custom
// pool interface, for tests.
func NewAuditRepositoryWithPool(pool PoolInterface) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Insert appends an audit entry within the caller's transaction.
func (r *AuditRepository) Insert(ctx context.Context, tx database.TxQuerier, userID string, action model.AuditAction, metadata map[string]interface{}) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO voucher_audit_log (user_id, action, metadata) VALUES ($1, $2, $3)`,
		userID, string(action), encoded)
	if err != nil {
		return fmt.Errorf("insert audit entry for %s: %w", userID, err)
	}
	return nil
}
