package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/internal/service"
	"github.com/voucherplatform/claim-system/pkg/database"
)

// PoolInterface is the database operations needed by the repository layer.
// Letting repositories depend on this instead of *pgxpool.Pool directly is
// what lets them be tested with a hand-rolled mock.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// UserRepository provides data access for users (spec data model §3).
type UserRepository struct {
	pool PoolInterface
}

// NewUserRepository constructs a UserRepository over a live pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// NewUserRepositoryWithPool constructs a UserRepository over a custom pool
// interface, for tests.
func NewUserRepositoryWithPool(pool PoolInterface) *UserRepository {
	return &UserRepository{pool: pool}
}

const userColumns = `id, email, claimed, "limit", premium, active, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.Claimed, &u.Limit, &u.Premium, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Get retrieves a user by id without locking. Returns nil, nil when absent.
func (r *UserRepository) Get(ctx context.Context, userID string) (*model.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

// GetForUpdate locks the user row (spec §4.8 step 1). Only active users are
// eligible; an inactive or missing user both surface as service.ErrUserNotFound.
func (r *UserRepository) GetForUpdate(ctx context.Context, tx database.TxQuerier, userID string) (*model.User, error) {
	row := tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 AND active FOR UPDATE`, userID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrUserNotFound
		}
		return nil, fmt.Errorf("lock user %s: %w", userID, err)
	}
	return u, nil
}

// IncrementClaimed applies step 6 of §4.8 within the claim transaction.
func (r *UserRepository) IncrementClaimed(ctx context.Context, tx database.TxQuerier, userID string) error {
	_, err := tx.Exec(ctx, `UPDATE users SET claimed = claimed + 1, updated_at = now() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("increment claimed for %s: %w", userID, err)
	}
	return nil
}

// DecrementClaimed applies step 3 of §4.9, floored at zero.
func (r *UserRepository) DecrementClaimed(ctx context.Context, tx database.TxQuerier, userID string) error {
	_, err := tx.Exec(ctx, `UPDATE users SET claimed = GREATEST(0, claimed - 1), updated_at = now() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("decrement claimed for %s: %w", userID, err)
	}
	return nil
}
