package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// UserRepository handles user data persistence
type UserRepository struct {
	db *PostgresDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db}
}

// Create creates a new user. The role defaults to MEMBER.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = types.RoleMember
	}
	if !types.ValidRole(string(user.Role)) {
		return &types.ServiceError{
			Code:    "INVALID_PARAMETER",
			Message: fmt.Sprintf("invalid role: %s", user.Role),
		}
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, email, role, eth_address, ln_pubkey, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		user.ID,
		user.Email,
		user.Role,
		user.EthAddress,
		user.LnPubkey,
		user.CreatedAt,
		user.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT id, email, role, eth_address, ln_pubkey, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	var user models.User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Role,
		&user.EthAddress,
		&user.LnPubkey,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.ServiceError{Code: "USER_NOT_FOUND", Message: fmt.Sprintf("user not found: %s", id)}
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetRole retrieves just the role for a user
func (r *UserRepository) GetRole(ctx context.Context, id string) (types.Role, error) {
	var role types.Role
	query := `SELECT role FROM users WHERE id = $1`

	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", &types.ServiceError{Code: "USER_NOT_FOUND", Message: fmt.Sprintf("user not found: %s", id)}
		}
		return "", fmt.Errorf("failed to get user role: %w", err)
	}

	return role, nil
}

// UpdateRole updates a user's role. Authorization happens in the RBAC
// guard before this is called.
func (r *UserRepository) UpdateRole(ctx context.Context, id string, role types.Role) error {
	if !types.ValidRole(string(role)) {
		return &types.ServiceError{
			Code:    "INVALID_PARAMETER",
			Message: fmt.Sprintf("invalid role: %s", role),
		}
	}

	query := `
		UPDATE users
		SET role = $2, updated_at = $3
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, role, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update user role: %w", err)
	}

	if result.RowsAffected() == 0 {
		return &types.ServiceError{Code: "USER_NOT_FOUND", Message: fmt.Sprintf("user not found: %s", id)}
	}

	return nil
}

// LinkEthAddress sets the user's Ethereum address
func (r *UserRepository) LinkEthAddress(ctx context.Context, id, address string) error {
	query := `
		UPDATE users
		SET eth_address = $2, updated_at = $3
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, address, time.Now())
	if err != nil {
		return fmt.Errorf("failed to link eth address: %w", err)
	}

	if result.RowsAffected() == 0 {
		return &types.ServiceError{Code: "USER_NOT_FOUND", Message: fmt.Sprintf("user not found: %s", id)}
	}

	return nil
}

// LinkLnPubkey sets the user's Lightning node pubkey
func (r *UserRepository) LinkLnPubkey(ctx context.Context, id, pubkey string) error {
	query := `
		UPDATE users
		SET ln_pubkey = $2, updated_at = $3
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, pubkey, time.Now())
	if err != nil {
		return fmt.Errorf("failed to link ln pubkey: %w", err)
	}

	if result.RowsAffected() == 0 {
		return &types.ServiceError{Code: "USER_NOT_FOUND", Message: fmt.Sprintf("user not found: %s", id)}
	}

	return nil
}

// Exists checks if a user exists by ID
func (r *UserRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`

	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}

	return exists, nil
}
