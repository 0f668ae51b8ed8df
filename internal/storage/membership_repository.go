package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// MembershipRepository handles NFT membership persistence. The unique
// mint idempotency key is the mechanism that guarantees at most one
// successful mint per (user, tier, billing period).
type MembershipRepository struct {
	db *PostgresDB
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(db *PostgresDB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// ClaimMint inserts a mint request if no row exists for the idempotency
// key. Returns true when the request was claimed by this call; false
// means a request for this key already exists (pending, minted or
// failed) and the caller should look it up instead of enqueueing.
func (r *MembershipRepository) ClaimMint(ctx context.Context, m *models.NFTMembership) (bool, error) {
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = types.MintPending
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = models.MintIdempotencyKey(m.UserID, m.Tier, m.BillingPeriod)
	}

	query := `
		INSERT INTO nft_memberships
			(id, user_id, tier, billing_period, mint_idempotency_key, contract_address,
			 status, attempts, expiration, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (mint_idempotency_key) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		m.ID,
		m.UserID,
		m.Tier,
		m.BillingPeriod,
		m.IdempotencyKey,
		m.ContractAddress,
		m.Status,
		m.Attempts,
		m.Expiration,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim mint: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// GetByKey retrieves a membership by mint idempotency key
func (r *MembershipRepository) GetByKey(ctx context.Context, key string) (*models.NFTMembership, error) {
	return r.getOne(ctx, `WHERE mint_idempotency_key = $1`, key)
}

// GetActive returns the user's most recent minted, unexpired membership
func (r *MembershipRepository) GetActive(ctx context.Context, userID string, now time.Time) (*models.NFTMembership, error) {
	return r.getOne(ctx,
		`WHERE user_id = $1 AND status = $2 AND expiration > $3 ORDER BY expiration DESC LIMIT 1`,
		userID, types.MintMinted, now)
}

func (r *MembershipRepository) getOne(ctx context.Context, where string, args ...any) (*models.NFTMembership, error) {
	query := `
		SELECT id, user_id, tier, billing_period, mint_idempotency_key, token_id,
		       contract_address, status, attempts, expiration, created_at, updated_at
		FROM nft_memberships ` + where

	var m models.NFTMembership
	err := r.db.Pool().QueryRow(ctx, query, args...).Scan(
		&m.ID,
		&m.UserID,
		&m.Tier,
		&m.BillingPeriod,
		&m.IdempotencyKey,
		&m.TokenID,
		&m.ContractAddress,
		&m.Status,
		&m.Attempts,
		&m.Expiration,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.ServiceError{Code: "MEMBERSHIP_NOT_FOUND", Message: "membership not found"}
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	return &m, nil
}

// MarkMinted records a successful mint. Only a PENDING request can be
// marked; returns true when this call performed the transition.
func (r *MembershipRepository) MarkMinted(ctx context.Context, key string, tokenID int64) (bool, error) {
	query := `
		UPDATE nft_memberships
		SET status = $2, token_id = $3, updated_at = $4
		WHERE mint_idempotency_key = $1 AND status = $5
	`

	result, err := r.db.Pool().Exec(ctx, query,
		key, types.MintMinted, tokenID, time.Now(), types.MintPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark membership minted: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkMintFailed parks a request after its retry budget is spent
func (r *MembershipRepository) MarkMintFailed(ctx context.Context, key string) (bool, error) {
	query := `
		UPDATE nft_memberships
		SET status = $2, updated_at = $3
		WHERE mint_idempotency_key = $1 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query,
		key, types.MintFailedStatus, time.Now(), types.MintPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark mint failed: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// IncrementAttempts bumps the attempt counter for a pending request
func (r *MembershipRepository) IncrementAttempts(ctx context.Context, key string) error {
	query := `
		UPDATE nft_memberships
		SET attempts = attempts + 1, updated_at = $2
		WHERE mint_idempotency_key = $1
	`

	_, err := r.db.Pool().Exec(ctx, query, key, time.Now())
	if err != nil {
		return fmt.Errorf("failed to increment mint attempts: %w", err)
	}
	return nil
}

// Requeue flips a failed request back to PENDING for an operator
// retry. The attempt counter is reset.
func (r *MembershipRepository) Requeue(ctx context.Context, key string) (bool, error) {
	query := `
		UPDATE nft_memberships
		SET status = $2, attempts = 0, updated_at = $3
		WHERE mint_idempotency_key = $1 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query,
		key, types.MintPending, time.Now(), types.MintFailedStatus)
	if err != nil {
		return false, fmt.Errorf("failed to requeue mint: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ListPending returns unprocessed mint requests, used to refill the
// worker queue after a restart.
func (r *MembershipRepository) ListPending(ctx context.Context, limit int) ([]*models.NFTMembership, error) {
	query := `
		SELECT id, user_id, tier, billing_period, mint_idempotency_key, token_id,
		       contract_address, status, attempts, expiration, created_at, updated_at
		FROM nft_memberships
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, types.MintPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mints: %w", err)
	}
	defer rows.Close()

	var memberships []*models.NFTMembership
	for rows.Next() {
		var m models.NFTMembership
		err := rows.Scan(
			&m.ID,
			&m.UserID,
			&m.Tier,
			&m.BillingPeriod,
			&m.IdempotencyKey,
			&m.TokenID,
			&m.ContractAddress,
			&m.Status,
			&m.Attempts,
			&m.Expiration,
			&m.CreatedAt,
			&m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}

	return memberships, nil
}
