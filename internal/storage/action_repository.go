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

// ActionRepository is the orchestrator's durable dedup store. Claiming
// an idempotency key is an atomic check-and-set against the primary
// key, which keeps at-least-once event delivery from replaying applied
// actions.
type ActionRepository struct {
	db *PostgresDB
}

// NewActionRepository creates a new action repository
func NewActionRepository(db *PostgresDB) *ActionRepository {
	return &ActionRepository{db: db}
}

// Claim attempts to take ownership of an idempotency key. It inserts a
// claimed row, or re-claims a previously failed one. Returns true when
// the caller now owns the key and must execute the action; false means
// the action is already claimed or applied elsewhere.
func (r *ActionRepository) Claim(ctx context.Context, key, paymentID string, actionType types.ActionType) (bool, error) {
	now := time.Now()

	insert := `
		INSERT INTO entitlement_actions
			(idempotency_key, payment_id, action_type, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, insert, key, paymentID, actionType, types.ActionClaimed, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim action: %w", err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}

	// Key exists. Failed actions are retryable: flip them back to
	// claimed, guarded so only one retrier wins.
	reclaim := `
		UPDATE entitlement_actions
		SET status = $2, attempts = attempts + 1, updated_at = $3
		WHERE idempotency_key = $1 AND status = $4
	`

	result, err = r.db.Pool().Exec(ctx, reclaim, key, types.ActionClaimed, now, types.ActionFailed)
	if err != nil {
		return false, fmt.Errorf("failed to re-claim action: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkApplied records that the action's effect is durable
func (r *ActionRepository) MarkApplied(ctx context.Context, key string) error {
	query := `
		UPDATE entitlement_actions
		SET status = $2, last_error = NULL, updated_at = $3
		WHERE idempotency_key = $1 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, key, types.ActionApplied, time.Now(), types.ActionClaimed)
	if err != nil {
		return fmt.Errorf("failed to mark action applied: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &types.ServiceError{Code: "ACTION_NOT_CLAIMED", Message: fmt.Sprintf("action %s is not claimed", key)}
	}
	return nil
}

// MarkFailed records a failed attempt so a later delivery can retry it
func (r *ActionRepository) MarkFailed(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	query := `
		UPDATE entitlement_actions
		SET status = $2, last_error = $3, updated_at = $4
		WHERE idempotency_key = $1 AND status = $5
	`

	_, err := r.db.Pool().Exec(ctx, query, key, types.ActionFailed, msg, time.Now(), types.ActionClaimed)
	if err != nil {
		return fmt.Errorf("failed to mark action failed: %w", err)
	}
	return nil
}

// ReleaseStale flips claimed rows whose claim outlived the timeout
// back to failed. A claim goes stale when the process died between
// Claim and MarkApplied; releasing it lets the reconciler re-drive the
// action through the normal re-claim path.
func (r *ActionRepository) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE entitlement_actions
		SET status = $1, last_error = 'claim expired', updated_at = $2
		WHERE status = $3 AND updated_at < $4
	`

	result, err := r.db.Pool().Exec(ctx, query, types.ActionFailed, time.Now(), types.ActionClaimed, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListRetryable returns failed action rows awaiting redelivery
func (r *ActionRepository) ListRetryable(ctx context.Context, limit int) ([]*models.EntitlementAction, error) {
	query := `
		SELECT idempotency_key, payment_id, action_type, status, attempts, last_error, created_at, updated_at
		FROM entitlement_actions
		WHERE status = $1
		ORDER BY updated_at
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, types.ActionFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.EntitlementAction
	for rows.Next() {
		var a models.EntitlementAction
		err := rows.Scan(
			&a.IdempotencyKey,
			&a.PaymentID,
			&a.ActionType,
			&a.Status,
			&a.Attempts,
			&a.LastError,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return actions, nil
}

// Get retrieves an action row by idempotency key
func (r *ActionRepository) Get(ctx context.Context, key string) (*models.EntitlementAction, error) {
	query := `
		SELECT idempotency_key, payment_id, action_type, status, attempts, last_error, created_at, updated_at
		FROM entitlement_actions
		WHERE idempotency_key = $1
	`

	var a models.EntitlementAction
	err := r.db.Pool().QueryRow(ctx, query, key).Scan(
		&a.IdempotencyKey,
		&a.PaymentID,
		&a.ActionType,
		&a.Status,
		&a.Attempts,
		&a.LastError,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.ServiceError{Code: "ACTION_NOT_FOUND", Message: fmt.Sprintf("action not found: %s", key)}
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}

	return &a, nil
}

// ListByPayment returns all action rows recorded for a payment
func (r *ActionRepository) ListByPayment(ctx context.Context, paymentID string) ([]*models.EntitlementAction, error) {
	query := `
		SELECT idempotency_key, payment_id, action_type, status, attempts, last_error, created_at, updated_at
		FROM entitlement_actions
		WHERE payment_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.EntitlementAction
	for rows.Next() {
		var a models.EntitlementAction
		err := rows.Scan(
			&a.IdempotencyKey,
			&a.PaymentID,
			&a.ActionType,
			&a.Status,
			&a.Attempts,
			&a.LastError,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return actions, nil
}
