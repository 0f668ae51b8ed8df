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

// SubscriptionRepository handles subscription persistence. Status
// transitions go through guarded updates so the state machine's rules
// hold even under concurrent callers.
type SubscriptionRepository struct {
	db *PostgresDB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *PostgresDB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a new subscription
func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = types.SubscriptionActive
	}

	query := `
		INSERT INTO subscriptions
			(id, user_id, type, status, start_date, end_date, stream_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		sub.ID,
		sub.UserID,
		sub.Type,
		sub.Status,
		sub.StartDate,
		sub.EndDate,
		sub.StreamRef,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetByID retrieves a subscription by ID
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

// GetByUserAndType retrieves a user's live subscription of a given
// type. Cancelled rows are history and never returned here, so a user
// who cancelled can subscribe again.
func (r *SubscriptionRepository) GetByUserAndType(ctx context.Context, userID, subType string) (*models.Subscription, error) {
	return r.getOne(ctx, `WHERE user_id = $1 AND type = $2 AND status <> $3`, userID, subType, types.SubscriptionCancelled)
}

func (r *SubscriptionRepository) getOne(ctx context.Context, where string, args ...any) (*models.Subscription, error) {
	query := `
		SELECT id, user_id, type, status, start_date, end_date, stream_ref, created_at, updated_at
		FROM subscriptions ` + where

	var sub models.Subscription
	err := r.db.Pool().QueryRow(ctx, query, args...).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Type,
		&sub.Status,
		&sub.StartDate,
		&sub.EndDate,
		&sub.StreamRef,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.ServiceError{Code: "SUBSCRIPTION_NOT_FOUND", Message: "subscription not found"}
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &sub, nil
}

// ListByUser returns all subscriptions for a user
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]*models.Subscription, error) {
	query := `
		SELECT id, user_id, type, status, start_date, end_date, stream_ref, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		var sub models.Subscription
		err := rows.Scan(
			&sub.ID,
			&sub.UserID,
			&sub.Type,
			&sub.Status,
			&sub.StartDate,
			&sub.EndDate,
			&sub.StreamRef,
			&sub.CreatedAt,
			&sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}

// TransitionStatus moves a subscription from one status to another.
// Returns true when this call performed the transition; false means the
// row was not in the expected status.
func (r *SubscriptionRepository) TransitionStatus(ctx context.Context, id string, from, to types.SubscriptionStatus) (bool, error) {
	query := `
		UPDATE subscriptions
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, id, to, time.Now(), from)
	if err != nil {
		return false, fmt.Errorf("failed to transition subscription: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ExtendEndDate pushes an active subscription's end date forward.
// Status is untouched.
func (r *SubscriptionRepository) ExtendEndDate(ctx context.Context, id string, newEnd time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET end_date = $2, updated_at = $3
		WHERE id = $1 AND status = $4 AND end_date < $2
	`

	result, err := r.db.Pool().Exec(ctx, query, id, newEnd, time.Now(), types.SubscriptionActive)
	if err != nil {
		return false, fmt.Errorf("failed to extend subscription: %w", err)
	}

	return result.RowsAffected() == 1, nil
}
