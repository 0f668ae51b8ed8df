package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
)

// RewardRepository handles loyalty credits and bonus NFTs. Both tables
// are append-only with a unique (user, trigger event) pair, so
// duplicate event-bus deliveries insert nothing.
type RewardRepository struct {
	db *PostgresDB
}

// NewRewardRepository creates a new reward repository
func NewRewardRepository(db *PostgresDB) *RewardRepository {
	return &RewardRepository{db: db}
}

// CreditOnce issues loyalty points for a trigger event. Returns true
// when this call inserted the credit; false means the event was already
// processed for this user.
func (r *RewardRepository) CreditOnce(ctx context.Context, reward *models.LoyaltyReward) (bool, error) {
	if reward.ID == "" {
		reward.ID = uuid.New().String()
	}
	reward.CreatedAt = time.Now()

	query := `
		INSERT INTO loyalty_rewards
			(id, user_id, trigger_event_id, points, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, trigger_event_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		reward.ID,
		reward.UserID,
		reward.TriggerEventID,
		reward.Points,
		reward.Description,
		reward.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to credit loyalty reward: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// IssueNFTOnce records a bonus NFT for a trigger event, same dedup rule
// as CreditOnce.
func (r *RewardRepository) IssueNFTOnce(ctx context.Context, reward *models.NFTLoyaltyReward) (bool, error) {
	if reward.ID == "" {
		reward.ID = uuid.New().String()
	}
	reward.CreatedAt = time.Now()

	query := `
		INSERT INTO nft_loyalty_rewards
			(id, user_id, trigger_event_id, token_uri, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, trigger_event_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		reward.ID,
		reward.UserID,
		reward.TriggerEventID,
		reward.TokenURI,
		reward.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to issue loyalty NFT: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ListByUser returns a user's loyalty credits, newest first
func (r *RewardRepository) ListByUser(ctx context.Context, userID string) ([]*models.LoyaltyReward, error) {
	query := `
		SELECT id, user_id, trigger_event_id, points, description, redeemed_at, created_at
		FROM loyalty_rewards
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	defer rows.Close()

	var rewards []*models.LoyaltyReward
	for rows.Next() {
		var rw models.LoyaltyReward
		err := rows.Scan(
			&rw.ID,
			&rw.UserID,
			&rw.TriggerEventID,
			&rw.Points,
			&rw.Description,
			&rw.RedeemedAt,
			&rw.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		rewards = append(rewards, &rw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rewards: %w", err)
	}

	return rewards, nil
}

// Redeem marks a credit as spent. Redeeming an already-redeemed credit
// is a no-op; returns true when this call redeemed it.
func (r *RewardRepository) Redeem(ctx context.Context, rewardID, userID string) (bool, error) {
	query := `
		UPDATE loyalty_rewards
		SET redeemed_at = $3
		WHERE id = $1 AND user_id = $2 AND redeemed_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, rewardID, userID, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to redeem reward: %w", err)
	}

	return result.RowsAffected() == 1, nil
}
