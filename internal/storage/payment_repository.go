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

// PaymentRepository handles Ethereum payment persistence. Terminal
// transitions are guarded so a payment confirms or fails exactly once.
type PaymentRepository struct {
	db *PostgresDB
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *PostgresDB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create registers a payment for tracking. Re-registering a tx hash
// that is already tracked is a no-op (returns the existing record).
func (r *PaymentRepository) Create(ctx context.Context, p *models.EthereumPayment) (bool, error) {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = types.PaymentPending
	}

	query := `
		INSERT INTO eth_payments
			(tx_hash, user_id, expected_amount, expected_token, purpose, tier,
			 order_id, status, confirmations_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_hash) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		p.TxHash,
		p.UserID,
		p.ExpectedAmount,
		p.ExpectedToken,
		p.Purpose,
		p.Tier,
		p.OrderID,
		p.Status,
		p.ConfirmationsSeen,
		p.CreatedAt,
		p.UpdatedAt,
	)

	if err != nil {
		return false, fmt.Errorf("failed to create payment: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// GetByTxHash retrieves a payment by transaction hash
func (r *PaymentRepository) GetByTxHash(ctx context.Context, txHash string) (*models.EthereumPayment, error) {
	query := `
		SELECT tx_hash, user_id, expected_amount, expected_token, purpose, tier,
		       order_id, status, confirmations_seen, failure_reason, confirmed_at,
		       created_at, updated_at
		FROM eth_payments
		WHERE tx_hash = $1
	`

	var p models.EthereumPayment
	err := r.db.Pool().QueryRow(ctx, query, txHash).Scan(
		&p.TxHash,
		&p.UserID,
		&p.ExpectedAmount,
		&p.ExpectedToken,
		&p.Purpose,
		&p.Tier,
		&p.OrderID,
		&p.Status,
		&p.ConfirmationsSeen,
		&p.FailureReason,
		&p.ConfirmedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.ServiceError{Code: "PAYMENT_NOT_FOUND", Message: fmt.Sprintf("payment not found: %s", txHash)}
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return &p, nil
}

// UpdateConfirmations records progress toward the confirmation depth.
// Only non-terminal payments are updated.
func (r *PaymentRepository) UpdateConfirmations(ctx context.Context, txHash string, confirmations uint64) error {
	query := `
		UPDATE eth_payments
		SET confirmations_seen = $2, updated_at = $3
		WHERE tx_hash = $1 AND status IN ($4, $5)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		txHash, confirmations, time.Now(), types.PaymentPending, types.PaymentAwaitingRetry)
	if err != nil {
		return fmt.Errorf("failed to update confirmations: %w", err)
	}
	return nil
}

// MarkConfirmed transitions a payment to CONFIRMED. Returns true when
// this call performed the transition.
func (r *PaymentRepository) MarkConfirmed(ctx context.Context, txHash string, confirmations uint64, confirmedAt time.Time) (bool, error) {
	query := `
		UPDATE eth_payments
		SET status = $2, confirmations_seen = $3, confirmed_at = $4, updated_at = $5
		WHERE tx_hash = $1 AND status IN ($6, $7)
	`

	result, err := r.db.Pool().Exec(ctx, query,
		txHash, types.PaymentConfirmedStatus, confirmations, confirmedAt, time.Now(),
		types.PaymentPending, types.PaymentAwaitingRetry)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment confirmed: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkFailed transitions a payment to FAILED with a reason. Returns
// true when this call performed the transition.
func (r *PaymentRepository) MarkFailed(ctx context.Context, txHash string, reason types.FailureReason) (bool, error) {
	query := `
		UPDATE eth_payments
		SET status = $2, failure_reason = $3, updated_at = $4
		WHERE tx_hash = $1 AND status IN ($5, $6)
	`

	result, err := r.db.Pool().Exec(ctx, query,
		txHash, types.PaymentFailed, string(reason), time.Now(),
		types.PaymentPending, types.PaymentAwaitingRetry)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment failed: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkAwaitingRetry flags a payment whose rail is circuit-broken
func (r *PaymentRepository) MarkAwaitingRetry(ctx context.Context, txHash string) error {
	query := `
		UPDATE eth_payments
		SET status = $2, updated_at = $3
		WHERE tx_hash = $1 AND status = $4
	`

	_, err := r.db.Pool().Exec(ctx, query,
		txHash, types.PaymentAwaitingRetry, time.Now(), types.PaymentPending)
	if err != nil {
		return fmt.Errorf("failed to mark payment awaiting retry: %w", err)
	}
	return nil
}

// ListNonTerminal returns payments still under observation, used to
// resume tracking after a restart.
func (r *PaymentRepository) ListNonTerminal(ctx context.Context, limit int) ([]*models.EthereumPayment, error) {
	query := `
		SELECT tx_hash, user_id, expected_amount, expected_token, purpose, tier,
		       order_id, status, confirmations_seen, failure_reason, confirmed_at,
		       created_at, updated_at
		FROM eth_payments
		WHERE status IN ($1, $2)
		ORDER BY created_at
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, types.PaymentPending, types.PaymentAwaitingRetry, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.EthereumPayment
	for rows.Next() {
		var p models.EthereumPayment
		err := rows.Scan(
			&p.TxHash,
			&p.UserID,
			&p.ExpectedAmount,
			&p.ExpectedToken,
			&p.Purpose,
			&p.Tier,
			&p.OrderID,
			&p.Status,
			&p.ConfirmationsSeen,
			&p.FailureReason,
			&p.ConfirmedAt,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}

	return payments, nil
}
