package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
)

// POSRepository handles point-of-sale settlements and venue check-ins
type POSRepository struct {
	db *PostgresDB
}

// NewPOSRepository creates a new POS repository
func NewPOSRepository(db *PostgresDB) *POSRepository {
	return &POSRepository{db: db}
}

// SettleOnce records a POS settlement for a trigger event. Returns true
// when this call inserted the record; false on duplicate delivery.
func (r *POSRepository) SettleOnce(ctx context.Context, p *models.POSPayment) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now()

	query := `
		INSERT INTO pos_payments
			(id, order_id, user_id, operator_id, trigger_event_id, amount, rail, settled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, trigger_event_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		p.ID,
		p.OrderID,
		p.UserID,
		p.OperatorID,
		p.TriggerEventID,
		p.Amount,
		p.Rail,
		p.SettledAt,
		p.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to settle POS payment: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// History returns settlements, newest first. An empty userID returns
// all settlements.
func (r *POSRepository) History(ctx context.Context, userID string, limit int) ([]*models.POSPayment, error) {
	query := `
		SELECT id, order_id, user_id, operator_id, trigger_event_id, amount, rail, settled_at, created_at
		FROM pos_payments
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY settled_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list POS payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.POSPayment
	for rows.Next() {
		var p models.POSPayment
		err := rows.Scan(
			&p.ID,
			&p.OrderID,
			&p.UserID,
			&p.OperatorID,
			&p.TriggerEventID,
			&p.Amount,
			&p.Rail,
			&p.SettledAt,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan POS payment: %w", err)
		}
		payments = append(payments, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating POS payments: %w", err)
	}

	return payments, nil
}

// RecordCheckIn appends a venue check-in event
func (r *POSRepository) RecordCheckIn(ctx context.Context, e *models.CheckInEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now()

	query := `
		INSERT INTO checkin_events
			(id, user_id, operator_id, trigger_event_id, venue, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		e.ID,
		e.UserID,
		e.OperatorID,
		e.TriggerEventID,
		e.Venue,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record check-in: %w", err)
	}
	return nil
}
