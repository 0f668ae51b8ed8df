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

// InvoiceRepository handles Lightning invoice persistence. Status
// transitions are guarded in SQL so two concurrent observers of the
// same invoice cannot both apply one.
type InvoiceRepository struct {
	db *PostgresDB
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *PostgresDB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create persists a new PENDING invoice
func (r *InvoiceRepository) Create(ctx context.Context, inv *models.Invoice) error {
	now := time.Now()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	if inv.Status == "" {
		inv.Status = types.InvoicePending
	}

	query := `
		INSERT INTO invoices
			(invoice_id, user_id, amount_sats, description, payment_request,
			 purpose, tier, order_id, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		inv.InvoiceID,
		inv.UserID,
		inv.AmountSats,
		inv.Description,
		inv.PaymentRequest,
		inv.Purpose,
		inv.Tier,
		inv.OrderID,
		inv.Status,
		inv.ExpiresAt,
		inv.CreatedAt,
		inv.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}

	return nil
}

// GetByID retrieves an invoice by its rail-assigned ID
func (r *InvoiceRepository) GetByID(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	query := `
		SELECT invoice_id, user_id, amount_sats, description, payment_request,
		       purpose, tier, order_id, status, expires_at, paid_at, created_at, updated_at
		FROM invoices
		WHERE invoice_id = $1
	`

	var inv models.Invoice
	err := r.db.Pool().QueryRow(ctx, query, invoiceID).Scan(
		&inv.InvoiceID,
		&inv.UserID,
		&inv.AmountSats,
		&inv.Description,
		&inv.PaymentRequest,
		&inv.Purpose,
		&inv.Tier,
		&inv.OrderID,
		&inv.Status,
		&inv.ExpiresAt,
		&inv.PaidAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.ServiceError{Code: "INVOICE_NOT_FOUND", Message: fmt.Sprintf("invoice not found: %s", invoiceID)}
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	return &inv, nil
}

// MarkPaid transitions a PENDING invoice to PAID. Returns true when
// this call performed the transition, false when the invoice was no
// longer PENDING. The WHERE clause is the per-entity transition guard.
func (r *InvoiceRepository) MarkPaid(ctx context.Context, invoiceID string, paidAt time.Time) (bool, error) {
	query := `
		UPDATE invoices
		SET status = $2, paid_at = $3, updated_at = $4
		WHERE invoice_id = $1 AND status = $5
	`

	result, err := r.db.Pool().Exec(ctx, query,
		invoiceID, types.InvoicePaid, paidAt, time.Now(), types.InvoicePending)
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice paid: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkExpired transitions a PENDING invoice to EXPIRED. Same guard
// semantics as MarkPaid.
func (r *InvoiceRepository) MarkExpired(ctx context.Context, invoiceID string) (bool, error) {
	query := `
		UPDATE invoices
		SET status = $2, updated_at = $3
		WHERE invoice_id = $1 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query,
		invoiceID, types.InvoiceExpired, time.Now(), types.InvoicePending)
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice expired: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ListExpiredPending returns PENDING invoices whose expiry has passed,
// for the background sweep.
func (r *InvoiceRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Invoice, error) {
	query := `
		SELECT invoice_id, user_id, amount_sats, description, payment_request,
		       purpose, tier, order_id, status, expires_at, paid_at, created_at, updated_at
		FROM invoices
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, types.InvoicePending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*models.Invoice
	for rows.Next() {
		var inv models.Invoice
		err := rows.Scan(
			&inv.InvoiceID,
			&inv.UserID,
			&inv.AmountSats,
			&inv.Description,
			&inv.PaymentRequest,
			&inv.Purpose,
			&inv.Tier,
			&inv.OrderID,
			&inv.Status,
			&inv.ExpiresAt,
			&inv.PaidAt,
			&inv.CreatedAt,
			&inv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, &inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoices: %w", err)
	}

	return invoices, nil
}

// ListPendingIDs returns the IDs of invoices still awaiting settlement,
// used to restart watchers after a process restart.
func (r *InvoiceRepository) ListPendingIDs(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT invoice_id
		FROM invoices
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, types.InvoicePending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending invoices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan invoice id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoice ids: %w", err)
	}

	return ids, nil
}
