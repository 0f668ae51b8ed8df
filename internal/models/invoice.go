package models

import (
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// Invoice represents a Lightning invoice tracked by the ledger.
// Status moves PENDING->PAID or PENDING->EXPIRED and never leaves a
// terminal state.
type Invoice struct {
	InvoiceID      string               `json:"invoiceId" db:"invoice_id"` // rail-assigned, unique
	UserID         string               `json:"userId" db:"user_id"`
	AmountSats     int64                `json:"amountSats" db:"amount_sats"`
	Description    string               `json:"description" db:"description"`
	PaymentRequest string               `json:"paymentRequest" db:"payment_request"` // BOLT11 string
	Purpose        types.PaymentPurpose `json:"purpose" db:"purpose"`
	Tier           string               `json:"tier,omitempty" db:"tier"`
	OrderID        string               `json:"orderId,omitempty" db:"order_id"`
	Status         types.InvoiceStatus  `json:"status" db:"status"`
	ExpiresAt      time.Time            `json:"expiresAt" db:"expires_at"`
	PaidAt         *time.Time           `json:"paidAt,omitempty" db:"paid_at"`
	CreatedAt      time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time            `json:"updatedAt" db:"updated_at"`
}
