package models

import (
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// Subscription represents a recurring-billing subscription. CANCELLED
// is terminal; ACTIVE and PAUSED are mutually reversible. Renewal
// extends EndDate without changing Status.
type Subscription struct {
	ID           string                   `json:"id" db:"id"`
	UserID       string                   `json:"userId" db:"user_id"`
	Type         string                   `json:"type" db:"type"`
	Status       types.SubscriptionStatus `json:"status" db:"status"`
	StartDate    time.Time                `json:"startDate" db:"start_date"`
	EndDate      time.Time                `json:"endDate" db:"end_date"`
	StreamRef    *string                  `json:"streamRef,omitempty" db:"stream_ref"` // external payment stream reference
	CreatedAt    time.Time                `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time                `json:"updatedAt" db:"updated_at"`
}
