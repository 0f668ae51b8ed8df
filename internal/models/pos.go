package models

import (
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// POSPayment records a point-of-sale settlement. Append-only and keyed
// by (user_id, trigger_event_id) against duplicate delivery.
type POSPayment struct {
	ID             string     `json:"id" db:"id"`
	OrderID        string     `json:"orderId" db:"order_id"`
	UserID         string     `json:"userId" db:"user_id"`
	OperatorID     string     `json:"operatorId" db:"operator_id"`
	TriggerEventID string     `json:"triggerEventId" db:"trigger_event_id"`
	Amount         string     `json:"amount" db:"amount"`
	Rail           types.Rail `json:"rail" db:"rail"`
	SettledAt      time.Time  `json:"settledAt" db:"settled_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
}

// CheckInEvent records a venue check-in. Append-only.
type CheckInEvent struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"userId" db:"user_id"`
	OperatorID     string    `json:"operatorId" db:"operator_id"`
	TriggerEventID string    `json:"triggerEventId" db:"trigger_event_id"`
	Venue          string    `json:"venue" db:"venue"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}
