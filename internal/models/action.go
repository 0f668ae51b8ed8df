package models

import (
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// EntitlementAction is one row of the orchestrator's durable dedup
// store. The idempotency key is the primary key; claiming it is an
// atomic check-and-set, which is what makes at-least-once delivery
// safe.
type EntitlementAction struct {
	IdempotencyKey string             `json:"idempotencyKey" db:"idempotency_key"`
	PaymentID      string             `json:"paymentId" db:"payment_id"`
	ActionType     types.ActionType   `json:"actionType" db:"action_type"`
	Status         types.ActionStatus `json:"status" db:"status"`
	Attempts       int                `json:"attempts" db:"attempts"`
	LastError      *string            `json:"lastError,omitempty" db:"last_error"`
	CreatedAt      time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time          `json:"updatedAt" db:"updated_at"`
}
