package models

import (
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// EthereumPayment represents a payment transaction observed on an
// Ethereum-compatible chain. CONFIRMED is only reachable once the
// configured confirmation depth is met without the transaction leaving
// the canonical chain.
type EthereumPayment struct {
	TxHash            string               `json:"txHash" db:"tx_hash"` // unique per chain
	UserID            string               `json:"userId" db:"user_id"`
	ExpectedAmount    string               `json:"expectedAmount" db:"expected_amount"` // token base units as string
	ExpectedToken     string               `json:"expectedToken" db:"expected_token"`   // contract address, empty for native
	Purpose           types.PaymentPurpose `json:"purpose" db:"purpose"`
	Tier              string               `json:"tier,omitempty" db:"tier"`
	OrderID           string               `json:"orderId,omitempty" db:"order_id"`
	Status            types.PaymentStatus  `json:"status" db:"status"`
	ConfirmationsSeen uint64               `json:"confirmationsSeen" db:"confirmations_seen"`
	FailureReason     *string              `json:"failureReason,omitempty" db:"failure_reason"`
	ConfirmedAt       *time.Time           `json:"confirmedAt,omitempty" db:"confirmed_at"`
	CreatedAt         time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time            `json:"updatedAt" db:"updated_at"`
}
