package models

import (
	"fmt"
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// NFTMembership represents an NFT membership mint request and, once
// minted, the resulting token. The idempotency key is unique: at most
// one successful mint exists per (user, tier, billing period) no matter
// how many times the request is retried.
type NFTMembership struct {
	ID              string           `json:"id" db:"id"`
	UserID          string           `json:"userId" db:"user_id"`
	Tier            string           `json:"tier" db:"tier"`
	BillingPeriod   string           `json:"billingPeriod" db:"billing_period"` // e.g. 2026-08
	IdempotencyKey  string           `json:"idempotencyKey" db:"mint_idempotency_key"`
	TokenID         *int64           `json:"tokenId,omitempty" db:"token_id"` // nil until minted
	ContractAddress string           `json:"contractAddress" db:"contract_address"`
	Status          types.MintStatus `json:"status" db:"status"`
	Attempts        int              `json:"attempts" db:"attempts"`
	Expiration      time.Time        `json:"expiration" db:"expiration"`
	CreatedAt       time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time        `json:"updatedAt" db:"updated_at"`
}

// MintIdempotencyKey builds the unique mint key for a user, tier and
// billing period.
func MintIdempotencyKey(userID, tier, billingPeriod string) string {
	return fmt.Sprintf("%s:%s:%s", userID, tier, billingPeriod)
}
