// Package models provides data models for the payment and entitlement engine.
package models

import (
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// User represents a user in the system. Wallet addresses live directly
// on the user record and are referenced by ID, never by object links.
type User struct {
	ID         string     `json:"id" db:"id"`
	Email      string     `json:"email" db:"email"`
	Role       types.Role `json:"role" db:"role"`
	EthAddress *string    `json:"ethAddress,omitempty" db:"eth_address"`
	LnPubkey   *string    `json:"lnPubkey,omitempty" db:"ln_pubkey"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
}
