package models

import "time"

// LoyaltyReward is an append-only loyalty credit. The
// (user_id, trigger_event_id) pair is unique so repeated event-bus
// delivery cannot double-issue.
type LoyaltyReward struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"userId" db:"user_id"`
	TriggerEventID string     `json:"triggerEventId" db:"trigger_event_id"`
	Points         int64      `json:"points" db:"points"`
	Description    string     `json:"description" db:"description"`
	RedeemedAt     *time.Time `json:"redeemedAt,omitempty" db:"redeemed_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
}

// NFTLoyaltyReward records a bonus NFT issued by the loyalty consumer
// for a confirmed entitlement event, keyed the same way.
type NFTLoyaltyReward struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"userId" db:"user_id"`
	TriggerEventID string    `json:"triggerEventId" db:"trigger_event_id"`
	TokenURI       string    `json:"tokenUri" db:"token_uri"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}
