// Package types provides common type definitions for the payment
// confirmation and entitlement engine.
package types

import "time"

// Rail identifies the settlement rail a payment arrived on.
type Rail string

const (
	// RailLightning represents the Bitcoin Lightning Network rail
	RailLightning Rail = "lightning"
	// RailEthereum represents the Ethereum-compatible chain rail
	RailEthereum Rail = "ethereum"
)

// Role represents a user's access role.
type Role string

const (
	// RoleAdmin has full administrative access
	RoleAdmin Role = "ADMIN"
	// RoleOperator has payment and check-in capabilities
	RoleOperator Role = "OPERATOR"
	// RoleMember is the default role for registered users
	RoleMember Role = "MEMBER"
)

// ValidRole reports whether s is a recognized role value.
func ValidRole(s string) bool {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleMember:
		return true
	}
	return false
}

// Capability names a single authorizable operation. Permissions are
// enumerated per capability, never inferred from a role hierarchy.
type Capability string

const (
	// CapRoleRead reads a user's role
	CapRoleRead Capability = "role.read"
	// CapRoleAssign changes a user's role
	CapRoleAssign Capability = "role.assign"
	// CapWalletLink links a wallet address to a user
	CapWalletLink Capability = "wallet.link"
	// CapPOSCheckout settles a point-of-sale checkout
	CapPOSCheckout Capability = "pos.checkout"
	// CapPOSHistory reads point-of-sale settlement history
	CapPOSHistory Capability = "pos.history"
	// CapCheckinRecord records a venue check-in
	CapCheckinRecord Capability = "checkin.record"
	// CapRewardRedeem redeems a loyalty reward
	CapRewardRedeem Capability = "reward.redeem"
	// CapSubscriptionManage pauses, resumes or cancels a subscription
	CapSubscriptionManage Capability = "subscription.manage"
)

// InvoiceStatus represents the lifecycle state of a Lightning invoice.
type InvoiceStatus string

const (
	// InvoicePending means the invoice has been issued and not yet settled
	InvoicePending InvoiceStatus = "PENDING"
	// InvoicePaid is terminal: the invoice settled on the rail
	InvoicePaid InvoiceStatus = "PAID"
	// InvoiceExpired is terminal: the invoice passed its expiry unpaid
	InvoiceExpired InvoiceStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceExpired
}

// PaymentStatus represents the lifecycle state of an Ethereum payment.
type PaymentStatus string

const (
	// PaymentPending means the transaction is being observed
	PaymentPending PaymentStatus = "PENDING"
	// PaymentConfirmedStatus is terminal: confirmation depth was reached
	PaymentConfirmedStatus PaymentStatus = "CONFIRMED"
	// PaymentFailed is terminal: reverted, reorged out, mismatched or timed out
	PaymentFailed PaymentStatus = "FAILED"
	// PaymentAwaitingRetry means the rail is circuit-broken; observation
	// resumes when the breaker recovers
	PaymentAwaitingRetry PaymentStatus = "AWAITING_RETRY"
)

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentConfirmedStatus || s == PaymentFailed
}

// FailureReason explains a FAILED payment.
type FailureReason string

const (
	// ReasonReverted means the transaction executed but reverted
	ReasonReverted FailureReason = "Reverted"
	// ReasonReorged means the transaction disappeared from the canonical chain
	ReasonReorged FailureReason = "Reorged"
	// ReasonAbsent means the transaction was never observed on chain
	ReasonAbsent FailureReason = "Absent"
	// ReasonTimeout means the configured tracking timeout elapsed
	ReasonTimeout FailureReason = "Timeout"
	// ReasonAmountMismatch means the on-chain transfer did not match the expected amount
	ReasonAmountMismatch FailureReason = "AmountMismatch"
	// ReasonTokenMismatch means the on-chain transfer used an unexpected token
	ReasonTokenMismatch FailureReason = "TokenMismatch"
)

// SubscriptionStatus represents recurring-billing state.
type SubscriptionStatus string

const (
	// SubscriptionActive means the subscription is in good standing
	SubscriptionActive SubscriptionStatus = "ACTIVE"
	// SubscriptionPaused means billing is suspended but the subscription survives
	SubscriptionPaused SubscriptionStatus = "PAUSED"
	// SubscriptionCancelled is terminal
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// MintStatus represents the state of an NFT mint request.
type MintStatus string

const (
	// MintPending means the request is queued or in flight
	MintPending MintStatus = "PENDING"
	// MintMinted means the mint succeeded and a token ID is recorded
	MintMinted MintStatus = "MINTED"
	// MintFailedStatus means retries were exhausted; the request needs reconciliation
	MintFailedStatus MintStatus = "MINT_FAILED"
)

// PaymentPurpose determines which entitlement actions a confirmed
// payment triggers.
type PaymentPurpose string

const (
	// PurposeSubscription activates or extends a subscription
	PurposeSubscription PaymentPurpose = "subscription"
	// PurposeMembership mints an NFT membership
	PurposeMembership PaymentPurpose = "membership"
	// PurposePOS settles a point-of-sale order
	PurposePOS PaymentPurpose = "pos"
)

// ActionType identifies one entitlement side effect dispatched by the
// orchestrator for a confirmed payment.
type ActionType string

const (
	// ActionActivateSubscription activates or extends a subscription
	ActionActivateSubscription ActionType = "subscription.activate"
	// ActionEnqueueMint enqueues an NFT membership mint
	ActionEnqueueMint ActionType = "mint.enqueue"
	// ActionCreditLoyalty credits a loyalty reward
	ActionCreditLoyalty ActionType = "loyalty.credit"
	// ActionSettlePOS settles a POS payment
	ActionSettlePOS ActionType = "pos.settle"
)

// ActionStatus is the durable state of one orchestrated action.
type ActionStatus string

const (
	// ActionClaimed means the action is claimed by an orchestrator and running
	ActionClaimed ActionStatus = "claimed"
	// ActionApplied means the action completed; replays are acknowledged and skipped
	ActionApplied ActionStatus = "applied"
	// ActionFailed means the last attempt failed; the next delivery retries it
	ActionFailed ActionStatus = "failed"
)

// PaymentConfirmed is the normalized internal event emitted by the
// invoice ledger and the chain watcher when a payment settles. Exactly
// one is emitted per payment.
type PaymentConfirmed struct {
	PaymentID   string         `json:"paymentId"` // invoice_id or tx_hash
	UserID      string         `json:"userId"`
	Rail        Rail           `json:"rail"`
	Purpose     PaymentPurpose `json:"purpose"`
	Amount      string         `json:"amount"` // sats for lightning, token units for ethereum
	Token       string         `json:"token,omitempty"`
	Tier        string         `json:"tier,omitempty"`    // membership tier, when Purpose is membership
	OrderID     string         `json:"orderId,omitempty"` // POS order, when Purpose is pos
	ConfirmedAt time.Time      `json:"confirmedAt"`
}

// EntitlementEvent is fanned out on the event bus after the orchestrator
// applies an action. Consumers deduplicate on TriggerEventID.
type EntitlementEvent struct {
	TriggerEventID string     `json:"triggerEventId"` // idempotency key of the applied action
	PaymentID      string     `json:"paymentId"`
	UserID         string     `json:"userId"`
	Rail           Rail       `json:"rail"`
	Action         ActionType `json:"action"`
	Amount         string     `json:"amount"`
	OccurredAt     time.Time  `json:"occurredAt"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
