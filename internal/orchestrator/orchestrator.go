package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// ActionStore is the durable dedup store for entitlement actions
type ActionStore interface {
	Claim(ctx context.Context, key, paymentID string, actionType types.ActionType) (bool, error)
	MarkApplied(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key string, cause error) error
	Get(ctx context.Context, key string) (*models.EntitlementAction, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*models.EntitlementAction, error)
}

// SubscriptionActivator activates or renews a subscription
type SubscriptionActivator interface {
	Activate(ctx context.Context, userID, subType string, period time.Duration) (*models.Subscription, error)
}

// MintRequester enqueues an NFT membership mint
type MintRequester interface {
	RequestMint(ctx context.Context, userID, tier, billingPeriod string, expiration time.Time) (*models.NFTMembership, error)
}

// POSSettler records a point-of-sale settlement
type POSSettler interface {
	SettleOnce(ctx context.Context, p *models.POSPayment) (bool, error)
}

// LoyaltyCrediter issues a loyalty credit
type LoyaltyCrediter interface {
	CreditOnce(ctx context.Context, reward *models.LoyaltyReward) (bool, error)
}

// EventPublisher fans applied actions out to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, ev types.EntitlementEvent) error
}

// Config tunes the orchestrator
type Config struct {
	SubscriptionPeriod time.Duration // end-date extension per confirmed payment
	POSLoyaltyPoints   int64         // points credited per settled checkout
}

// Orchestrator turns confirmed payments into entitlement changes. Each
// payment expands into a plan of actions; every action is claimed in
// the durable store under a key derived from the payment and action
// type, so redelivered confirmations re-run only the actions that
// have not been applied yet.
type Orchestrator struct {
	actions ActionStore
	subs    SubscriptionActivator
	mints   MintRequester
	pos     POSSettler
	loyalty LoyaltyCrediter
	bus     EventPublisher
	cfg     Config
	logger  *logging.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(actions ActionStore, subs SubscriptionActivator, mints MintRequester, pos POSSettler, loyalty LoyaltyCrediter, bus EventPublisher, cfg Config) *Orchestrator {
	if cfg.SubscriptionPeriod <= 0 {
		cfg.SubscriptionPeriod = 30 * 24 * time.Hour
	}
	if cfg.POSLoyaltyPoints <= 0 {
		cfg.POSLoyaltyPoints = 25
	}
	return &Orchestrator{
		actions: actions,
		subs:    subs,
		mints:   mints,
		pos:     pos,
		loyalty: loyalty,
		bus:     bus,
		cfg:     cfg,
		logger:  logging.GetGlobalLogger().WithField("component", "orchestrator"),
	}
}

// IdempotencyKey derives the durable claim key for one action of one
// payment.
func IdempotencyKey(paymentID string, action types.ActionType) string {
	sum := sha256.Sum256([]byte(paymentID + "|" + string(action)))
	return hex.EncodeToString(sum[:])
}

// plan expands a confirmed payment into its entitlement actions
func plan(ev types.PaymentConfirmed) []types.ActionType {
	switch ev.Purpose {
	case types.PurposeSubscription:
		return []types.ActionType{types.ActionActivateSubscription}
	case types.PurposeMembership:
		return []types.ActionType{types.ActionEnqueueMint}
	case types.PurposePOS:
		return []types.ActionType{types.ActionSettlePOS, types.ActionCreditLoyalty}
	default:
		return nil
	}
}

// HandlePaymentConfirmed processes one confirmation. Safe to call any
// number of times for the same payment: applied actions are skipped,
// failed ones are re-claimed and retried. The first error aborts the
// remaining plan; the claim rows keep enough state for the next
// delivery to pick up where this one stopped.
func (o *Orchestrator) HandlePaymentConfirmed(ctx context.Context, ev types.PaymentConfirmed) error {
	actions := plan(ev)
	if len(actions) == 0 {
		o.logger.WithFields(map[string]interface{}{
			"payment_id": ev.PaymentID,
			"purpose":    string(ev.Purpose),
		}).Warn("No entitlement plan for payment purpose")
		return nil
	}

	logger := o.logger.WithField("payment_id", ev.PaymentID)

	for _, action := range actions {
		key := IdempotencyKey(ev.PaymentID, action)

		claimed, err := o.actions.Claim(ctx, key, ev.PaymentID, action)
		if err != nil {
			return serrors.NewDatabaseError("claim action", err)
		}
		if !claimed {
			logger.WithField("action", string(action)).Debug("Action already claimed or applied")
			continue
		}

		if err := o.execute(ctx, key, action, ev); err != nil {
			if ferr := o.actions.MarkFailed(ctx, key, err); ferr != nil {
				logger.WithError(ferr).Error("Failed to record action failure")
			}
			logger.WithError(err).WithField("action", string(action)).Error("Entitlement action failed")
			return err
		}

		if err := o.actions.MarkApplied(ctx, key); err != nil {
			return err
		}

		logger.WithField("action", string(action)).Info("Entitlement action applied")

		if err := o.bus.Publish(ctx, types.EntitlementEvent{
			TriggerEventID: key,
			PaymentID:      ev.PaymentID,
			UserID:         ev.UserID,
			Rail:           ev.Rail,
			Action:         action,
			Amount:         ev.Amount,
			OccurredAt:     time.Now(),
		}); err != nil {
			logger.WithError(err).Warn("Event publish interrupted")
		}
	}

	return nil
}

// ActionsForPayment reports the recorded actions for a payment
func (o *Orchestrator) ActionsForPayment(ctx context.Context, paymentID string) ([]*models.EntitlementAction, error) {
	return o.actions.ListByPayment(ctx, paymentID)
}

func (o *Orchestrator) execute(ctx context.Context, key string, action types.ActionType, ev types.PaymentConfirmed) error {
	switch action {
	case types.ActionActivateSubscription:
		subType := ev.Tier
		if subType == "" {
			subType = "standard"
		}
		_, err := o.subs.Activate(ctx, ev.UserID, subType, o.cfg.SubscriptionPeriod)
		return err

	case types.ActionEnqueueMint:
		billingPeriod := ev.ConfirmedAt.Format("2006-01")
		expiration := ev.ConfirmedAt.AddDate(0, 1, 0)
		_, err := o.mints.RequestMint(ctx, ev.UserID, ev.Tier, billingPeriod, expiration)
		return err

	case types.ActionSettlePOS:
		_, err := o.pos.SettleOnce(ctx, &models.POSPayment{
			OrderID:        ev.OrderID,
			UserID:         ev.UserID,
			TriggerEventID: key,
			Amount:         ev.Amount,
			Rail:           ev.Rail,
			SettledAt:      ev.ConfirmedAt,
		})
		return err

	case types.ActionCreditLoyalty:
		_, err := o.loyalty.CreditOnce(ctx, &models.LoyaltyReward{
			UserID:         ev.UserID,
			TriggerEventID: key,
			Points:         o.cfg.POSLoyaltyPoints,
			Description:    fmt.Sprintf("checkout %s", ev.OrderID),
		})
		return err

	default:
		return serrors.NewInternalError(fmt.Sprintf("unknown action type %s", action), nil)
	}
}
