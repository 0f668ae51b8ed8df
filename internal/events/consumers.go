package events

import (
	"context"
	"fmt"
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/retry"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// RewardStore is the slice of the reward repository the loyalty
// consumer needs.
type RewardStore interface {
	CreditOnce(ctx context.Context, reward *models.LoyaltyReward) (bool, error)
	IssueNFTOnce(ctx context.Context, reward *models.NFTLoyaltyReward) (bool, error)
}

// AnalyticsSink receives a copy of every entitlement event
type AnalyticsSink interface {
	InsertEntitlementEvent(ctx context.Context, ev *types.EntitlementEvent) error
}

// Points issued per entitlement action. POS settlements carry their
// own loyalty.credit action, so they earn nothing extra here.
var loyaltyPoints = map[types.ActionType]int64{
	types.ActionActivateSubscription: 100,
	types.ActionEnqueueMint:          50,
}

// LoyaltyConsumer issues loyalty credits for entitlement events. The
// store's (user, trigger event) uniqueness absorbs duplicate delivery.
type LoyaltyConsumer struct {
	store  RewardStore
	logger *logging.Logger
}

// NewLoyaltyConsumer creates a loyalty consumer
func NewLoyaltyConsumer(store RewardStore) *LoyaltyConsumer {
	return &LoyaltyConsumer{
		store:  store,
		logger: logging.GetGlobalLogger().WithField("component", "loyalty_consumer"),
	}
}

// Run drains the channel until it closes or ctx is cancelled
func (c *LoyaltyConsumer) Run(ctx context.Context, events <-chan types.EntitlementEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.handle(ctx, ev); err != nil {
				c.logger.WithError(err).WithField("event_id", ev.TriggerEventID).
					Error("Failed to process loyalty event")
			}
		}
	}
}

func (c *LoyaltyConsumer) handle(ctx context.Context, ev types.EntitlementEvent) error {
	points, ok := loyaltyPoints[ev.Action]
	if !ok {
		return nil
	}

	credited, err := c.store.CreditOnce(ctx, &models.LoyaltyReward{
		UserID:         ev.UserID,
		TriggerEventID: ev.TriggerEventID,
		Points:         points,
		Description:    fmt.Sprintf("%s via %s", ev.Action, ev.Rail),
	})
	if err != nil {
		return err
	}
	if !credited {
		c.logger.WithField("event_id", ev.TriggerEventID).Debug("Duplicate loyalty event skipped")
		return nil
	}

	// Subscription activations also earn a bonus NFT. Same dedup key,
	// so the credit and the NFT can never diverge across redeliveries.
	if ev.Action == types.ActionActivateSubscription {
		_, err = c.store.IssueNFTOnce(ctx, &models.NFTLoyaltyReward{
			UserID:         ev.UserID,
			TriggerEventID: ev.TriggerEventID,
			TokenURI:       fmt.Sprintf("zephyr://loyalty/%s", ev.TriggerEventID),
		})
		if err != nil {
			return err
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"user_id": ev.UserID,
		"action":  string(ev.Action),
		"points":  points,
	}).Info("Loyalty credit issued")
	return nil
}

// EligibilityCache is the slice of the cache service the check-in
// consumer needs.
type EligibilityCache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CheckinEligibilityKey is the cache key under which a member's venue
// check-in eligibility is stored.
func CheckinEligibilityKey(userID string) string {
	return "checkin:eligible:" + userID
}

// CheckinConsumer keeps the venue check-in eligibility cache warm. A
// subscription activation or membership mint marks the member eligible
// so front-desk terminals can validate against Redis without a
// database round trip. Cache writes are best effort; a miss means the
// terminal validates through the API instead.
type CheckinConsumer struct {
	cache  EligibilityCache
	ttl    time.Duration
	logger *logging.Logger
}

// NewCheckinConsumer creates a check-in eligibility consumer
func NewCheckinConsumer(cache EligibilityCache, ttl time.Duration) *CheckinConsumer {
	return &CheckinConsumer{
		cache:  cache,
		ttl:    ttl,
		logger: logging.GetGlobalLogger().WithField("component", "checkin_consumer"),
	}
}

// Run drains the channel until it closes or ctx is cancelled
func (c *CheckinConsumer) Run(ctx context.Context, events <-chan types.EntitlementEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Action != types.ActionActivateSubscription && ev.Action != types.ActionEnqueueMint {
				continue
			}
			if err := c.cache.Set(ctx, CheckinEligibilityKey(ev.UserID), "1", c.ttl); err != nil {
				c.logger.WithError(err).WithField("user_id", ev.UserID).
					Warn("Failed to cache check-in eligibility")
				continue
			}
			c.logger.WithFields(map[string]interface{}{
				"user_id": ev.UserID,
				"action":  string(ev.Action),
			}).Info("Check-in eligibility recorded")
		}
	}
}

// AnalyticsConsumer streams entitlement events into the analytics
// store. Inserts are retried; the sink table is append-only so a
// redelivered event at worst lands twice and is collapsed at query
// time by trigger event ID.
type AnalyticsConsumer struct {
	sink   AnalyticsSink
	logger *logging.Logger
}

// NewAnalyticsConsumer creates an analytics consumer
func NewAnalyticsConsumer(sink AnalyticsSink) *AnalyticsConsumer {
	return &AnalyticsConsumer{
		sink:   sink,
		logger: logging.GetGlobalLogger().WithField("component", "analytics_consumer"),
	}
}

// Run drains the channel until it closes or ctx is cancelled
func (c *AnalyticsConsumer) Run(ctx context.Context, events <-chan types.EntitlementEvent) {
	cfg := &retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			err := retry.DoWithConfig(ctx, cfg, func(ctx context.Context, attempt int) error {
				return c.sink.InsertEntitlementEvent(ctx, &ev)
			})
			if err != nil {
				c.logger.WithError(err).WithField("event_id", ev.TriggerEventID).
					Error("Dropping analytics event after retries")
			}
		}
	}
}
