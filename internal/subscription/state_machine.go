package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// Store is the slice of storage the state machine needs
type Store interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	GetByUserAndType(ctx context.Context, userID, subType string) (*models.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Subscription, error)
	TransitionStatus(ctx context.Context, id string, from, to types.SubscriptionStatus) (bool, error)
	ExtendEndDate(ctx context.Context, id string, newEnd time.Time) (bool, error)
}

// StateMachine enforces the subscription lifecycle. ACTIVE and PAUSED
// are mutually reversible, CANCELLED is terminal. Renewal extends the
// end date of an ACTIVE subscription without touching its status.
type StateMachine struct {
	store  Store
	logger *logging.Logger
}

// NewStateMachine creates a subscription state machine
func NewStateMachine(store Store) *StateMachine {
	return &StateMachine{
		store:  store,
		logger: logging.GetGlobalLogger().WithField("component", "subscription"),
	}
}

// Activate creates a subscription for the user, or renews an existing
// one by extending its end date by the period. A PAUSED subscription
// renews without resuming. CANCELLED is terminal for the subscription
// record, not for the user: the store ignores cancelled rows here, so
// paying again after a cancel starts a fresh subscription.
func (m *StateMachine) Activate(ctx context.Context, userID, subType string, period time.Duration) (*models.Subscription, error) {
	existing, err := m.store.GetByUserAndType(ctx, userID, subType)
	if err != nil {
		var svcErr *types.ServiceError
		if !errors.As(err, &svcErr) || svcErr.Code != "SUBSCRIPTION_NOT_FOUND" {
			return nil, err
		}
		existing = nil
	}

	if existing == nil {
		now := time.Now()
		sub := &models.Subscription{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      subType,
			Status:    types.SubscriptionActive,
			StartDate: now,
			EndDate:   now.Add(period),
		}
		if err := m.store.Create(ctx, sub); err != nil {
			// A concurrent activation can win the unique (user, type)
			// index between our read and this insert; fall through to
			// the renewal path.
			refetched, gerr := m.store.GetByUserAndType(ctx, userID, subType)
			if gerr != nil {
				return nil, serrors.NewDatabaseError("create subscription", err)
			}
			existing = refetched
		} else {
			m.logger.WithFields(map[string]interface{}{
				"user_id": userID,
				"type":    subType,
			}).Info("Subscription activated")
			return sub, nil
		}
	}

	return m.renew(ctx, existing, period)
}

func (m *StateMachine) renew(ctx context.Context, sub *models.Subscription, period time.Duration) (*models.Subscription, error) {
	switch sub.Status {
	case types.SubscriptionCancelled:
		// Only reachable when a cancel races the renewal between our
		// read and here; the redelivered activation will then see no
		// live row and create a fresh subscription.
		return nil, serrors.NewInvalidTransitionError("subscription", sub.ID,
			string(types.SubscriptionCancelled), string(types.SubscriptionActive))
	case types.SubscriptionPaused:
		// Paused holds the clock: the renewal lands when the user
		// resumes, tracked by extending from now.
	}

	base := sub.EndDate
	if base.Before(time.Now()) {
		base = time.Now()
	}
	newEnd := base.Add(period)

	extended, err := m.store.ExtendEndDate(ctx, sub.ID, newEnd)
	if err != nil {
		return nil, err
	}
	if !extended && sub.Status == types.SubscriptionActive {
		// Somebody else extended further in the meantime; the renewal
		// is already absorbed.
		m.logger.WithField("subscription_id", sub.ID).Debug("Renewal already absorbed")
	}
	if sub.Status == types.SubscriptionPaused {
		// Extension applies on resume; record the target end date now.
		sub.EndDate = newEnd
		return sub, nil
	}

	m.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"end_date":        newEnd,
	}).Info("Subscription renewed")

	return m.store.GetByID(ctx, sub.ID)
}

// Pause moves an ACTIVE subscription to PAUSED. Pausing a PAUSED
// subscription is a no-op; pausing a CANCELLED one is rejected.
func (m *StateMachine) Pause(ctx context.Context, id string) (*models.Subscription, error) {
	return m.transition(ctx, id, types.SubscriptionActive, types.SubscriptionPaused)
}

// Resume moves a PAUSED subscription back to ACTIVE
func (m *StateMachine) Resume(ctx context.Context, id string) (*models.Subscription, error) {
	return m.transition(ctx, id, types.SubscriptionPaused, types.SubscriptionActive)
}

// Cancel moves a subscription to CANCELLED from either live state.
// Cancelling an already cancelled subscription succeeds without
// changing anything.
func (m *StateMachine) Cancel(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == types.SubscriptionCancelled {
		return sub, nil
	}

	won, err := m.store.TransitionStatus(ctx, id, sub.Status, types.SubscriptionCancelled)
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost a race; re-read and treat an observed CANCELLED as the
		// idempotent success it is.
		sub, err = m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.Status != types.SubscriptionCancelled {
			return m.Cancel(ctx, id)
		}
		return sub, nil
	}

	m.logger.WithField("subscription_id", id).Info("Subscription cancelled")
	return m.store.GetByID(ctx, id)
}

// Get returns a subscription by ID
func (m *StateMachine) Get(ctx context.Context, id string) (*models.Subscription, error) {
	return m.store.GetByID(ctx, id)
}

// ListForUser returns all of a user's subscriptions
func (m *StateMachine) ListForUser(ctx context.Context, userID string) ([]*models.Subscription, error) {
	return m.store.ListByUser(ctx, userID)
}

func (m *StateMachine) transition(ctx context.Context, id string, from, to types.SubscriptionStatus) (*models.Subscription, error) {
	sub, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == to {
		return sub, nil
	}
	if sub.Status != from {
		return nil, serrors.NewInvalidTransitionError("subscription", id, string(sub.Status), string(to))
	}

	won, err := m.store.TransitionStatus(ctx, id, from, to)
	if err != nil {
		return nil, err
	}
	if !won {
		sub, err = m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.Status == to {
			return sub, nil
		}
		return nil, serrors.NewInvalidTransitionError("subscription", id, string(sub.Status), string(to))
	}

	m.logger.WithFields(map[string]interface{}{
		"subscription_id": id,
		"from":            string(from),
		"to":              string(to),
	}).Info("Subscription transitioned")

	return m.store.GetByID(ctx, id)
}
