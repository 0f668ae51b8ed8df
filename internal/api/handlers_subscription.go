package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// handleListSubscriptions lists the caller's subscriptions
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	subs, err := s.subscriptions.ListForUser(r.Context(), actorID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, subs)
}

// handleGetSubscription returns one subscription
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	sub, err := s.subscriptions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if err := s.authorizeSubscription(actorID, actorRole, sub); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// handlePauseSubscription pauses an active subscription
func (s *Server) handlePauseSubscription(w http.ResponseWriter, r *http.Request) {
	s.mutateSubscription(w, r, s.subscriptions.Pause)
}

// handleResumeSubscription resumes a paused subscription
func (s *Server) handleResumeSubscription(w http.ResponseWriter, r *http.Request) {
	s.mutateSubscription(w, r, s.subscriptions.Resume)
}

// handleCancelSubscription cancels a subscription; repeat cancels are
// acknowledged without change.
func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	s.mutateSubscription(w, r, s.subscriptions.Cancel)
}

func (s *Server) mutateSubscription(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*models.Subscription, error)) {
	actorID, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]

	sub, err := s.subscriptions.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if err := s.authorizeSubscription(actorID, actorRole, sub); err != nil {
		respondServiceError(w, err)
		return
	}

	sub, err = op(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// authorizeSubscription enforces the management capability. Owners
// manage their own subscriptions; anyone else needs the capability.
func (s *Server) authorizeSubscription(actorID string, actorRole types.Role, sub *models.Subscription) error {
	if sub.UserID == actorID {
		return s.guard.Authorize(actorRole, types.CapSubscriptionManage)
	}
	if actorRole != types.RoleAdmin {
		return serrors.NewRoleViolationError("only admins may manage another user's subscription")
	}
	return s.guard.Authorize(actorRole, types.CapSubscriptionManage)
}
