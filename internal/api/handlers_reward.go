package api

import (
	"net/http"

	"github.com/gorilla/mux"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// handleListRewards lists the caller's loyalty credits
func (s *Server) handleListRewards(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	rewards, err := s.rewards.ListByUser(r.Context(), actorID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, rewards)
}

// handleRedeemReward spends one of the caller's loyalty credits.
// Redeeming an already spent credit conflicts.
func (s *Server) handleRedeemReward(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if err := s.guard.Authorize(actorRole, types.CapRewardRedeem); err != nil {
		respondServiceError(w, err)
		return
	}

	rewardID := mux.Vars(r)["id"]

	redeemed, err := s.rewards.Redeem(r.Context(), rewardID, actorID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !redeemed {
		respondServiceError(w, serrors.NewInvalidTransitionError("reward", rewardID, "redeemed", "redeemed"))
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"reward_id": rewardID, "status": "redeemed"})
}
