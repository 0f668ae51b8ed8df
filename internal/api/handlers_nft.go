package api

import (
	"net/http"

	"github.com/gorilla/mux"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// handleGetMembership returns a mint record by idempotency key
func (s *Server) handleGetMembership(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.requireActor(w, r); !ok {
		return
	}

	m, err := s.mints.GetMembership(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, m)
}

// handleRetryMint re-enqueues a failed mint request. Admin only.
func (s *Server) handleRetryMint(w http.ResponseWriter, r *http.Request) {
	_, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if actorRole != types.RoleAdmin {
		respondServiceError(w, serrors.NewRoleViolationError("only admins may retry mints"))
		return
	}

	m, err := s.mints.RetryMint(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, m)
}

// handleVerifyMembership reports whether the user holds a live minted
// membership. The lookup is local state, not an on-chain call, so it
// answers the same whatever the minting service is doing.
func (s *Server) handleVerifyMembership(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.requireActor(w, r); !ok {
		return
	}

	userID := mux.Vars(r)["userId"]

	m, active, err := s.mints.VerifyMembership(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	resp := map[string]interface{}{"active": active}
	if active {
		resp["membership"] = m
	}

	respondJSON(w, http.StatusOK, resp)
}
