package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lyfted-engineering/ZephyrPay/internal/chainwatch"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

type trackPaymentRequest struct {
	TxHash         string `json:"tx_hash"`
	ExpectedAmount string `json:"expected_amount"`
	ExpectedToken  string `json:"expected_token"`
	Purpose        string `json:"purpose"`
	Tier           string `json:"tier"`
	OrderID        string `json:"order_id"`
}

// handleTrackPayment registers an Ethereum transaction for observation
func (s *Server) handleTrackPayment(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	var req trackPaymentRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	p, err := s.watcher.TrackPayment(r.Context(), chainwatch.TrackRequest{
		TxHash:         req.TxHash,
		UserID:         actorID,
		ExpectedAmount: req.ExpectedAmount,
		ExpectedToken:  req.ExpectedToken,
		Purpose:        types.PaymentPurpose(req.Purpose),
		Tier:           req.Tier,
		OrderID:        req.OrderID,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, p)
}

// handleGetPayment returns a tracked payment's current state
func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.requireActor(w, r); !ok {
		return
	}

	txHash := mux.Vars(r)["txHash"]

	p, err := s.watcher.GetPayment(r.Context(), txHash)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, p)
}

// handleGetPaymentActions lists the entitlement actions recorded for a
// payment, whatever rail it arrived on.
func (s *Server) handleGetPaymentActions(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.requireActor(w, r); !ok {
		return
	}

	paymentID := mux.Vars(r)["id"]

	actions, err := s.actions.ActionsForPayment(r.Context(), paymentID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, actions)
}
