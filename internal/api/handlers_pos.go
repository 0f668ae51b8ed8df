package api

import (
	"net/http"
	"strconv"

	"github.com/lyfted-engineering/ZephyrPay/internal/chainwatch"
	"github.com/lyfted-engineering/ZephyrPay/internal/ledger"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

type posCheckoutRequest struct {
	UserID         string `json:"user_id"`
	OrderID        string `json:"order_id"`
	Rail           string `json:"rail"`
	AmountSats     int64  `json:"amount_sats"`     // lightning
	TxHash         string `json:"tx_hash"`         // ethereum
	ExpectedAmount string `json:"expected_amount"` // ethereum
	ExpectedToken  string `json:"expected_token"`  // ethereum
}

// handlePOSCheckout starts a point-of-sale settlement on the chosen
// rail. The settlement itself lands later, once the payment confirms;
// this endpoint returns the pending payment artifact (an invoice or a
// tracked transaction).
func (s *Server) handlePOSCheckout(w http.ResponseWriter, r *http.Request) {
	_, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if err := s.guard.Authorize(actorRole, types.CapPOSCheckout); err != nil {
		respondServiceError(w, err)
		return
	}

	var req posCheckoutRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.UserID == "" || req.OrderID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "user_id and order_id are required", nil)
		return
	}

	switch types.Rail(req.Rail) {
	case types.RailLightning:
		inv, err := s.ledger.CreateInvoice(r.Context(), ledger.CreateInvoiceRequest{
			UserID:      req.UserID,
			AmountSats:  req.AmountSats,
			Description: "POS order " + req.OrderID,
			Purpose:     types.PurposePOS,
			OrderID:     req.OrderID,
		})
		if err != nil {
			respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, inv)

	case types.RailEthereum:
		p, err := s.watcher.TrackPayment(r.Context(), chainwatch.TrackRequest{
			TxHash:         req.TxHash,
			UserID:         req.UserID,
			ExpectedAmount: req.ExpectedAmount,
			ExpectedToken:  req.ExpectedToken,
			Purpose:        types.PurposePOS,
			OrderID:        req.OrderID,
		})
		if err != nil {
			respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, p)

	default:
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "rail must be lightning or ethereum", nil)
	}
}

// handlePOSHistory lists settled POS payments
func (s *Server) handlePOSHistory(w http.ResponseWriter, r *http.Request) {
	_, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if err := s.guard.Authorize(actorRole, types.CapPOSHistory); err != nil {
		respondServiceError(w, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	payments, err := s.pos.History(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, payments)
}

type checkInRequest struct {
	UserID string `json:"user_id"`
	Venue  string `json:"venue"`
}

// handleCheckIn records a venue check-in for a member
func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if err := s.guard.Authorize(actorRole, types.CapCheckinRecord); err != nil {
		respondServiceError(w, err)
		return
	}

	var req checkInRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "user_id is required", nil)
		return
	}

	event := &models.CheckInEvent{
		UserID:     req.UserID,
		OperatorID: actorID,
		Venue:      req.Venue,
	}
	if err := s.pos.RecordCheckIn(r.Context(), event); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, event)
}
