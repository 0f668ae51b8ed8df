package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lyfted-engineering/ZephyrPay/internal/ledger"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

type createInvoiceRequest struct {
	AmountSats  int64  `json:"amount_sats"`
	Description string `json:"description"`
	Purpose     string `json:"purpose"`
	Tier        string `json:"tier"`
	OrderID     string `json:"order_id"`
}

// handleCreateInvoice creates a Lightning invoice for the caller
func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	var req createInvoiceRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	inv, err := s.ledger.CreateInvoice(r.Context(), ledger.CreateInvoiceRequest{
		UserID:      actorID,
		AmountSats:  req.AmountSats,
		Description: req.Description,
		Purpose:     types.PaymentPurpose(req.Purpose),
		Tier:        req.Tier,
		OrderID:     req.OrderID,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, inv)
}

// handleGetInvoice returns an invoice's current state
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.requireActor(w, r); !ok {
		return
	}

	invoiceID := mux.Vars(r)["id"]

	inv, err := s.ledger.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, inv)
}
