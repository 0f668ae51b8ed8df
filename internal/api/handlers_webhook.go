package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
)

type lightningWebhookPayload struct {
	InvoiceID string    `json:"invoice_id"`
	SettledAt time.Time `json:"settled_at"`
}

// handleLightningWebhook processes settlement notifications from the
// Lightning node. The body is authenticated with an HMAC over the raw
// bytes. The handler acks 200 only after the settlement is durably
// recorded; a redelivered notification is acked 200 as well, without
// reprocessing.
func (s *Server) handleLightningWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unreadable body", nil)
		return
	}

	if !s.verifyWebhookSignature(body, r.Header.Get("X-Webhook-Signature")) {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid webhook signature", nil)
		return
	}

	var payload lightningWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.InvoiceID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid webhook payload", nil)
		return
	}

	settledAt := payload.SettledAt
	if settledAt.IsZero() {
		settledAt = time.Now()
	}

	if err := s.ledger.HandleSettlement(r.Context(), payload.InvoiceID, settledAt); err != nil {
		if serrors.IsDuplicate(err) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) verifyWebhookSignature(body []byte, signature string) bool {
	if s.config.WebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.config.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
