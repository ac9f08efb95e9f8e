package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/applypilot/creditgate/internal/app/payment"
	"github.com/applypilot/creditgate/internal/domain"
)

// handlePaymentWebhook feeds a signed gateway notification to the
// reconciler. Replays and duplicate checkouts answer 200 so the gateway
// stops redelivering; retryable failures answer 503 so it retries.
// POST /api/webhooks/payment
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "could not read body", nil)
		return
	}
	if len(payload) > maxBodyBytes {
		writeErrorBody(w, http.StatusRequestEntityTooLarge, "invalid_request", "payload too large", nil)
		return
	}

	res, err := s.payments.HandleWebhook(r.Context(), payload, r.Header.Get(payment.SignatureHeader))
	if errors.Is(err, domain.ErrDuplicateSubscription) {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
