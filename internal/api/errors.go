package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/applypilot/creditgate/internal/domain"
)

// writeDomainError maps a service error to a status and error type.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var insufficient *domain.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		writeErrorBody(w, http.StatusPaymentRequired, "insufficient_credits", "insufficient credits",
			map[string]interface{}{
				"balance":  insufficient.Balance,
				"required": insufficient.Required,
			})
	case domain.IsAuthError(err):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeErrorBody(w, http.StatusUnauthorized, authErrorType(err), err.Error(), nil)
	case errors.Is(err, domain.ErrAccountSuspended):
		writeErrorBody(w, http.StatusForbidden, "account_suspended", err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthorized):
		writeErrorBody(w, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, domain.ErrAuthenticityFailure):
		writeErrorBody(w, http.StatusBadRequest, "authenticity_failure", "signature verification failed", nil)
	case errors.Is(err, domain.ErrMalformedEvent),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidType),
		errors.Is(err, domain.ErrInvalidUser):
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateSubscription):
		writeErrorBody(w, http.StatusConflict, "duplicate_subscription", err.Error(), nil)
	case domain.IsRetryable(err):
		logger.Warn("retryable failure", "error", err)
		w.Header().Set("Retry-After", "1")
		writeErrorBody(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry", nil)
	default:
		logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// authErrorType tells the desktop client whether a refresh can still help.
func authErrorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, domain.ErrRefreshWindowClosed):
		return "refresh_window_closed"
	default:
		return "invalid_token"
	}
}
