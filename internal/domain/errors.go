package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Ledger errors
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be a positive integer")
	ErrInvalidType         = errors.New("invalid transaction type")
	ErrInvalidUser         = errors.New("user id is required")
	ErrAccountSuspended    = errors.New("account is suspended")

	// Session errors
	ErrInvalidToken        = errors.New("invalid session token")
	ErrSessionExpired      = errors.New("session expired")
	ErrRefreshWindowClosed = errors.New("refresh window closed")

	// Payment errors
	ErrDuplicateSubscription = errors.New("customer already has an active subscription")
	ErrAuthenticityFailure   = errors.New("payment event failed authenticity check")
	ErrMalformedEvent        = errors.New("malformed payment event")

	// Admin errors
	ErrUnauthorized = errors.New("admin identity required")

	// Infrastructure errors (retryable)
	ErrStoreUnavailable   = errors.New("backing store unavailable")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// InsufficientCreditsError carries what the client needs to prompt for a
// purchase. It matches ErrInsufficientCredits with errors.Is.
type InsufficientCreditsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d", e.Balance, e.Required)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// IsRetryable returns true if the error is temporary and the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrGatewayUnavailable)
}

// IsAuthError returns true if the desktop client must re-authenticate.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrRefreshWindowClosed)
}
