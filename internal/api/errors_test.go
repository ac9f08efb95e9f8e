package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/applypilot/creditgate/internal/domain"
)

func TestWriteDomainError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantAuth   bool
	}{
		{"invalid token", domain.ErrInvalidToken, http.StatusUnauthorized, "invalid_token", true},
		{"expired", fmt.Errorf("validate: %w", domain.ErrSessionExpired), http.StatusUnauthorized, "session_expired", true},
		{"window closed", domain.ErrRefreshWindowClosed, http.StatusUnauthorized, "refresh_window_closed", true},
		{"no admin identity", domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized", false},
		{"suspended", domain.ErrAccountSuspended, http.StatusForbidden, "account_suspended", false},
		{"insufficient", &domain.InsufficientCreditsError{Balance: 3, Required: 5}, http.StatusPaymentRequired, "insufficient_credits", false},
		{"overflow", fmt.Errorf("grant: %w: balance would overflow", domain.ErrInvalidAmount), http.StatusBadRequest, "invalid_request", false},
		{"bad signature", domain.ErrAuthenticityFailure, http.StatusBadRequest, "authenticity_failure", false},
		{"store down", fmt.Errorf("consume: %w", domain.ErrStoreUnavailable), http.StatusServiceUnavailable, "unavailable", false},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeDomainError(w, logger, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if got := errorType(body); got != tt.wantType {
				t.Errorf("type = %q, want %q", got, tt.wantType)
			}
			if got := w.Header().Get("WWW-Authenticate") != ""; got != tt.wantAuth {
				t.Errorf("WWW-Authenticate set = %v, want %v", got, tt.wantAuth)
			}
		})
	}
}
