package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/applypilot/creditgate/internal/domain"
)

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without base url should fail")
	}
}

func TestCancelSubscription_Request(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"sub_1","status":"canceled"}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "sk_test"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CancelSubscription(context.Background(), "sub_1"); err != nil {
		t.Fatalf("CancelSubscription() error: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", gotMethod)
	}
	if gotPath != "/v1/subscriptions/sub_1" {
		t.Errorf("path = %s, want /v1/subscriptions/sub_1", gotPath)
	}
	if gotAuth != "Bearer sk_test" {
		t.Errorf("Authorization = %q, want bearer key", gotAuth)
	}
}

func TestCancelSubscription_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		retryable bool
	}{
		{"ok", http.StatusOK, false, false},
		{"already gone", http.StatusNotFound, false, false},
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"server error", http.StatusBadGateway, true, true},
		{"bad request", http.StatusBadRequest, true, false},
		{"unauthorized", http.StatusUnauthorized, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c, _ := New(Config{BaseURL: srv.URL})
			err := c.CancelSubscription(context.Background(), "sub_1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := domain.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v (err %v)", got, tt.retryable, err)
			}
			var apiErr *APIError
			if tt.wantErr && !tt.retryable && !errors.As(err, &apiErr) {
				t.Errorf("error = %T, want *APIError", err)
			}
		})
	}
}

func TestCancelSubscription_TimeoutIsRetryable(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, _ := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	err := c.CancelSubscription(context.Background(), "sub_1")
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Errorf("error = %v, want ErrGatewayUnavailable", err)
	}
}

func TestCancelSubscription_EmptyID(t *testing.T) {
	c, _ := New(Config{BaseURL: "http://127.0.0.1:1"})
	if err := c.CancelSubscription(context.Background(), " "); err == nil {
		t.Error("CancelSubscription(\"\") should fail")
	}
}
