// Package api provides the HTTP adapter for creditgate: desktop sessions,
// credit balance and consumption, the payment webhook and admin overrides.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/applypilot/creditgate/internal/app/admin"
	"github.com/applypilot/creditgate/internal/app/ledger"
	"github.com/applypilot/creditgate/internal/app/payment"
	"github.com/applypilot/creditgate/internal/app/session"
)

// Request headers set by the upstream auth layer.
const (
	HeaderUserID     = "X-User-ID"
	HeaderAdminEmail = "X-Admin-Email"
)

const maxBodyBytes = 1 << 20

// Server is the creditgate HTTP API server.
type Server struct {
	ledger         *ledger.Service
	sessions       *session.Manager
	payments       *payment.Reconciler
	admin          *admin.Service
	adminAllowed   func(email string) bool
	metricsEnabled bool
	requestTimeout time.Duration
	maxInFlight    int
	healthCheck    func(ctx context.Context) error
	logger         *slog.Logger
}

// NewServer creates a new API server.
func NewServer(l *ledger.Service, s *session.Manager, p *payment.Reconciler, a *admin.Service) *Server {
	return &Server{
		ledger:         l,
		sessions:       s,
		payments:       p,
		admin:          a,
		adminAllowed:   func(string) bool { return false },
		requestTimeout: 30 * time.Second,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetAdminAllowList sets the predicate guarding /api/admin.
func (s *Server) SetAdminAllowList(allowed func(email string) bool) {
	if allowed != nil {
		s.adminAllowed = allowed
	}
}

// SetRequestTimeout bounds every request.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// SetMaxInFlight caps concurrent requests; 0 disables the cap.
func (s *Server) SetMaxInFlight(n int) { s.maxInFlight = n }

// SetHealthCheck makes /health report 503 when check fails.
func (s *Server) SetHealthCheck(check func(ctx context.Context) error) { s.healthCheck = check }

// SetLogger sets the structured logger.
func (s *Server) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l.With("component", "api")
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	if s.maxInFlight > 0 {
		r.Use(middleware.Throttle(s.maxInFlight))
	}
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.healthCheck != nil {
			if err := s.healthCheck(r.Context()); err != nil {
				s.logger.Warn("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Route("/api/desktop/sessions", func(r chi.Router) {
		r.With(requireUser).Post("/", s.handleIssueSession)
		r.Post("/refresh", s.handleRefreshSession)
		r.Delete("/", s.handleRevokeSession)
	})

	r.Route("/api/credits", func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/balance", s.handleBalance)
		r.Post("/consume", s.handleConsume)
		r.Get("/history", s.handleHistory)
	})

	r.Post("/api/webhooks/payment", s.handlePaymentWebhook)

	r.Route("/api/admin/accounts/{userID}", func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Get("/", s.handleAdminAccount)
		r.Post("/grant", s.handleAdminGrant)
		r.Post("/suspend", s.handleAdminSuspend)
		r.Post("/reactivate", s.handleAdminReactivate)
		r.Get("/notes", s.handleAdminNotes)
		r.Post("/notes", s.handleAdminAddNote)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorBody(w, status, "error", msg, nil)
}

func writeErrorBody(w http.ResponseWriter, status int, typ, msg string, extra map[string]interface{}) {
	body := map[string]interface{}{
		"message": msg,
		"type":    typ,
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// corsMiddleware adds CORS headers for the desktop shell's webview.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
