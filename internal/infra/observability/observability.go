// Package observability holds the Prometheus metrics for creditgate.
//
// Every balance-affecting, session and webhook operation reports an
// outcome label so dashboards can separate refusals (insufficient credits,
// expired tokens) from infrastructure failures.
package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/applypilot/creditgate/internal/domain"
)

// ─── Outcome Labels ─────────────────────────────────────────────────────────

const (
	OutcomeOK           = "ok"
	OutcomeReplay       = "replay"
	OutcomeInsufficient = "insufficient"
	OutcomeSuspended    = "suspended"
	OutcomeInvalid      = "invalid"
	OutcomeExpired      = "expired"
	OutcomeWindowClosed = "window_closed"
	OutcomeDuplicate    = "duplicate"
	OutcomeRejected     = "rejected"
	OutcomeUnavailable  = "unavailable"
	OutcomeIgnored      = "ignored"
	OutcomeError        = "error"
)

// Outcome maps an operation error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, domain.ErrInsufficientCredits):
		return OutcomeInsufficient
	case errors.Is(err, domain.ErrAccountSuspended):
		return OutcomeSuspended
	case errors.Is(err, domain.ErrInvalidToken),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidType),
		errors.Is(err, domain.ErrInvalidUser):
		return OutcomeInvalid
	case errors.Is(err, domain.ErrSessionExpired):
		return OutcomeExpired
	case errors.Is(err, domain.ErrRefreshWindowClosed):
		return OutcomeWindowClosed
	case errors.Is(err, domain.ErrDuplicateSubscription):
		return OutcomeDuplicate
	case errors.Is(err, domain.ErrAuthenticityFailure), errors.Is(err, domain.ErrMalformedEvent):
		return OutcomeRejected
	case domain.IsRetryable(err):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerOperations counts ledger calls by operation and outcome.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Total ledger operations by operation and outcome.",
}, []string{"operation", "outcome"})

// CreditsConsumed tracks total credits debited (including early adopters).
var CreditsConsumed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "ledger",
	Name:      "credits_consumed_total",
	Help:      "Total credits consumed.",
})

// CreditsGranted tracks total credits granted by transaction type.
var CreditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "ledger",
	Name:      "credits_granted_total",
	Help:      "Total credits granted by transaction type.",
}, []string{"type"})

// ─── Session Metrics ────────────────────────────────────────────────────────

// SessionOperations counts session calls by operation and outcome.
var SessionOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "session",
	Name:      "operations_total",
	Help:      "Total desktop session operations by operation and outcome.",
}, []string{"operation", "outcome"})

// SessionsSwept tracks sessions removed by the periodic sweep.
var SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "session",
	Name:      "swept_total",
	Help:      "Total expired desktop sessions removed by the sweeper.",
})

// ─── Payment Metrics ────────────────────────────────────────────────────────

// WebhookEvents counts payment events by type and outcome.
var WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "payment",
	Name:      "webhook_events_total",
	Help:      "Total payment webhook events by event type and outcome.",
}, []string{"type", "outcome"})

// GatewayLatency tracks payment gateway call latency.
var GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "creditgate",
	Subsystem: "payment",
	Name:      "gateway_latency_seconds",
	Help:      "Payment gateway call latency in seconds.",
	Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
}, []string{"call", "outcome"})

// ─── Admin Metrics ──────────────────────────────────────────────────────────

// AdminOverrides counts admin override calls by action and outcome.
var AdminOverrides = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "admin",
	Name:      "overrides_total",
	Help:      "Total admin override calls by action and outcome.",
}, []string{"action", "outcome"})
