// Package payment turns signed payment-gateway notifications into ledger
// grants and subscription mirror updates, exactly once per event.
//
// Idempotency lives in the store: grants are keyed by the gateway event id
// and subscriptions by their gateway id, so redelivered or concurrently
// delivered events are harmless.
package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/applypilot/creditgate/internal/app/ledger"
	"github.com/applypilot/creditgate/internal/domain"
	"github.com/applypilot/creditgate/internal/infra/observability"
)

// Ledger is the subset of the credit ledger the reconciler needs.
type Ledger interface {
	Grant(ctx context.Context, req ledger.GrantRequest) (ledger.GrantResult, error)
	RecordActivity(ctx context.Context, userID string, typ domain.TransactionType, description, externalEventID string) (ledger.GrantResult, error)
}

// Gateway is the outbound payment gateway API.
type Gateway interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Config controls timeouts for store and gateway calls.
type Config struct {
	StoreTimeout   time.Duration // default: 5s
	GatewayTimeout time.Duration // default: 10s
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:   5 * time.Second,
		GatewayTimeout: 10 * time.Second,
	}
}

// Result describes what a webhook did. Applied=false with Ignored=false is
// an idempotent replay.
type Result struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	Applied    bool   `json:"applied"`
	NewBalance int64  `json:"new_balance,omitempty"`
	Ignored    bool   `json:"ignored,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Reconciler applies verified gateway events.
type Reconciler struct {
	ledger   Ledger
	subs     domain.SubscriptionStore
	gateway  Gateway
	verifier *Verifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a reconciler.
func New(l Ledger, subs domain.SubscriptionStore, gw Gateway, v *Verifier, cfg Config, opts ...Option) *Reconciler {
	def := DefaultConfig()
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = def.GatewayTimeout
	}
	r := &Reconciler{
		ledger:   l,
		subs:     subs,
		gateway:  gw,
		verifier: v,
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "payment")
	return r
}

// HandleWebhook verifies, decodes and applies one notification. Nothing is
// mutated unless the signature checks out.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := r.verifier.Verify(payload, signature); err != nil {
		r.logger.Warn("webhook rejected", "error", err)
		observability.WebhookEvents.WithLabelValues("unverified", observability.OutcomeRejected).Inc()
		return Result{}, err
	}
	ev, err := ParseEvent(payload)
	if err != nil {
		r.logger.Warn("webhook malformed", "error", err)
		observability.WebhookEvents.WithLabelValues("malformed", observability.OutcomeRejected).Inc()
		return Result{}, err
	}
	return r.Apply(ctx, ev)
}

// Apply dispatches an already verified event.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Result, error) {
	var res Result
	var err error
	switch e := ev.(type) {
	case CheckoutCompleted:
		res, err = r.checkoutCompleted(ctx, e)
	case PaymentSucceeded:
		res, err = r.paymentSucceeded(ctx, e)
	case PaymentFailed:
		res, err = r.paymentFailed(ctx, e)
	case SubscriptionUpdated:
		res, err = r.subscriptionChanged(ctx, e.SubscriptionChange)
	case SubscriptionDeleted:
		res, err = r.subscriptionChanged(ctx, e.SubscriptionChange)
	case TrialWillEnd:
		res, err = r.subscriptionChanged(ctx, e.SubscriptionChange)
	default:
		res = Result{Ignored: true, Reason: "unhandled event type"}
		r.logger.Debug("event ignored", "event_id", ev.EventID(), "type", ev.EventType())
	}
	res.EventID = ev.EventID()
	res.Type = ev.EventType()

	outcome := observability.Outcome(err)
	switch {
	case err != nil:
	case res.Ignored:
		outcome = observability.OutcomeIgnored
	case !res.Applied:
		outcome = observability.OutcomeReplay
	}
	observability.WebhookEvents.WithLabelValues(ev.EventType(), outcome).Inc()

	if err != nil && !errors.Is(err, domain.ErrDuplicateSubscription) {
		r.logger.Error("webhook failed", "event_id", ev.EventID(), "type", ev.EventType(), "error", err)
	}
	return res, err
}

func (r *Reconciler) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}

func (r *Reconciler) eventTime(ev Event) time.Time {
	if t := ev.OccurredAt(); !t.IsZero() {
		return t
	}
	return r.now()
}

// resolveUser prefers the explicit user id and falls back to the persisted
// customer mapping.
func (r *Reconciler) resolveUser(ctx context.Context, userID, customerID string) (string, error) {
	if userID != "" || customerID == "" {
		return userID, nil
	}
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	return r.subs.UserForCustomer(ctx, customerID)
}

// ─── Checkout ───────────────────────────────────────────────────────────────

func (r *Reconciler) checkoutCompleted(ctx context.Context, e CheckoutCompleted) (Result, error) {
	userID, err := r.resolveUser(ctx, e.UserID, e.CustomerID)
	if err != nil {
		return Result{}, err
	}
	if userID == "" {
		return Result{}, fmt.Errorf("%w: checkout %s has no user", domain.ErrMalformedEvent, e.ID)
	}

	if e.SubscriptionID == "" {
		return r.grantPurchase(ctx, userID, e.CreditAmount, e.PackageID, e.ID)
	}
	if e.CustomerID == "" {
		return Result{}, fmt.Errorf("%w: checkout %s has no customer", domain.ErrMalformedEvent, e.ID)
	}

	now := r.now()
	sctx, cancel := r.bounded(ctx)
	outcome, err := r.subs.InsertSubscription(sctx, domain.Subscription{
		UserID:                 userID,
		ExternalCustomerID:     e.CustomerID,
		ExternalSubscriptionID: e.SubscriptionID,
		Status:                 e.Status,
		LastEventAt:            r.eventTime(e),
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("record subscription %s: %w", e.SubscriptionID, err)
	}

	switch outcome {
	case domain.SubscriptionReplayed:
		return Result{}, nil
	case domain.SubscriptionDuplicate:
		if err := r.cancelAtGateway(ctx, e.SubscriptionID); err != nil {
			return Result{}, err
		}
		r.logger.Warn("duplicate subscription canceled",
			"customer_id", e.CustomerID, "subscription_id", e.SubscriptionID, "user_id", userID)
		return Result{Ignored: true, Reason: "duplicate subscription canceled"},
			fmt.Errorf("checkout %s: %w", e.SubscriptionID, domain.ErrDuplicateSubscription)
	}

	r.logger.Info("subscription recorded",
		"customer_id", e.CustomerID, "subscription_id", e.SubscriptionID, "user_id", userID, "status", e.Status)
	return Result{Applied: true}, nil
}

func (r *Reconciler) cancelAtGateway(ctx context.Context, subscriptionID string) error {
	if r.gateway == nil {
		return fmt.Errorf("cancel %s: %w: no gateway configured", subscriptionID, domain.ErrGatewayUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()
	if err := r.gateway.CancelSubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// ─── Payments ───────────────────────────────────────────────────────────────

func (r *Reconciler) paymentSucceeded(ctx context.Context, e PaymentSucceeded) (Result, error) {
	userID, err := r.resolveUser(ctx, e.UserID, e.CustomerID)
	if err != nil {
		return Result{}, err
	}
	if userID == "" {
		return Result{}, fmt.Errorf("%w: payment %s has no resolvable user", domain.ErrMalformedEvent, e.ID)
	}
	if e.CreditAmount == 0 {
		return Result{Ignored: true, Reason: "no credit amount"}, nil
	}
	return r.grantPurchase(ctx, userID, e.CreditAmount, e.PackageID, e.ID)
}

func (r *Reconciler) grantPurchase(ctx context.Context, userID string, amount int64, packageID, eventID string) (Result, error) {
	desc := "Credit purchase"
	if packageID != "" {
		desc = "Credit purchase: " + packageID
	}
	g, err := r.ledger.Grant(ctx, ledger.GrantRequest{
		UserID:          userID,
		Amount:          amount,
		Type:            domain.TxPurchase,
		Description:     desc,
		ExternalEventID: eventID,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: g.Applied, NewBalance: g.NewBalance}, nil
}

func (r *Reconciler) paymentFailed(ctx context.Context, e PaymentFailed) (Result, error) {
	userID, err := r.resolveUser(ctx, e.UserID, e.CustomerID)
	if err != nil {
		return Result{}, err
	}
	if userID == "" {
		r.logger.Warn("payment failure for unknown customer", "event_id", e.ID, "customer_id", e.CustomerID)
		return Result{Ignored: true, Reason: "unknown customer"}, nil
	}

	desc := "Payment failed"
	if e.InvoiceID != "" {
		desc += ": " + e.InvoiceID
	}
	if e.Reason != "" {
		desc += " (" + e.Reason + ")"
	}
	g, err := r.ledger.RecordActivity(ctx, userID, domain.TxPurchase, desc, e.ID)
	if err != nil {
		return Result{}, err
	}
	r.logger.Info("payment failure recorded", "event_id", e.ID, "user_id", userID)
	return Result{Applied: g.Applied, NewBalance: g.NewBalance}, nil
}

// ─── Subscription Lifecycle ─────────────────────────────────────────────────

func (r *Reconciler) subscriptionChanged(ctx context.Context, c SubscriptionChange) (Result, error) {
	sctx, cancel := r.bounded(ctx)
	outcome, err := r.subs.PatchSubscription(sctx, domain.SubscriptionPatch{
		ExternalSubscriptionID: c.SubscriptionID,
		Status:                 c.Status,
		CurrentPeriodEnd:       c.CurrentPeriodEnd,
		CancelAtPeriodEnd:      c.CancelAtPeriodEnd,
		EventAt:                r.eventTime(c),
	}, r.now())
	cancel()

	if errors.Is(err, domain.ErrDuplicateSubscription) {
		if cerr := r.cancelAtGateway(ctx, c.SubscriptionID); cerr != nil {
			return Result{}, cerr
		}
		r.logger.Warn("reactivated duplicate subscription canceled",
			"subscription_id", c.SubscriptionID, "customer_id", c.CustomerID)
		return Result{Ignored: true, Reason: "duplicate subscription canceled"}, err
	}
	if err != nil {
		return Result{}, fmt.Errorf("update subscription %s: %w", c.SubscriptionID, err)
	}

	switch outcome {
	case domain.PatchUnknown:
		r.logger.Warn("lifecycle event for unknown subscription", "event_id", c.ID, "subscription_id", c.SubscriptionID)
		return Result{Ignored: true, Reason: "unknown subscription"}, nil
	case domain.PatchStale:
		r.logger.Info("stale lifecycle event discarded", "event_id", c.ID, "subscription_id", c.SubscriptionID)
		return Result{Ignored: true, Reason: "stale event"}, nil
	}
	r.logger.Info("subscription updated", "subscription_id", c.SubscriptionID, "status", c.Status, "type", c.Type)
	return Result{Applied: true}, nil
}
