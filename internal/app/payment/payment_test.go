package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/applypilot/creditgate/internal/app/ledger"
	"github.com/applypilot/creditgate/internal/domain"
	"github.com/applypilot/creditgate/internal/infra/sqlite"
)

const testSecret = "whsec_test"

type fakeGateway struct {
	mu       sync.Mutex
	canceled []string
	err      error
}

func (g *fakeGateway) CancelSubscription(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.canceled = append(g.canceled, id)
	return nil
}

func (g *fakeGateway) Canceled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.canceled...)
}

type fixture struct {
	rec     *Reconciler
	ledger  *ledger.Service
	db      *sqlite.DB
	gateway *fakeGateway
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := ledger.DefaultConfig()
	cfg.EarlyAdopterLimit = 0
	l := ledger.New(db, cfg)
	gw := &fakeGateway{}
	v := &Verifier{Secret: testSecret, Tolerance: DefaultTolerance, Now: func() time.Time { return now }}
	rec := New(l, db, gw, v, DefaultConfig(), WithClock(func() time.Time { return now }))
	return &fixture{rec: rec, ledger: l, db: db, gateway: gw, now: now}
}

func eventJSON(t *testing.T, id, typ string, created time.Time, data map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    typ,
		"created": created.Unix(),
		"data":    data,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (f *fixture) deliver(t *testing.T, payload []byte) (Result, error) {
	t.Helper()
	return f.rec.HandleWebhook(context.Background(), payload, Sign(testSecret, payload, f.now))
}

// ─── Authenticity ───────────────────────────────────────────────────────────

func TestVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id":"evt_1"}`)
	v := &Verifier{Secret: "s3cret", Tolerance: 5 * time.Minute, Now: func() time.Time { return now }}

	valid := Sign("s3cret", payload, now)
	tests := []struct {
		name    string
		payload []byte
		header  string
		wantErr bool
	}{
		{"valid", payload, valid, false},
		{"rotated secret second v1", payload, Sign("old", payload, now) + "," + strings.Split(valid, ",")[1], false},
		{"wrong secret", payload, Sign("other", payload, now), true},
		{"tampered payload", []byte(`{"id":"evt_2"}`), valid, true},
		{"too old", payload, Sign("s3cret", payload, now.Add(-6*time.Minute)), true},
		{"from the future", payload, Sign("s3cret", payload, now.Add(6*time.Minute)), true},
		{"missing header", payload, "", true},
		{"no timestamp", payload, "v1=abcd", true},
		{"bad timestamp", payload, "t=yesterday,v1=abcd", true},
		{"non-hex signature", payload, fmt.Sprintf("t=%d,v1=zz", now.Unix()), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.payload, tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrAuthenticityFailure) {
				t.Errorf("Verify() error = %v, want ErrAuthenticityFailure", err)
			}
		})
	}
}

func TestVerifier_NoSecretRejectsAll(t *testing.T) {
	v := NewVerifier("")
	payload := []byte(`{}`)
	if err := v.Verify(payload, Sign("", payload, time.Now())); !errors.Is(err, domain.ErrAuthenticityFailure) {
		t.Errorf("Verify() without secret error = %v, want ErrAuthenticityFailure", err)
	}
}

func TestHandleWebhook_BadSignatureNoMutation(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_1", TypePaymentSucceeded, f.now, map[string]any{
		"user_id": "u1", "credit_amount": 50,
	})

	_, err := f.rec.HandleWebhook(context.Background(), payload, Sign("wrong", payload, f.now))
	if !errors.Is(err, domain.ErrAuthenticityFailure) {
		t.Fatalf("HandleWebhook() error = %v, want ErrAuthenticityFailure", err)
	}
	txs, _ := f.ledger.History(context.Background(), "u1", 1, 10)
	if len(txs) != 0 {
		t.Errorf("transactions after rejected event = %d, want 0", len(txs))
	}
}

// ─── Parsing ────────────────────────────────────────────────────────────────

func TestParseEvent(t *testing.T) {
	created := time.Unix(1_700_000_000, 0).UTC()
	tests := []struct {
		name     string
		typ      string
		data     map[string]any
		wantType string
		wantErr  bool
	}{
		{"checkout subscription", TypeCheckoutCompleted, map[string]any{"customer": "cus_1", "subscription": "sub_1", "client_reference_id": "u1"}, "CheckoutCompleted", false},
		{"checkout credit pack", TypeCheckoutCompleted, map[string]any{"customer": "cus_1", "user_id": "u1", "credit_amount": 100}, "CheckoutCompleted", false},
		{"checkout with nothing", TypeCheckoutCompleted, map[string]any{"customer": "cus_1"}, "", true},
		{"payment succeeded", TypePaymentSucceeded, map[string]any{"id": "in_1", "user_id": "u1", "credit_amount": 50}, "PaymentSucceeded", false},
		{"negative credits", TypePaymentSucceeded, map[string]any{"credit_amount": -5}, "", true},
		{"payment failed", TypePaymentFailed, map[string]any{"id": "in_1", "customer": "cus_1"}, "PaymentFailed", false},
		{"subscription updated", TypeSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "past_due"}, "SubscriptionUpdated", false},
		{"subscription deleted", TypeSubscriptionDeleted, map[string]any{"id": "sub_1", "status": "active"}, "SubscriptionDeleted", false},
		{"trial will end", TypeTrialWillEnd, map[string]any{"id": "sub_1", "status": "trialing"}, "TrialWillEnd", false},
		{"updated without id", TypeSubscriptionUpdated, map[string]any{"status": "active"}, "", true},
		{"updated bad status", TypeSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "exploded"}, "", true},
		{"unknown type", "charge.refunded", map[string]any{"id": "ch_1"}, "UnknownEvent", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, _ := json.Marshal(map[string]any{"id": "evt_x", "type": tt.typ, "created": created.Unix(), "data": tt.data})
			ev, err := ParseEvent(payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, domain.ErrMalformedEvent) {
					t.Errorf("error = %v, want ErrMalformedEvent", err)
				}
				return
			}
			if got := fmt.Sprintf("%T", ev); got != "payment."+tt.wantType {
				t.Errorf("ParseEvent() type = %s, want payment.%s", got, tt.wantType)
			}
			if ev.EventID() != "evt_x" || ev.EventType() != tt.typ || !ev.OccurredAt().Equal(created) {
				t.Errorf("envelope = %s/%s/%v", ev.EventID(), ev.EventType(), ev.OccurredAt())
			}
		})
	}
}

func TestParseEvent_Fields(t *testing.T) {
	payload := []byte(`{"id":"evt_9","type":"customer.subscription.deleted","created":1700000000,
		"data":{"id":"sub_9","customer":"cus_9","status":"active","current_period_end":1700600000,"cancel_at_period_end":true}}`)
	ev, err := ParseEvent(payload)
	if err != nil {
		t.Fatal(err)
	}
	del, ok := ev.(SubscriptionDeleted)
	if !ok {
		t.Fatalf("ParseEvent() = %T, want SubscriptionDeleted", ev)
	}
	if del.Status != domain.SubCanceled {
		t.Errorf("Status = %q, want canceled", del.Status)
	}
	if del.SubscriptionID != "sub_9" || del.CustomerID != "cus_9" || !del.CancelAtPeriodEnd {
		t.Errorf("fields = %+v", del.SubscriptionChange)
	}
	if del.CurrentPeriodEnd.Unix() != 1700600000 {
		t.Errorf("CurrentPeriodEnd = %v", del.CurrentPeriodEnd)
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	for _, payload := range []string{``, `not json`, `{"type":"invoice.payment_succeeded"}`, `{"id":"evt_1"}`} {
		if _, err := ParseEvent([]byte(payload)); !errors.Is(err, domain.ErrMalformedEvent) {
			t.Errorf("ParseEvent(%q) error = %v, want ErrMalformedEvent", payload, err)
		}
	}
}

// ─── Payments ───────────────────────────────────────────────────────────────

func TestPaymentSucceeded_ReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_pay_1", TypePaymentSucceeded, f.now, map[string]any{
		"id": "in_1", "user_id": "u1", "package_id": "pro_100", "credit_amount": 100,
	})

	first, err := f.deliver(t, payload)
	if err != nil {
		t.Fatalf("first delivery error: %v", err)
	}
	if !first.Applied || first.NewBalance != 100 {
		t.Errorf("first = %+v, want applied balance 100", first)
	}

	second, err := f.deliver(t, payload)
	if err != nil {
		t.Fatalf("second delivery error: %v", err)
	}
	if second.Applied || second.Ignored || second.NewBalance != 100 {
		t.Errorf("second = %+v, want replay with balance 100", second)
	}

	bal, _ := f.ledger.Balance(context.Background(), "u1")
	if bal.Balance != 100 || bal.TotalPurchased != 100 {
		t.Errorf("balance = %+v, want 100 purchased once", bal)
	}
}

func TestPaymentSucceeded_ConcurrentDeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_pay_c", TypePaymentSucceeded, f.now, map[string]any{
		"user_id": "u1", "credit_amount": 25,
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.deliver(t, payload)
			if err != nil {
				t.Errorf("deliver error: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied deliveries = %d, want 1", applied)
	}
	bal, _ := f.ledger.Balance(context.Background(), "u1")
	if bal.Balance != 25 {
		t.Errorf("balance = %d, want 25", bal.Balance)
	}
}

func TestPaymentSucceeded_ResolvesUserByCustomer(t *testing.T) {
	f := newFixture(t)
	checkout := eventJSON(t, "evt_co", TypeCheckoutCompleted, f.now, map[string]any{
		"customer": "cus_7", "subscription": "sub_7", "client_reference_id": "u7",
	})
	if _, err := f.deliver(t, checkout); err != nil {
		t.Fatal(err)
	}

	invoice := eventJSON(t, "evt_inv", TypePaymentSucceeded, f.now, map[string]any{
		"customer": "cus_7", "subscription": "sub_7", "credit_amount": 40,
	})
	res, err := f.deliver(t, invoice)
	if err != nil {
		t.Fatalf("deliver error: %v", err)
	}
	if !res.Applied || res.NewBalance != 40 {
		t.Errorf("result = %+v, want applied 40", res)
	}
}

func TestPaymentSucceeded_UnresolvableUser(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_x", TypePaymentSucceeded, f.now, map[string]any{
		"customer": "cus_ghost", "credit_amount": 40,
	})
	if _, err := f.deliver(t, payload); !errors.Is(err, domain.ErrMalformedEvent) {
		t.Errorf("error = %v, want ErrMalformedEvent", err)
	}
}

func TestPaymentFailed_AuditOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Grant(ctx, ledger.GrantRequest{UserID: "u1", Amount: 10, Type: domain.TxPurchase})

	payload := eventJSON(t, "evt_fail", TypePaymentFailed, f.now, map[string]any{
		"id": "in_5", "user_id": "u1", "failure_reason": "card_declined",
	})
	res, err := f.deliver(t, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied || res.NewBalance != 10 {
		t.Errorf("result = %+v, want applied with unchanged balance 10", res)
	}

	txs, _ := f.ledger.History(ctx, "u1", 1, 10)
	if len(txs) != 2 || txs[0].Amount != 0 || !strings.Contains(txs[0].Description, "card_declined") {
		t.Errorf("history = %+v, want zero-amount failure record on top", txs)
	}

	again, _ := f.deliver(t, payload)
	if again.Applied {
		t.Error("replayed failure must not be recorded twice")
	}
}

func TestCheckout_CreditPackGrants(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_pack", TypeCheckoutCompleted, f.now, map[string]any{
		"customer": "cus_1", "user_id": "u1", "credit_amount": 60, "package_id": "pack_60",
	})
	res, err := f.deliver(t, payload)
	if err != nil || !res.Applied || res.NewBalance != 60 {
		t.Errorf("deliver = %+v, %v; want applied 60", res, err)
	}
}

// ─── Subscriptions ──────────────────────────────────────────────────────────

func TestCheckout_DuplicateSubscriptionCanceled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := eventJSON(t, "evt_co_1", TypeCheckoutCompleted, f.now, map[string]any{
		"customer": "cus_1", "subscription": "sub_A", "user_id": "u1",
	})
	res, err := f.deliver(t, first)
	if err != nil || !res.Applied {
		t.Fatalf("first checkout = %+v, %v", res, err)
	}

	second := eventJSON(t, "evt_co_2", TypeCheckoutCompleted, f.now, map[string]any{
		"customer": "cus_1", "subscription": "sub_B", "user_id": "u1",
	})
	res, err = f.deliver(t, second)
	if !errors.Is(err, domain.ErrDuplicateSubscription) {
		t.Fatalf("second checkout error = %v, want ErrDuplicateSubscription", err)
	}
	if !res.Ignored {
		t.Errorf("result = %+v, want ignored", res)
	}
	if got := f.gateway.Canceled(); len(got) != 1 || got[0] != "sub_B" {
		t.Errorf("canceled = %v, want [sub_B]", got)
	}
	if sub, _ := f.db.SubscriptionByExternalID(ctx, "sub_B"); sub != nil {
		t.Errorf("duplicate subscription stored: %+v", sub)
	}
	if n, _ := f.db.CountLiveSubscriptions(ctx, "cus_1"); n != 1 {
		t.Errorf("live subscriptions = %d, want 1", n)
	}
}

func TestCheckout_DuplicateGatewayDownIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = fmt.Errorf("dial: %w", domain.ErrGatewayUnavailable)

	f.deliver(t, eventJSON(t, "evt_1", TypeCheckoutCompleted, f.now, map[string]any{
		"customer": "cus_1", "subscription": "sub_A", "user_id": "u1",
	}))
	_, err := f.deliver(t, eventJSON(t, "evt_2", TypeCheckoutCompleted, f.now, map[string]any{
		"customer": "cus_1", "subscription": "sub_B", "user_id": "u1",
	}))
	if !domain.IsRetryable(err) {
		t.Errorf("error = %v, want retryable", err)
	}
}

func TestCheckout_ReplaySameSubscription(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_co", TypeCheckoutCompleted, f.now, map[string]any{
		"customer": "cus_1", "subscription": "sub_A", "user_id": "u1",
	})
	f.deliver(t, payload)

	res, err := f.deliver(t, payload)
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if res.Applied || res.Ignored {
		t.Errorf("replay = %+v, want not applied and not ignored", res)
	}
	if len(f.gateway.Canceled()) != 0 {
		t.Error("replay must not cancel anything")
	}
}

func TestLifecycle_UpdateDeleteAndStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deliver(t, eventJSON(t, "evt_co", TypeCheckoutCompleted, f.now.Add(-time.Hour), map[string]any{
		"customer": "cus_1", "subscription": "sub_A", "user_id": "u1", "status": "trialing",
	}))

	periodEnd := f.now.Add(30 * 24 * time.Hour).Truncate(time.Second)
	res, err := f.deliver(t, eventJSON(t, "evt_up", TypeSubscriptionUpdated, f.now.Add(-30*time.Minute), map[string]any{
		"id": "sub_A", "customer": "cus_1", "status": "active", "current_period_end": periodEnd.Unix(),
	}))
	if err != nil || !res.Applied {
		t.Fatalf("update = %+v, %v", res, err)
	}
	sub, _ := f.db.SubscriptionByExternalID(ctx, "sub_A")
	if sub.Status != domain.SubActive || !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("after update = %+v", sub)
	}

	res, err = f.deliver(t, eventJSON(t, "evt_del", TypeSubscriptionDeleted, f.now.Add(-10*time.Minute), map[string]any{
		"id": "sub_A", "customer": "cus_1", "status": "canceled",
	}))
	if err != nil || !res.Applied {
		t.Fatalf("delete = %+v, %v", res, err)
	}

	// An update older than the cancellation arrives late.
	res, err = f.deliver(t, eventJSON(t, "evt_late", TypeSubscriptionUpdated, f.now.Add(-20*time.Minute), map[string]any{
		"id": "sub_A", "customer": "cus_1", "status": "active",
	}))
	if err != nil || !res.Ignored {
		t.Fatalf("late update = %+v, %v; want ignored", res, err)
	}
	sub, _ = f.db.SubscriptionByExternalID(ctx, "sub_A")
	if sub.Status != domain.SubCanceled {
		t.Errorf("status = %q, want canceled to survive stale update", sub.Status)
	}
}

func TestLifecycle_UnknownSubscriptionTolerated(t *testing.T) {
	f := newFixture(t)
	res, err := f.deliver(t, eventJSON(t, "evt_trial", TypeTrialWillEnd, f.now, map[string]any{
		"id": "sub_nope", "status": "trialing",
	}))
	if err != nil {
		t.Fatalf("error = %v, want nil", err)
	}
	if !res.Ignored || res.Reason != "unknown subscription" {
		t.Errorf("result = %+v, want ignored unknown subscription", res)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	f := newFixture(t)
	res, err := f.deliver(t, eventJSON(t, "evt_r", "charge.refunded", f.now, map[string]any{"id": "ch_1"}))
	if err != nil || !res.Ignored || res.EventID != "evt_r" {
		t.Errorf("result = %+v, %v; want ignored", res, err)
	}
}
