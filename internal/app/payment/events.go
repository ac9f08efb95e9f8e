package payment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/applypilot/creditgate/internal/domain"
)

// Event type names as sent by the gateway.
const (
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypePaymentSucceeded    = "invoice.payment_succeeded"
	TypePaymentFailed       = "invoice.payment_failed"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
	TypeTrialWillEnd        = "customer.subscription.trial_will_end"
)

// Event is one decoded gateway notification. The concrete types below are
// the only implementations.
type Event interface {
	EventID() string
	EventType() string
	OccurredAt() time.Time
	isEvent()
}

// Envelope is common to every event.
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
}

func (e Envelope) EventID() string       { return e.ID }
func (e Envelope) EventType() string     { return e.Type }
func (e Envelope) OccurredAt() time.Time { return e.Created }
func (Envelope) isEvent()                {}

// CheckoutCompleted opens a subscription or buys a one-time credit pack.
type CheckoutCompleted struct {
	Envelope
	UserID         string
	CustomerID     string
	SubscriptionID string // empty for one-time purchases
	Status         domain.SubscriptionStatus
	PackageID      string
	CreditAmount   int64
}

// PaymentSucceeded credits the purchased amount.
type PaymentSucceeded struct {
	Envelope
	UserID         string
	CustomerID     string
	SubscriptionID string
	InvoiceID      string
	PackageID      string
	CreditAmount   int64
}

// PaymentFailed is recorded for audit only.
type PaymentFailed struct {
	Envelope
	UserID         string
	CustomerID     string
	SubscriptionID string
	InvoiceID      string
	Reason         string
}

// SubscriptionChange carries the fields shared by lifecycle events.
type SubscriptionChange struct {
	Envelope
	SubscriptionID    string
	CustomerID        string
	Status            domain.SubscriptionStatus
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// SubscriptionUpdated reports a status or period change.
type SubscriptionUpdated struct{ SubscriptionChange }

// SubscriptionDeleted reports a cancellation.
type SubscriptionDeleted struct{ SubscriptionChange }

// TrialWillEnd is sent shortly before a trial converts.
type TrialWillEnd struct{ SubscriptionChange }

// UnknownEvent is any type this service does not act on.
type UnknownEvent struct{ Envelope }

// ─── Decoding ───────────────────────────────────────────────────────────────

type wireEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type wireObject struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	Status            string `json:"status"`
	PackageID         string `json:"package_id"`
	CreditAmount      int64  `json:"credit_amount"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	FailureReason     string `json:"failure_reason"`
}

func (o wireObject) user() string {
	if o.UserID != "" {
		return strings.TrimSpace(o.UserID)
	}
	return strings.TrimSpace(o.ClientReferenceID)
}

// ParseEvent decodes a raw webhook body. Unknown types decode to
// UnknownEvent; a body without id or type is domain.ErrMalformedEvent.
func ParseEvent(payload []byte) (Event, error) {
	var w wireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if strings.TrimSpace(w.ID) == "" || strings.TrimSpace(w.Type) == "" {
		return nil, fmt.Errorf("%w: missing id or type", domain.ErrMalformedEvent)
	}
	env := Envelope{ID: w.ID, Type: w.Type}
	if w.Created > 0 {
		env.Created = time.Unix(w.Created, 0).UTC()
	}

	switch w.Type {
	case TypeCheckoutCompleted, TypePaymentSucceeded, TypePaymentFailed,
		TypeSubscriptionUpdated, TypeSubscriptionDeleted, TypeTrialWillEnd:
	default:
		return UnknownEvent{env}, nil
	}

	var o wireObject
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, &o); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", domain.ErrMalformedEvent, w.Type, err)
		}
	}

	switch w.Type {
	case TypeCheckoutCompleted:
		status := domain.SubscriptionStatus(o.Status)
		if status == "" || status == "complete" {
			status = domain.SubActive
		}
		if o.Subscription != "" && !status.Valid() {
			return nil, fmt.Errorf("%w: status %q", domain.ErrMalformedEvent, o.Status)
		}
		if o.Subscription == "" && o.CreditAmount <= 0 {
			return nil, fmt.Errorf("%w: checkout without subscription or credit amount", domain.ErrMalformedEvent)
		}
		return CheckoutCompleted{
			Envelope:       env,
			UserID:         o.user(),
			CustomerID:     o.Customer,
			SubscriptionID: o.Subscription,
			Status:         status,
			PackageID:      o.PackageID,
			CreditAmount:   o.CreditAmount,
		}, nil

	case TypePaymentSucceeded:
		if o.CreditAmount < 0 {
			return nil, fmt.Errorf("%w: negative credit amount", domain.ErrMalformedEvent)
		}
		return PaymentSucceeded{
			Envelope:       env,
			UserID:         o.user(),
			CustomerID:     o.Customer,
			SubscriptionID: o.Subscription,
			InvoiceID:      o.ID,
			PackageID:      o.PackageID,
			CreditAmount:   o.CreditAmount,
		}, nil

	case TypePaymentFailed:
		return PaymentFailed{
			Envelope:       env,
			UserID:         o.user(),
			CustomerID:     o.Customer,
			SubscriptionID: o.Subscription,
			InvoiceID:      o.ID,
			Reason:         o.FailureReason,
		}, nil
	}

	// Lifecycle events: data is the subscription object itself.
	if o.ID == "" {
		return nil, fmt.Errorf("%w: %s without subscription id", domain.ErrMalformedEvent, w.Type)
	}
	status := domain.SubscriptionStatus(o.Status)
	if w.Type == TypeSubscriptionDeleted {
		status = domain.SubCanceled
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: status %q", domain.ErrMalformedEvent, o.Status)
	}
	change := SubscriptionChange{
		Envelope:          env,
		SubscriptionID:    o.ID,
		CustomerID:        o.Customer,
		Status:            status,
		CancelAtPeriodEnd: o.CancelAtPeriodEnd,
	}
	if o.CurrentPeriodEnd > 0 {
		change.CurrentPeriodEnd = time.Unix(o.CurrentPeriodEnd, 0).UTC()
	}

	switch w.Type {
	case TypeSubscriptionUpdated:
		return SubscriptionUpdated{change}, nil
	case TypeSubscriptionDeleted:
		return SubscriptionDeleted{change}, nil
	default:
		return TrialWillEnd{change}, nil
	}
}
