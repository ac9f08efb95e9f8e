package domain

import "time"

// ─── Subscriptions ──────────────────────────────────────────────────────────

// SubscriptionStatus mirrors the gateway's subscription status.
type SubscriptionStatus string

const (
	SubTrialing   SubscriptionStatus = "trialing"
	SubActive     SubscriptionStatus = "active"
	SubPastDue    SubscriptionStatus = "past_due"
	SubIncomplete SubscriptionStatus = "incomplete"
	SubUnpaid     SubscriptionStatus = "unpaid"
	SubCanceled   SubscriptionStatus = "canceled"
)

// Live reports whether the status counts toward the one-live-subscription
// per customer limit.
func (s SubscriptionStatus) Live() bool {
	return s == SubActive || s == SubTrialing
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubTrialing, SubActive, SubPastDue, SubIncomplete, SubUnpaid, SubCanceled:
		return true
	}
	return false
}

// Subscription is the local mirror of a gateway subscription.
type Subscription struct {
	UserID                 string             `json:"user_id"`
	ExternalCustomerID     string             `json:"external_customer_id"`
	ExternalSubscriptionID string             `json:"external_subscription_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	LastEventAt            time.Time          `json:"last_event_at"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// SubscriptionPatch is a partial update from a lifecycle event. EventAt
// orders patches; older patches than the row's LastEventAt are discarded.
type SubscriptionPatch struct {
	ExternalSubscriptionID string
	Status                 SubscriptionStatus
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	EventAt                time.Time
}

// PatchResult reports the outcome of applying a SubscriptionPatch.
type PatchResult int

const (
	PatchApplied PatchResult = iota
	PatchUnknown             // no row for the subscription id
	PatchStale               // row already reflects a newer event
)

// InsertSubscriptionResult reports the outcome of recording a new subscription.
type InsertSubscriptionResult int

const (
	SubscriptionInserted  InsertSubscriptionResult = iota
	SubscriptionReplayed                           // same subscription id already stored
	SubscriptionDuplicate                          // customer already has a live subscription
)
