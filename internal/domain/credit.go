package domain

import (
	"fmt"
	"time"
)

// ─── Credit Types ───────────────────────────────────────────────────────────

// TransactionType represents the business reason for a credit operation.
type TransactionType string

const (
	TxPurchase    TransactionType = "purchase"
	TxConsumption TransactionType = "consumption"
	TxGrant       TransactionType = "grant"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxConsumption, TxGrant:
		return true
	}
	return false
}

// CreditAccount is the mutable per-user aggregate owned by the ledger.
// Balance is authoritative for access gating unless IsEarlyAdopter is set.
type CreditAccount struct {
	UserID          string    `json:"user_id"`
	Balance         int64     `json:"balance"`
	TotalPurchased  int64     `json:"total_purchased"`
	TotalConsumed   int64     `json:"total_consumed"`
	IsEarlyAdopter  bool      `json:"is_early_adopter"`
	Suspended       bool      `json:"suspended"`
	SuspendedReason string    `json:"suspended_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CanConsume reports whether the account may spend amount credits.
func (a CreditAccount) CanConsume(amount int64) bool {
	return a.IsEarlyAdopter || a.Balance >= amount
}

// CreditTransaction is a single immutable row in the transaction log.
// Amount is signed: negative for consumption, positive for purchase/grant,
// zero for activity markers.
type CreditTransaction struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"user_id"`
	Type            TransactionType `json:"type"`
	Amount          int64           `json:"amount"`
	Description     string          `json:"description,omitempty"`
	ExternalEventID string          `json:"external_event_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// AccountNote is an admin annotation attached to an account.
type AccountNote struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountPolicy controls how accounts are created lazily.
type AccountPolicy struct {
	EarlyAdopterLimit int   // first N accounts become early adopters
	EarlyAdopterGrant int64 // one-time grant for early adopters
}

// ─── Store Parameters ───────────────────────────────────────────────────────

// ConsumeParams describes a debit against an account.
type ConsumeParams struct {
	UserID      string
	Amount      int64 // positive; stored negated
	Description string
	Policy      AccountPolicy
	Now         time.Time
}

// GrantParams describes a credit to an account. An empty ExternalEventID
// disables replay detection. Amount 0 records an activity marker.
type GrantParams struct {
	UserID          string
	Amount          int64
	Type            TransactionType
	Description     string
	ExternalEventID string
	Policy          AccountPolicy
	Now             time.Time
}

// GrantOutcome reports the effect of a grant.
type GrantOutcome struct {
	NewBalance int64
	Applied    bool // false when ExternalEventID was already recorded
}

// EarlyAdopterEventID is the idempotency key of an account's welcome grant.
func EarlyAdopterEventID(userID string) string {
	return fmt.Sprintf("early-adopter:%s", userID)
}
