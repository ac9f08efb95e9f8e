package domain

import (
	"context"
	"time"
)

// ─── Store Interfaces ───────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// CreditStore persists accounts and the append-only transaction log.
// Consume and Grant must apply the balance update and the transaction
// append as one atomic unit.
type CreditStore interface {
	GetOrCreateAccount(ctx context.Context, userID string, policy AccountPolicy, now time.Time) (CreditAccount, error)
	Consume(ctx context.Context, p ConsumeParams) (int64, error)
	Grant(ctx context.Context, p GrantParams) (GrantOutcome, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]CreditTransaction, error)
	SetSuspended(ctx context.Context, userID string, suspended bool, reason string, policy AccountPolicy, now time.Time) error
	AccountSuspended(ctx context.Context, userID string) (bool, error)
	InsertNote(ctx context.Context, note AccountNote) error
	ListNotes(ctx context.Context, userID string) ([]AccountNote, error)
}

// SessionStore persists desktop sessions.
type SessionStore interface {
	InsertSession(ctx context.Context, s DesktopSession) error
	SessionByTokenHash(ctx context.Context, tokenHash string) (*DesktopSession, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteExpiredSession(ctx context.Context, id string, now time.Time) (bool, error)
	SwapSessionToken(ctx context.Context, oldHash, newHash string, newExpiresAt, now time.Time, grace time.Duration) (RefreshResult, error)
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (bool, error)
	DeleteUserSessions(ctx context.Context, userID string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// SubscriptionStore persists gateway subscription mirrors.
type SubscriptionStore interface {
	InsertSubscription(ctx context.Context, s Subscription) (InsertSubscriptionResult, error)
	PatchSubscription(ctx context.Context, p SubscriptionPatch, now time.Time) (PatchResult, error)
	UserForCustomer(ctx context.Context, customerID string) (string, error)
}

// SuspensionChecker is consulted by the session manager on every validation.
type SuspensionChecker interface {
	IsSuspended(ctx context.Context, userID string) (bool, error)
}
