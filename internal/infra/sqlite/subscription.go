package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/applypilot/creditgate/internal/domain"
)

// ─── Subscription Schema ────────────────────────────────────────────────────

// SubscriptionMigrations returns the subscription mirror schema statements.
func SubscriptionMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id                       INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id                  TEXT NOT NULL,
			external_customer_id     TEXT NOT NULL,
			external_subscription_id TEXT NOT NULL UNIQUE,
			status                   TEXT NOT NULL,
			current_period_end       INTEGER NOT NULL DEFAULT 0,
			cancel_at_period_end     INTEGER NOT NULL DEFAULT 0,
			last_event_at            INTEGER NOT NULL DEFAULT 0,
			created_at               INTEGER NOT NULL,
			updated_at               INTEGER NOT NULL
		)`,
		// At most one live subscription per customer.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_live_customer
			ON subscriptions(external_customer_id) WHERE status IN ('active', 'trialing')`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions(external_customer_id, id)`,
	}
}

const subscriptionColumns = `user_id, external_customer_id, external_subscription_id, status,
	current_period_end, cancel_at_period_end, last_event_at, created_at, updated_at`

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var s domain.Subscription
	var status string
	var periodEnd, lastEvent, created, updated int64
	var cancel int
	err := row.Scan(&s.UserID, &s.ExternalCustomerID, &s.ExternalSubscriptionID, &status,
		&periodEnd, &cancel, &lastEvent, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Status = domain.SubscriptionStatus(status)
	s.CurrentPeriodEnd = fromMS(periodEnd)
	s.CancelAtPeriodEnd = cancel == 1
	s.LastEventAt = fromMS(lastEvent)
	s.CreatedAt = fromMS(created)
	s.UpdatedAt = fromMS(updated)
	return &s, nil
}

// ─── Subscription Operations ────────────────────────────────────────────────

// InsertSubscription records a new subscription. The duplicate check and
// the insert run in one write transaction; the partial unique index backs
// it up.
func (db *DB) InsertSubscription(ctx context.Context, s domain.Subscription) (domain.InsertSubscriptionResult, error) {
	result := domain.SubscriptionInserted
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanSubscription(tx.QueryRowContext(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = ?`,
			s.ExternalSubscriptionID))
		if err != nil {
			return err
		}
		if existing != nil {
			result = domain.SubscriptionReplayed
			return nil
		}

		if s.Status.Live() {
			live, err := scanSubscription(tx.QueryRowContext(ctx,
				`SELECT `+subscriptionColumns+` FROM subscriptions
				 WHERE external_customer_id = ? AND status IN ('active', 'trialing')`,
				s.ExternalCustomerID))
			if err != nil {
				return err
			}
			if live != nil {
				result = domain.SubscriptionDuplicate
				return nil
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscriptions (user_id, external_customer_id, external_subscription_id, status,
				current_period_end, cancel_at_period_end, last_event_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.UserID, s.ExternalCustomerID, s.ExternalSubscriptionID, string(s.Status),
			ms(s.CurrentPeriodEnd), boolInt(s.CancelAtPeriodEnd), ms(s.LastEventAt),
			ms(s.CreatedAt), ms(s.UpdatedAt))
		if isConstraint(err) {
			result = domain.SubscriptionDuplicate
			return nil
		}
		return err
	})
	return result, storeErr("insert subscription", err)
}

// PatchSubscription applies a lifecycle update unless the stored row already
// reflects a newer event. A zero CurrentPeriodEnd keeps the stored value.
func (db *DB) PatchSubscription(ctx context.Context, p domain.SubscriptionPatch, now time.Time) (domain.PatchResult, error) {
	result := domain.PatchApplied
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET
				status               = ?,
				current_period_end   = CASE WHEN ? = 0 THEN current_period_end ELSE ? END,
				cancel_at_period_end = ?,
				last_event_at        = ?,
				updated_at           = ?
			WHERE external_subscription_id = ? AND last_event_at <= ?
		`, string(p.Status), ms(p.CurrentPeriodEnd), ms(p.CurrentPeriodEnd), boolInt(p.CancelAtPeriodEnd),
			ms(p.EventAt), ms(now), p.ExternalSubscriptionID, ms(p.EventAt))
		if isConstraint(err) {
			return fmt.Errorf("reactivate %s: %w", p.ExternalSubscriptionID, domain.ErrDuplicateSubscription)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM subscriptions WHERE external_subscription_id = ?`,
			p.ExternalSubscriptionID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			result = domain.PatchUnknown
		} else {
			result = domain.PatchStale
		}
		return nil
	})
	if errors.Is(err, domain.ErrDuplicateSubscription) {
		return result, err
	}
	return result, storeErr("patch subscription", err)
}

// SubscriptionByExternalID returns nil, nil when absent.
func (db *DB) SubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*domain.Subscription, error) {
	s, err := scanSubscription(db.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = ?`,
		externalSubscriptionID))
	return s, storeErr("get subscription", err)
}

// LiveSubscriptionForCustomer returns the customer's active/trialing
// subscription, or nil.
func (db *DB) LiveSubscriptionForCustomer(ctx context.Context, customerID string) (*domain.Subscription, error) {
	s, err := scanSubscription(db.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE external_customer_id = ? AND status IN ('active', 'trialing')`, customerID))
	return s, storeErr("live subscription", err)
}

// UserForCustomer resolves a gateway customer to a user through the most
// recent subscription row. Returns "" when the customer is unknown.
func (db *DB) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := db.db.QueryRowContext(ctx, `
		SELECT user_id FROM subscriptions WHERE external_customer_id = ?
		ORDER BY id DESC LIMIT 1
	`, customerID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return userID, storeErr("user for customer", err)
}

// CountLiveSubscriptions returns the number of active/trialing rows for a customer.
func (db *DB) CountLiveSubscriptions(ctx context.Context, customerID string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE external_customer_id = ? AND status IN ('active', 'trialing')
	`, customerID).Scan(&n)
	return n, storeErr("count live subscriptions", err)
}
