package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/applypilot/creditgate/internal/domain"
)

// ─── Credit Schema ──────────────────────────────────────────────────────────

// CreditMigrations returns the ledger schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func CreditMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id          TEXT PRIMARY KEY,
			balance          INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			total_purchased  INTEGER NOT NULL DEFAULT 0,
			total_consumed   INTEGER NOT NULL DEFAULT 0,
			is_early_adopter INTEGER NOT NULL DEFAULT 0,
			suspended        INTEGER NOT NULL DEFAULT 0,
			suspended_reason TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,

		// Append-only transaction log
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id           TEXT NOT NULL,
			type              TEXT NOT NULL,
			amount            INTEGER NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			external_event_id TEXT,
			created_at        INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_event
			ON credit_transactions(external_event_id) WHERE external_event_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_user ON credit_transactions(user_id, id)`,
		`CREATE TRIGGER IF NOT EXISTS credit_tx_no_update BEFORE UPDATE ON credit_transactions
		BEGIN
			SELECT RAISE(ABORT, 'credit_transactions is append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS credit_tx_no_delete BEFORE DELETE ON credit_transactions
		BEGIN
			SELECT RAISE(ABORT, 'credit_transactions is append-only');
		END`,

		// Admin notes
		`CREATE TABLE IF NOT EXISTS account_notes (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			author     TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_account_notes_user ON account_notes(user_id, created_at)`,
	}
}

const accountColumns = `user_id, balance, total_purchased, total_consumed, is_early_adopter,
	suspended, suspended_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.CreditAccount, error) {
	var a domain.CreditAccount
	var early, suspended int
	var created, updated int64
	err := row.Scan(&a.UserID, &a.Balance, &a.TotalPurchased, &a.TotalConsumed, &early,
		&suspended, &a.SuspendedReason, &created, &updated)
	if err != nil {
		return a, err
	}
	a.IsEarlyAdopter = early == 1
	a.Suspended = suspended == 1
	a.CreatedAt = fromMS(created)
	a.UpdatedAt = fromMS(updated)
	return a, nil
}

// ─── Account Operations ─────────────────────────────────────────────────────

// ensureAccount creates the account if absent. The early-adopter decision
// counts existing accounts in the same statement as the insert, so the
// limit holds under concurrent first access.
func ensureAccount(ctx context.Context, tx *sql.Tx, userID string, policy domain.AccountPolicy, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO credit_accounts (user_id, is_early_adopter, created_at, updated_at)
		SELECT ?, CASE WHEN (SELECT COUNT(*) FROM credit_accounts) < ? THEN 1 ELSE 0 END, ?, ?
	`, userID, policy.EarlyAdopterLimit, ms(now), ms(now))
	if err != nil {
		return err
	}
	created, err := res.RowsAffected()
	if err != nil || created == 0 || policy.EarlyAdopterGrant <= 0 {
		return err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE credit_accounts SET balance = balance + ?, updated_at = ?
		WHERE user_id = ? AND is_early_adopter = 1
	`, policy.EarlyAdopterGrant, ms(now), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	_, err = insertTransaction(ctx, tx, domain.CreditTransaction{
		UserID:          userID,
		Type:            domain.TxGrant,
		Amount:          policy.EarlyAdopterGrant,
		Description:     "Early adopter welcome credits",
		ExternalEventID: domain.EarlyAdopterEventID(userID),
		CreatedAt:       now,
	})
	return err
}

// insertTransaction appends to the log. It returns false when the external
// event id was already recorded.
func insertTransaction(ctx context.Context, tx *sql.Tx, t domain.CreditTransaction) (bool, error) {
	var eventID any
	if t.ExternalEventID != "" {
		eventID = t.ExternalEventID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO credit_transactions (user_id, type, amount, description, external_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.UserID, string(t.Type), t.Amount, t.Description, eventID, ms(t.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func accountTx(ctx context.Context, tx *sql.Tx, userID string) (domain.CreditAccount, error) {
	return scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`, userID))
}

// GetOrCreateAccount returns the account, creating it on first access.
func (db *DB) GetOrCreateAccount(ctx context.Context, userID string, policy domain.AccountPolicy, now time.Time) (domain.CreditAccount, error) {
	acct, err := scanAccount(db.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`, userID))
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return acct, storeErr("get account", err)
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, userID, policy, now); err != nil {
			return err
		}
		acct, err = accountTx(ctx, tx, userID)
		return err
	})
	return acct, storeErr("create account", err)
}

// Consume debits amount credits. The balance check and decrement are one
// conditional UPDATE; early adopters keep their balance but accrue
// total_consumed. Returns *domain.InsufficientCreditsError or
// domain.ErrAccountSuspended when the update matches no row.
func (db *DB) Consume(ctx context.Context, p domain.ConsumeParams) (int64, error) {
	var newBalance int64
	var refusal error

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, p.UserID, p.Policy, p.Now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts SET
				balance        = CASE WHEN is_early_adopter = 1 THEN balance ELSE balance - ? END,
				total_consumed = total_consumed + ?,
				updated_at     = ?
			WHERE user_id = ? AND suspended = 0 AND (is_early_adopter = 1 OR balance >= ?)
				AND total_consumed <= ?
		`, p.Amount, p.Amount, ms(p.Now), p.UserID, p.Amount, math.MaxInt64-p.Amount)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		acct, err := accountTx(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		newBalance = acct.Balance
		if n == 0 {
			// Commit anyway: a lazily created account must keep its
			// registration slot.
			switch {
			case acct.Suspended:
				refusal = domain.ErrAccountSuspended
			case !acct.CanConsume(p.Amount):
				refusal = &domain.InsufficientCreditsError{Balance: acct.Balance, Required: p.Amount}
			default:
				refusal = fmt.Errorf("%w: total consumed would overflow", domain.ErrInvalidAmount)
			}
			return nil
		}

		_, err = insertTransaction(ctx, tx, domain.CreditTransaction{
			UserID:      p.UserID,
			Type:        domain.TxConsumption,
			Amount:      -p.Amount,
			Description: p.Description,
			CreatedAt:   p.Now,
		})
		return err
	})
	if err != nil {
		return 0, storeErr("consume", err)
	}
	return newBalance, refusal
}

// Grant credits an account. A replayed ExternalEventID is detected by the
// unique index and leaves the account untouched.
func (db *DB) Grant(ctx context.Context, p domain.GrantParams) (domain.GrantOutcome, error) {
	var out domain.GrantOutcome

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, p.UserID, p.Policy, p.Now); err != nil {
			return err
		}
		inserted, err := insertTransaction(ctx, tx, domain.CreditTransaction{
			UserID:          p.UserID,
			Type:            p.Type,
			Amount:          p.Amount,
			Description:     p.Description,
			ExternalEventID: p.ExternalEventID,
			CreatedAt:       p.Now,
		})
		if err != nil {
			return err
		}
		out.Applied = inserted

		if inserted && p.Amount != 0 {
			var purchased int64
			if p.Type == domain.TxPurchase {
				purchased = p.Amount
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE credit_accounts SET
					balance         = balance + ?,
					total_purchased = total_purchased + ?,
					updated_at      = ?
				WHERE user_id = ? AND balance <= ? AND total_purchased <= ?
			`, p.Amount, purchased, ms(p.Now), p.UserID,
				math.MaxInt64-p.Amount, math.MaxInt64-purchased)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				// Rolls back the transaction row too.
				return fmt.Errorf("%w: balance would overflow", domain.ErrInvalidAmount)
			}
		}

		acct, err := accountTx(ctx, tx, p.UserID)
		out.NewBalance = acct.Balance
		return err
	})
	return out, storeErr("grant", err)
}

// ListTransactions returns a user's transactions newest-first.
func (db *DB) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.CreditTransaction, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, description, COALESCE(external_event_id, ''), created_at
		FROM credit_transactions WHERE user_id = ?
		ORDER BY id DESC LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		var typ string
		var created int64
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.Description, &t.ExternalEventID, &created); err != nil {
			return nil, storeErr("scan transaction", err)
		}
		t.Type = domain.TransactionType(typ)
		t.CreatedAt = fromMS(created)
		out = append(out, t)
	}
	return out, storeErr("list transactions", rows.Err())
}

// ─── Suspension ─────────────────────────────────────────────────────────────

// SetSuspended flips the suspension flag, creating the account if needed.
func (db *DB) SetSuspended(ctx context.Context, userID string, suspended bool, reason string, policy domain.AccountPolicy, now time.Time) error {
	if !suspended {
		reason = ""
	}
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, userID, policy, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts SET suspended = ?, suspended_reason = ?, updated_at = ?
			WHERE user_id = ?
		`, boolInt(suspended), reason, ms(now), userID)
		return err
	})
	return storeErr("set suspended", err)
}

// AccountSuspended reports the suspension flag; absent accounts are not suspended.
func (db *DB) AccountSuspended(ctx context.Context, userID string) (bool, error) {
	var suspended int
	err := db.db.QueryRowContext(ctx,
		`SELECT suspended FROM credit_accounts WHERE user_id = ?`, userID).Scan(&suspended)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("account suspended", err)
	}
	return suspended == 1, nil
}

// ─── Notes ──────────────────────────────────────────────────────────────────

// InsertNote stores an admin note.
func (db *DB) InsertNote(ctx context.Context, n domain.AccountNote) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO account_notes (id, user_id, author, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Author, n.Body, ms(n.CreatedAt))
	return storeErr("insert note", err)
}

// ListNotes returns a user's notes newest-first.
func (db *DB) ListNotes(ctx context.Context, userID string) ([]domain.AccountNote, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, user_id, author, body, created_at FROM account_notes
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC
	`, userID)
	if err != nil {
		return nil, storeErr("list notes", err)
	}
	defer rows.Close()

	var out []domain.AccountNote
	for rows.Next() {
		var n domain.AccountNote
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Author, &n.Body, &created); err != nil {
			return nil, storeErr("scan note", err)
		}
		n.CreatedAt = fromMS(created)
		out = append(out, n)
	}
	return out, storeErr("list notes", rows.Err())
}
