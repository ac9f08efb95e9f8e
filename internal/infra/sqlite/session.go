package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/applypilot/creditgate/internal/domain"
)

// ─── Session Schema ─────────────────────────────────────────────────────────

// SessionMigrations returns the desktop session schema statements.
func SessionMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS desktop_sessions (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			token_hash       TEXT NOT NULL UNIQUE,
			expires_at       INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_desktop_sessions_expiry ON desktop_sessions(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_desktop_sessions_user ON desktop_sessions(user_id)`,
	}
}

// ─── Session Operations ─────────────────────────────────────────────────────

// InsertSession stores a newly issued session.
func (db *DB) InsertSession(ctx context.Context, s domain.DesktopSession) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO desktop_sessions (id, user_id, token_hash, expires_at, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.TokenHash, ms(s.ExpiresAt), ms(s.LastActivityAt), ms(s.CreatedAt))
	return storeErr("insert session", err)
}

// SessionByTokenHash looks up a session. Returns nil, nil when absent.
func (db *DB) SessionByTokenHash(ctx context.Context, tokenHash string) (*domain.DesktopSession, error) {
	var s domain.DesktopSession
	var expires, last, created int64
	err := db.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, last_activity_at, created_at
		FROM desktop_sessions WHERE token_hash = ?
	`, tokenHash).Scan(&s.ID, &s.UserID, &s.TokenHash, &expires, &last, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	s.ExpiresAt = fromMS(expires)
	s.LastActivityAt = fromMS(last)
	s.CreatedAt = fromMS(created)
	return &s, nil
}

// TouchSession advances last_activity_at; it never moves backwards.
func (db *DB) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := db.db.ExecContext(ctx, `
		UPDATE desktop_sessions SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?
	`, ms(at), id)
	return storeErr("touch session", err)
}

// DeleteExpiredSession removes a session only if it is still expired at now.
// A concurrent refresh that pushed expires_at forward keeps the row alive.
func (db *DB) DeleteExpiredSession(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM desktop_sessions WHERE id = ? AND expires_at <= ?`, id, ms(now))
	if err != nil {
		return false, storeErr("delete expired session", err)
	}
	n, err := res.RowsAffected()
	return n == 1, storeErr("delete expired session", err)
}

// SwapSessionToken replaces the token of the session holding oldHash in a
// single conditional UPDATE. Of two concurrent swaps on the same token
// exactly one matches. A row found outside the grace window is deleted.
func (db *DB) SwapSessionToken(ctx context.Context, oldHash, newHash string, newExpiresAt, now time.Time, grace time.Duration) (domain.RefreshResult, error) {
	result := domain.RefreshNotFound
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE desktop_sessions SET token_hash = ?, expires_at = ?, last_activity_at = ?
			WHERE token_hash = ? AND expires_at >= ?
		`, newHash, ms(newExpiresAt), ms(now), oldHash, ms(now.Add(-grace)))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			result = domain.RefreshSwapped
			return nil
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM desktop_sessions WHERE token_hash = ?`, oldHash)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			result = domain.RefreshWindowClosed
		}
		return nil
	})
	return result, storeErr("swap session token", err)
}

// DeleteSessionByTokenHash removes a single session (logout).
func (db *DB) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (bool, error) {
	res, err := db.db.ExecContext(ctx, `DELETE FROM desktop_sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return false, storeErr("delete session", err)
	}
	n, err := res.RowsAffected()
	return n == 1, storeErr("delete session", err)
}

// DeleteUserSessions removes every session of a user.
func (db *DB) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := db.db.ExecContext(ctx, `DELETE FROM desktop_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, storeErr("delete user sessions", err)
	}
	n, err := res.RowsAffected()
	return n, storeErr("delete user sessions", err)
}

// DeleteExpiredSessions removes all rows with expires_at < now in one
// statement, so a row refreshed mid-sweep is never removed.
func (db *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx, `DELETE FROM desktop_sessions WHERE expires_at < ?`, ms(now))
	if err != nil {
		return 0, storeErr("sweep sessions", err)
	}
	n, err := res.RowsAffected()
	return n, storeErr("sweep sessions", err)
}

// CountSessions returns the number of stored sessions for a user.
func (db *DB) CountSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM desktop_sessions WHERE user_id = ?`, userID).Scan(&n)
	return n, storeErr("count sessions", err)
}
