// Package session manages desktop session tokens: issue, validate, refresh
// with a grace window, logout and expiry sweeping.
//
// Tokens are 256-bit random values handed to the desktop client once; the
// store only ever sees their SHA-256 hash.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/applypilot/creditgate/internal/domain"
	"github.com/applypilot/creditgate/internal/infra/observability"
)

// tokenBytes is the entropy of an issued token.
const tokenBytes = 32

// Config controls token lifetimes and the sweeper.
type Config struct {
	TTL           time.Duration // token lifetime (default: 15m)
	Grace         time.Duration // refresh allowed this long past expiry (default: 5m)
	SweepInterval time.Duration // expired-row sweep period (default: 1m)
	StoreTimeout  time.Duration // bound on every store call (default: 5s)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           15 * time.Minute,
		Grace:         5 * time.Minute,
		SweepInterval: time.Minute,
		StoreTimeout:  5 * time.Second,
	}
}

// Token is what the desktop client receives.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager is the session token lifecycle. It is safe for concurrent use.
type Manager struct {
	store      domain.SessionStore
	suspension domain.SuspensionChecker
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	entropy    io.Reader
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSuspensionChecker makes Issue and Validate refuse suspended accounts.
func WithSuspensionChecker(c domain.SuspensionChecker) Option {
	return func(m *Manager) { m.suspension = c }
}

// New creates a session manager over store.
func New(store domain.SessionStore, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	m := &Manager{
		store:   store,
		cfg:     cfg,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     func() time.Time { return time.Now().UTC() },
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

func (m *Manager) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.entropy, buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (m *Manager) checkSuspended(ctx context.Context, userID string) error {
	if m.suspension == nil {
		return nil
	}
	suspended, err := m.suspension.IsSuspended(ctx, userID)
	if err != nil {
		return err
	}
	if suspended {
		return domain.ErrAccountSuspended
	}
	return nil
}

// ─── Issue ──────────────────────────────────────────────────────────────────

// Issue creates a new session for an authenticated user.
func (m *Manager) Issue(ctx context.Context, userID string) (Token, error) {
	tok, err := m.issue(ctx, userID)
	observability.SessionOperations.WithLabelValues("issue", observability.Outcome(err)).Inc()
	return tok, err
}

func (m *Manager) issue(ctx context.Context, userID string) (Token, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return Token{}, err
	}
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	if err := m.checkSuspended(ctx, userID); err != nil {
		return Token{}, fmt.Errorf("issue session for %s: %w", userID, err)
	}

	value, err := m.newToken()
	if err != nil {
		return Token{}, err
	}
	now := m.now()
	s := domain.DesktopSession{
		ID:             uuid.NewString(),
		UserID:         userID,
		TokenHash:      domain.HashToken(value),
		ExpiresAt:      now.Add(m.cfg.TTL),
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := m.store.InsertSession(ctx, s); err != nil {
		return Token{}, fmt.Errorf("issue session for %s: %w", userID, err)
	}
	m.logger.Info("session issued", "user_id", userID, "session_id", s.ID, "expires_at", s.ExpiresAt)
	return Token{Value: value, ExpiresAt: s.ExpiresAt}, nil
}

// ─── Validate ───────────────────────────────────────────────────────────────

// Validate resolves a token to its session. An expired session is deleted
// before ErrSessionExpired is returned.
func (m *Manager) Validate(ctx context.Context, token string) (domain.DesktopSession, error) {
	s, err := m.validate(ctx, token)
	observability.SessionOperations.WithLabelValues("validate", observability.Outcome(err)).Inc()
	return s, err
}

func (m *Manager) validate(ctx context.Context, token string) (domain.DesktopSession, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.DesktopSession{}, domain.ErrInvalidToken
	}
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	s, err := m.store.SessionByTokenHash(ctx, domain.HashToken(token))
	if err != nil {
		return domain.DesktopSession{}, err
	}
	now := m.now()
	switch s.StateAt(now) {
	case domain.SessionAbsent:
		return domain.DesktopSession{}, domain.ErrInvalidToken
	case domain.SessionExpired:
		if _, err := m.store.DeleteExpiredSession(ctx, s.ID, now); err != nil {
			return domain.DesktopSession{}, err
		}
		m.logger.Debug("expired session removed on validate", "session_id", s.ID, "user_id", s.UserID)
		return domain.DesktopSession{}, domain.ErrSessionExpired
	}

	if err := m.checkSuspended(ctx, s.UserID); err != nil {
		return domain.DesktopSession{}, err
	}
	if err := m.store.TouchSession(ctx, s.ID, now); err != nil {
		return domain.DesktopSession{}, err
	}
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	return *s, nil
}

// ─── Refresh ────────────────────────────────────────────────────────────────

// Refresh swaps the token for a new one. The old token stops working the
// moment the swap commits; of two concurrent refreshes one wins and the
// other sees ErrInvalidToken.
func (m *Manager) Refresh(ctx context.Context, token string) (Token, error) {
	tok, err := m.refresh(ctx, token)
	observability.SessionOperations.WithLabelValues("refresh", observability.Outcome(err)).Inc()
	return tok, err
}

func (m *Manager) refresh(ctx context.Context, token string) (Token, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Token{}, domain.ErrInvalidToken
	}
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	value, err := m.newToken()
	if err != nil {
		return Token{}, err
	}
	now := m.now()
	expiresAt := now.Add(m.cfg.TTL)

	result, err := m.store.SwapSessionToken(ctx, domain.HashToken(token), domain.HashToken(value), expiresAt, now, m.cfg.Grace)
	if err != nil {
		return Token{}, fmt.Errorf("refresh session: %w", err)
	}
	switch result {
	case domain.RefreshSwapped:
		return Token{Value: value, ExpiresAt: expiresAt}, nil
	case domain.RefreshWindowClosed:
		m.logger.Info("refresh refused past grace window")
		return Token{}, domain.ErrRefreshWindowClosed
	default:
		return Token{}, domain.ErrInvalidToken
	}
}

// ─── Revoke ─────────────────────────────────────────────────────────────────

// Revoke deletes the session holding token (logout). Unknown tokens are a
// no-op.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.ErrInvalidToken
	}
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	_, err := m.store.DeleteSessionByTokenHash(ctx, domain.HashToken(token))
	observability.SessionOperations.WithLabelValues("revoke", observability.Outcome(err)).Inc()
	return err
}

// RevokeUser deletes every session of a user and returns how many were removed.
func (m *Manager) RevokeUser(ctx context.Context, userID string) (int64, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	n, err := m.store.DeleteUserSessions(ctx, userID)
	observability.SessionOperations.WithLabelValues("revoke_user", observability.Outcome(err)).Inc()
	if err != nil {
		return 0, fmt.Errorf("revoke sessions for %s: %w", userID, err)
	}
	if n > 0 {
		m.logger.Info("user sessions revoked", "user_id", userID, "count", n)
	}
	return n, nil
}

// ─── Sweep ──────────────────────────────────────────────────────────────────

// Sweep deletes every session with expiresAt < now.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	n, err := m.store.DeleteExpiredSessions(ctx, m.now())
	observability.SessionOperations.WithLabelValues("sweep", observability.Outcome(err)).Inc()
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	observability.SessionsSwept.Add(float64(n))
	return n, nil
}
