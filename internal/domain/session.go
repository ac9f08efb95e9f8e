package domain

import "time"

// ─── Desktop Sessions ───────────────────────────────────────────────────────

// DesktopSession is one issued desktop token. The raw token is never
// persisted; TokenHash is its SHA-256 digest.
type DesktopSession struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	TokenHash      string    `json:"-"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionState is the lifecycle state of a token at a point in time.
type SessionState int

const (
	SessionAbsent SessionState = iota
	SessionActive
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	default:
		return "absent"
	}
}

// StateAt classifies the session at now. Expiry is inclusive: a session
// whose expiresAt equals now is expired.
func (s *DesktopSession) StateAt(now time.Time) SessionState {
	if s == nil {
		return SessionAbsent
	}
	if now.Before(s.ExpiresAt) {
		return SessionActive
	}
	return SessionExpired
}

// RefreshResult distinguishes the outcomes of a conditional token swap.
type RefreshResult int

const (
	RefreshSwapped RefreshResult = iota
	RefreshNotFound
	RefreshWindowClosed
)
