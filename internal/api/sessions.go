package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/applypilot/creditgate/internal/domain"
)

// ─── Desktop Sessions API ───────────────────────────────────────────────────
//
// POST   /api/desktop/sessions         : issue a token for X-User-ID
// POST   /api/desktop/sessions/refresh : swap a (possibly expired) token
// DELETE /api/desktop/sessions         : logout

type ctxKey int

const sessionKey ctxKey = iota

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireUser rejects requests without an upstream-authenticated user id.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(HeaderUserID)) == "" {
			writeErrorBody(w, http.StatusUnauthorized, "unauthorized", "caller identity required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSession validates the bearer desktop token and stores the session
// in the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Validate(r.Context(), bearerToken(r))
		if err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(ctx context.Context) domain.DesktopSession {
	sess, _ := ctx.Value(sessionKey).(domain.DesktopSession)
	return sess
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	tok, err := s.sessions.Issue(r.Context(), r.Header.Get(HeaderUserID))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	tok, err := s.sessions.Refresh(r.Context(), bearerToken(r))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Revoke(r.Context(), bearerToken(r)); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
