package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/applypilot/creditgate/internal/app/admin"
	"github.com/applypilot/creditgate/internal/domain"
)

// ─── Admin API ──────────────────────────────────────────────────────────────
// Guarded by the X-Admin-Email allow-list.
//
// GET  /api/admin/accounts/{userID}            : account snapshot
// POST /api/admin/accounts/{userID}/grant      : {amount, reason, idempotency_key}
// POST /api/admin/accounts/{userID}/suspend    : {reason}
// POST /api/admin/accounts/{userID}/reactivate
// GET  /api/admin/accounts/{userID}/notes
// POST /api/admin/accounts/{userID}/notes      : {body}

type adminGrantRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type adminSuspendRequest struct {
	Reason string `json:"reason"`
}

type adminNoteRequest struct {
	Body string `json:"body"`
}

func adminEmail(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderAdminEmail))
}

// adminOnly rejects callers missing from the allow-list.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := adminEmail(r)
		if email == "" {
			writeErrorBody(w, http.StatusUnauthorized, "unauthorized", "admin identity required", nil)
			return
		}
		if !s.adminAllowed(email) {
			s.logger.Warn("admin access denied", "email", email, "path", r.URL.Path)
			writeErrorBody(w, http.StatusForbidden, "forbidden", "not an admin", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(r, v)
}

func (s *Server) handleAdminAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Account(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var req adminGrantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	res, err := s.admin.Grant(r.Context(), admin.GrantRequest{
		Actor:          adminEmail(r),
		UserID:         chi.URLParam(r, "userID"),
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminSuspend(w http.ResponseWriter, r *http.Request) {
	var req adminSuspendRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.admin.SuspendAccount(r.Context(), adminEmail(r), userID, req.Reason); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "suspended": true})
}

func (s *Server) handleAdminReactivate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.admin.ReactivateAccount(r.Context(), adminEmail(r), userID); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "suspended": false})
}

func (s *Server) handleAdminNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.admin.Notes(r.Context(), adminEmail(r), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if notes == nil {
		notes = []domain.AccountNote{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notes": notes})
}

func (s *Server) handleAdminAddNote(w http.ResponseWriter, r *http.Request) {
	var req adminNoteRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Body) == "" {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "note body is required", nil)
		return
	}
	note, err := s.admin.AddNote(r.Context(), adminEmail(r), chi.URLParam(r, "userID"), req.Body)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}
