package api

import (
	"net/http"
	"strconv"

	"github.com/applypilot/creditgate/internal/domain"
)

// ─── Credits API ────────────────────────────────────────────────────────────
// All routes require a desktop bearer token.
//
// GET  /api/credits/balance : balance, totals, early adopter flag
// POST /api/credits/consume : debit {amount, description}
// GET  /api/credits/history : ?page=1&page_size=20, newest first

type consumeRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.Balance(r.Context(), sessionFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
		return
	}
	newBalance, err := s.ledger.Consume(r.Context(), sessionFrom(r.Context()).UserID, req.Amount, req.Description)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":  newBalance,
		"consumed": req.Amount,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	txs, err := s.ledger.History(r.Context(), sessionFrom(r.Context()).UserID, page, pageSize)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if txs == nil {
		txs = []domain.CreditTransaction{}
	}
	limit, offset := domain.Page(page, pageSize)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"page":         offset/limit + 1,
		"page_size":    limit,
	})
}
