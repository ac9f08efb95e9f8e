// Package admin implements support overrides: manual grants, suspension,
// reactivation and account notes. Every call names the acting admin and
// goes through the ledger and session manager, never the store directly.
package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/applypilot/creditgate/internal/app/ledger"
	"github.com/applypilot/creditgate/internal/domain"
	"github.com/applypilot/creditgate/internal/infra/observability"
)

// Ledger is the subset of the credit ledger used by overrides.
type Ledger interface {
	Grant(ctx context.Context, req ledger.GrantRequest) (ledger.GrantResult, error)
	Suspend(ctx context.Context, userID, reason string) error
	Reactivate(ctx context.Context, userID string) error
	AddNote(ctx context.Context, userID, author, body string) (domain.AccountNote, error)
	Notes(ctx context.Context, userID string) ([]domain.AccountNote, error)
}

// Sessions is the subset of the session manager used by overrides.
type Sessions interface {
	RevokeUser(ctx context.Context, userID string) (int64, error)
}

// GrantRequest is a manual credit. IdempotencyKey makes a retried request
// safe; without one every call is a distinct operation.
type GrantRequest struct {
	Actor          string
	UserID         string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Service performs admin overrides.
type Service struct {
	ledger   Ledger
	sessions Sessions
	logger   *slog.Logger
}

// New creates an admin service. A nil logger discards output.
func New(l Ledger, s Sessions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{ledger: l, sessions: s, logger: logger.With("component", "admin")}
}

func actorOf(actor string) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", domain.ErrUnauthorized
	}
	return actor, nil
}

func record(action string, err error) {
	observability.AdminOverrides.WithLabelValues(action, observability.Outcome(err)).Inc()
}

// Grant credits an account on behalf of an admin.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (res ledger.GrantResult, err error) {
	defer func() { record("grant", err) }()

	actor, err := actorOf(req.Actor)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	userID, err := domain.NormalizeUserID(req.UserID)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	opID := strings.TrimSpace(req.IdempotencyKey)
	if opID == "" {
		opID = uuid.NewString()
	}

	desc := "Admin grant by " + actor
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		desc += ": " + reason
	}
	res, err = s.ledger.Grant(ctx, ledger.GrantRequest{
		UserID:          userID,
		Amount:          req.Amount,
		Type:            domain.TxGrant,
		Description:     desc,
		ExternalEventID: "admin:" + userID + ":" + opID,
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("admin grant", "actor", actor, "user_id", userID, "amount", req.Amount,
		"operation_id", opID, "applied", res.Applied)
	return res, nil
}

// SuspendAccount blocks the account and revokes all its desktop sessions.
// The suspension is also written as a note so the actor is on record.
func (s *Service) SuspendAccount(ctx context.Context, actor, userID, reason string) (err error) {
	defer func() { record("suspend", err) }()

	actor, err = actorOf(actor)
	if err != nil {
		return err
	}
	if err := s.ledger.Suspend(ctx, userID, reason); err != nil {
		return err
	}
	revoked, err := s.sessions.RevokeUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("suspend %s: %w", userID, err)
	}
	body := "Account suspended"
	if r := strings.TrimSpace(reason); r != "" {
		body += ": " + r
	}
	if _, err := s.ledger.AddNote(ctx, userID, actor, body); err != nil {
		return err
	}
	s.logger.Info("account suspended", "actor", actor, "user_id", userID, "sessions_revoked", revoked)
	return nil
}

// ReactivateAccount lifts a suspension.
func (s *Service) ReactivateAccount(ctx context.Context, actor, userID string) (err error) {
	defer func() { record("reactivate", err) }()

	actor, err = actorOf(actor)
	if err != nil {
		return err
	}
	if err := s.ledger.Reactivate(ctx, userID); err != nil {
		return err
	}
	if _, err := s.ledger.AddNote(ctx, userID, actor, "Account reactivated"); err != nil {
		return err
	}
	s.logger.Info("account reactivated", "actor", actor, "user_id", userID)
	return nil
}

// AddNote attaches a support note authored by actor.
func (s *Service) AddNote(ctx context.Context, actor, userID, body string) (note domain.AccountNote, err error) {
	defer func() { record("note", err) }()

	actor, err = actorOf(actor)
	if err != nil {
		return domain.AccountNote{}, err
	}
	return s.ledger.AddNote(ctx, userID, actor, body)
}

// Notes lists an account's notes.
func (s *Service) Notes(ctx context.Context, actor, userID string) ([]domain.AccountNote, error) {
	if _, err := actorOf(actor); err != nil {
		return nil, err
	}
	return s.ledger.Notes(ctx, userID)
}
