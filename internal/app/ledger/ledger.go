// Package ledger implements the credit ledger: balances, debits, idempotent
// grants and the append-only transaction history.
//
// All balance arithmetic happens inside the store as conditional updates;
// this layer validates input, bounds every store call with a timeout, and
// reports metrics and logs.
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/applypilot/creditgate/internal/domain"
	"github.com/applypilot/creditgate/internal/infra/observability"
)

// Config controls account creation and store timeouts.
type Config struct {
	EarlyAdopterLimit int           // first N accounts are early adopters (default: 10)
	EarlyAdopterGrant int64         // one-time grant for early adopters (default: 100)
	StoreTimeout      time.Duration // bound on every store call (default: 5s)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		EarlyAdopterLimit: 10,
		EarlyAdopterGrant: 100,
		StoreTimeout:      5 * time.Second,
	}
}

// Balance is the display view of an account.
type Balance struct {
	Balance        int64 `json:"balance"`
	TotalPurchased int64 `json:"total_purchased"`
	TotalConsumed  int64 `json:"total_consumed"`
	IsEarlyAdopter bool  `json:"is_early_adopter"`
}

// GrantRequest describes a credit. ExternalEventID, when set, makes the
// grant idempotent.
type GrantRequest struct {
	UserID          string
	Amount          int64
	Type            domain.TransactionType
	Description     string
	ExternalEventID string
}

// GrantResult is returned to webhook handlers and admins.
type GrantResult struct {
	NewBalance int64 `json:"new_balance"`
	Applied    bool  `json:"applied"`
}

// Service is the credit ledger. It is safe for concurrent use.
type Service struct {
	store  domain.CreditStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a ledger service over store.
func New(store domain.CreditStore, cfg Config, opts ...Option) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ledger")
	return s
}

func (s *Service) policy() domain.AccountPolicy {
	return domain.AccountPolicy{
		EarlyAdopterLimit: s.cfg.EarlyAdopterLimit,
		EarlyAdopterGrant: s.cfg.EarlyAdopterGrant,
	}
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// ─── Balance ────────────────────────────────────────────────────────────────

// Account returns the full account, creating it lazily.
func (s *Service) Account(ctx context.Context, userID string) (domain.CreditAccount, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return domain.CreditAccount{}, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	acct, err := s.store.GetOrCreateAccount(ctx, userID, s.policy(), s.now())
	if err != nil {
		return acct, fmt.Errorf("get balance for %s: %w", userID, err)
	}
	return acct, nil
}

// Balance returns the display balance, creating the account lazily.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	acct, err := s.Account(ctx, userID)
	observability.LedgerOperations.WithLabelValues("balance", observability.Outcome(err)).Inc()
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Balance:        acct.Balance,
		TotalPurchased: acct.TotalPurchased,
		TotalConsumed:  acct.TotalConsumed,
		IsEarlyAdopter: acct.IsEarlyAdopter,
	}, nil
}

// ─── Consume ────────────────────────────────────────────────────────────────

// Consume debits amount credits and returns the new balance. Insufficient
// balance yields *domain.InsufficientCreditsError.
func (s *Service) Consume(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	newBalance, err := s.consume(ctx, userID, amount, description)
	observability.LedgerOperations.WithLabelValues("consume", observability.Outcome(err)).Inc()
	if err == nil {
		observability.CreditsConsumed.Add(float64(amount))
	}
	return newBalance, err
}

func (s *Service) consume(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	newBalance, err := s.store.Consume(ctx, domain.ConsumeParams{
		UserID:      userID,
		Amount:      amount,
		Description: strings.TrimSpace(description),
		Policy:      s.policy(),
		Now:         s.now(),
	})
	if err != nil {
		if domain.IsRetryable(err) {
			s.logger.Error("consume failed", "user_id", userID, "amount", amount, "error", err)
		}
		return newBalance, fmt.Errorf("consume %d for %s: %w", amount, userID, err)
	}
	s.logger.Debug("credits consumed", "user_id", userID, "amount", amount, "balance", newBalance)
	return newBalance, nil
}

// ─── Grant ──────────────────────────────────────────────────────────────────

// Grant credits an account. A replayed ExternalEventID returns
// Applied=false and changes nothing.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	res, err := s.grant(ctx, req, false)
	outcome := observability.Outcome(err)
	if err == nil && !res.Applied {
		outcome = observability.OutcomeReplay
	}
	observability.LedgerOperations.WithLabelValues("grant", outcome).Inc()
	if err == nil && res.Applied {
		observability.CreditsGranted.WithLabelValues(string(req.Type)).Add(float64(req.Amount))
	}
	return res, err
}

// RecordActivity appends a zero-amount marker (no balance effect), e.g. a
// failed payment kept for audit. Idempotent on externalEventID.
func (s *Service) RecordActivity(ctx context.Context, userID string, typ domain.TransactionType, description, externalEventID string) (GrantResult, error) {
	res, err := s.grant(ctx, GrantRequest{
		UserID:          userID,
		Type:            typ,
		Description:     description,
		ExternalEventID: externalEventID,
	}, true)
	observability.LedgerOperations.WithLabelValues("activity", observability.Outcome(err)).Inc()
	return res, err
}

func (s *Service) grant(ctx context.Context, req GrantRequest, activity bool) (GrantResult, error) {
	userID, err := domain.NormalizeUserID(req.UserID)
	if err != nil {
		return GrantResult{}, err
	}
	if !req.Type.Valid() || (!activity && req.Type == domain.TxConsumption) {
		return GrantResult{}, fmt.Errorf("%w: %q", domain.ErrInvalidType, req.Type)
	}
	amount := req.Amount
	if activity {
		amount = 0
	} else if amount <= 0 {
		return GrantResult{}, domain.ErrInvalidAmount
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	out, err := s.store.Grant(ctx, domain.GrantParams{
		UserID:          userID,
		Amount:          amount,
		Type:            req.Type,
		Description:     strings.TrimSpace(req.Description),
		ExternalEventID: strings.TrimSpace(req.ExternalEventID),
		Policy:          s.policy(),
		Now:             s.now(),
	})
	if err != nil {
		s.logger.Error("grant failed", "user_id", userID, "amount", amount, "event_id", req.ExternalEventID, "error", err)
		return GrantResult{}, fmt.Errorf("grant %d to %s: %w", amount, userID, err)
	}
	if !out.Applied {
		s.logger.Info("grant replay ignored", "user_id", userID, "event_id", req.ExternalEventID)
	} else {
		s.logger.Info("credits granted", "user_id", userID, "amount", amount, "type", req.Type, "balance", out.NewBalance)
	}
	return GrantResult{NewBalance: out.NewBalance, Applied: out.Applied}, nil
}

// ─── History ────────────────────────────────────────────────────────────────

// History returns a page of transactions, newest first. Page is 1-based.
func (s *Service) History(ctx context.Context, userID string, page, pageSize int) ([]domain.CreditTransaction, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	limit, offset := domain.Page(page, pageSize)
	txs, err := s.store.ListTransactions(ctx, userID, limit, offset)
	observability.LedgerOperations.WithLabelValues("history", observability.Outcome(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", userID, err)
	}
	return txs, nil
}

// ─── Suspension ─────────────────────────────────────────────────────────────

// Suspend blocks consumption and desktop access for the account.
func (s *Service) Suspend(ctx context.Context, userID, reason string) error {
	return s.setSuspended(ctx, userID, true, reason)
}

// Reactivate lifts a suspension.
func (s *Service) Reactivate(ctx context.Context, userID string) error {
	return s.setSuspended(ctx, userID, false, "")
}

func (s *Service) setSuspended(ctx context.Context, userID string, suspended bool, reason string) error {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if err := s.store.SetSuspended(ctx, userID, suspended, strings.TrimSpace(reason), s.policy(), s.now()); err != nil {
		return fmt.Errorf("set suspended=%v for %s: %w", suspended, userID, err)
	}
	s.logger.Info("account suspension changed", "user_id", userID, "suspended", suspended, "reason", reason)
	return nil
}

// IsSuspended implements domain.SuspensionChecker.
func (s *Service) IsSuspended(ctx context.Context, userID string) (bool, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.store.AccountSuspended(ctx, userID)
}

// ─── Notes ──────────────────────────────────────────────────────────────────

// AddNote attaches an authored note to an account.
func (s *Service) AddNote(ctx context.Context, userID, author, body string) (domain.AccountNote, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return domain.AccountNote{}, err
	}
	author = strings.TrimSpace(author)
	if author == "" {
		return domain.AccountNote{}, domain.ErrUnauthorized
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.AccountNote{}, fmt.Errorf("note body is required")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	note := domain.AccountNote{
		ID:        uuid.NewString(),
		UserID:    userID,
		Author:    author,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertNote(ctx, note); err != nil {
		return domain.AccountNote{}, fmt.Errorf("add note for %s: %w", userID, err)
	}
	return note, nil
}

// Notes returns an account's notes, newest first.
func (s *Service) Notes(ctx context.Context, userID string) ([]domain.AccountNote, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.store.ListNotes(ctx, userID)
}
