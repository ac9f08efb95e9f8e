package admin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/applypilot/creditgate/internal/app/ledger"
	"github.com/applypilot/creditgate/internal/app/session"
	"github.com/applypilot/creditgate/internal/domain"
	"github.com/applypilot/creditgate/internal/infra/sqlite"
)

type fixture struct {
	admin    *Service
	ledger   *ledger.Service
	sessions *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := ledger.DefaultConfig()
	cfg.EarlyAdopterLimit = 0
	l := ledger.New(db, cfg)
	s := session.New(db, session.DefaultConfig(), session.WithSuspensionChecker(l))
	return &fixture{admin: New(l, s, nil), ledger: l, sessions: s}
}

func TestActorRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["grant"] = f.admin.Grant(ctx, GrantRequest{UserID: "u1", Amount: 5})
	checks["suspend"] = f.admin.SuspendAccount(ctx, " ", "u1", "x")
	checks["reactivate"] = f.admin.ReactivateAccount(ctx, "", "u1")
	_, checks["note"] = f.admin.AddNote(ctx, "", "u1", "hello")
	_, checks["notes"] = f.admin.Notes(ctx, "", "u1")

	for op, err := range checks {
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("%s without actor error = %v, want ErrUnauthorized", op, err)
		}
	}
	if bal, _ := f.ledger.Balance(ctx, "u1"); bal.Balance != 0 {
		t.Errorf("balance = %d, want 0 after rejected grant", bal.Balance)
	}
}

func TestGrant_RecordsActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.admin.Grant(ctx, GrantRequest{Actor: "ops@example.com", UserID: "u1", Amount: 25, Reason: "goodwill"})
	if err != nil {
		t.Fatalf("Grant() error: %v", err)
	}
	if !res.Applied || res.NewBalance != 25 {
		t.Errorf("Grant() = %+v, want applied 25", res)
	}

	txs, _ := f.ledger.History(ctx, "u1", 1, 10)
	if len(txs) != 1 {
		t.Fatalf("history len = %d, want 1", len(txs))
	}
	if txs[0].Type != domain.TxGrant {
		t.Errorf("type = %s, want grant", txs[0].Type)
	}
	if !strings.Contains(txs[0].Description, "ops@example.com") || !strings.Contains(txs[0].Description, "goodwill") {
		t.Errorf("description = %q, want actor and reason", txs[0].Description)
	}
	if !strings.HasPrefix(txs[0].ExternalEventID, "admin:") {
		t.Errorf("ExternalEventID = %q, want admin operation id", txs[0].ExternalEventID)
	}
}

func TestGrant_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := GrantRequest{Actor: "ops@example.com", UserID: "u1", Amount: 10, IdempotencyKey: "ticket-42"}

	first, _ := f.admin.Grant(ctx, req)
	second, err := f.admin.Grant(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Applied || second.Applied || second.NewBalance != 10 {
		t.Errorf("results = %+v, %+v; want second to replay", first, second)
	}

	req.IdempotencyKey = ""
	f.admin.Grant(ctx, req)
	f.admin.Grant(ctx, req)
	if bal, _ := f.ledger.Balance(ctx, "u1"); bal.Balance != 30 {
		t.Errorf("balance = %d, want 30 (keyless grants are distinct)", bal.Balance)
	}
}

func TestGrant_IdempotencyKeyScopedPerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.admin.Grant(ctx, GrantRequest{Actor: "ops@example.com", UserID: "alice", Amount: 10, IdempotencyKey: "ticket-1"})
	if err != nil {
		t.Fatal(err)
	}
	bob, err := f.admin.Grant(ctx, GrantRequest{Actor: "ops@example.com", UserID: "bob", Amount: 25, IdempotencyKey: "ticket-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !alice.Applied || !bob.Applied || bob.NewBalance != 25 {
		t.Errorf("results = %+v, %+v; want both applied", alice, bob)
	}

	again, _ := f.admin.Grant(ctx, GrantRequest{Actor: "ops@example.com", UserID: " bob ", Amount: 25, IdempotencyKey: "ticket-1"})
	if again.Applied {
		t.Errorf("padded user id replay = %+v, want not applied", again)
	}
	if bal, _ := f.ledger.Balance(ctx, "bob"); bal.Balance != 25 {
		t.Errorf("bob balance = %d, want 25", bal.Balance)
	}
}

func TestSuspendAccount_RevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok, err := f.sessions.Issue(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.admin.SuspendAccount(ctx, "ops@example.com", "u1", "chargeback"); err != nil {
		t.Fatalf("SuspendAccount() error: %v", err)
	}
	if _, err := f.sessions.Validate(ctx, tok.Value); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("Validate() after suspend error = %v, want ErrInvalidToken", err)
	}
	if _, err := f.sessions.Issue(ctx, "u1"); !errors.Is(err, domain.ErrAccountSuspended) {
		t.Errorf("Issue() while suspended error = %v, want ErrAccountSuspended", err)
	}
	if _, err := f.ledger.Consume(ctx, "u1", 1, ""); !errors.Is(err, domain.ErrAccountSuspended) {
		t.Errorf("Consume() while suspended error = %v, want ErrAccountSuspended", err)
	}

	notes, _ := f.admin.Notes(ctx, "ops@example.com", "u1")
	if len(notes) != 1 || notes[0].Author != "ops@example.com" || !strings.Contains(notes[0].Body, "chargeback") {
		t.Errorf("notes = %+v, want suspension note by actor", notes)
	}

	if err := f.admin.ReactivateAccount(ctx, "lead@example.com", "u1"); err != nil {
		t.Fatalf("ReactivateAccount() error: %v", err)
	}
	if _, err := f.sessions.Issue(ctx, "u1"); err != nil {
		t.Errorf("Issue() after reactivate error: %v", err)
	}
	notes, _ = f.admin.Notes(ctx, "lead@example.com", "u1")
	if len(notes) != 2 {
		t.Errorf("notes = %d, want 2", len(notes))
	}
}

func TestAddNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	note, err := f.admin.AddNote(ctx, "ops@example.com", "u1", "called about invoice")
	if err != nil {
		t.Fatalf("AddNote() error: %v", err)
	}
	if note.Author != "ops@example.com" || note.UserID != "u1" {
		t.Errorf("note = %+v", note)
	}
}
