package test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"auditflow/auth"
	"auditflow/dispute"
	"auditflow/escrow"
	"auditflow/fault"
	"auditflow/milestone"
	"auditflow/outbox"
	"auditflow/payment"
	"auditflow/test/infra"
)

// TestContractLifecycle_Integration drives a contract from creation through
// milestone completion, multisig approval, dispute and resolution against a
// real Postgres. Set AUDITFLOW_INTEGRATION=1 to run it; a container is
// started unless AUDITFLOW_TEST_PG_DSN points at a live database.
func TestContractLifecycle_Integration(t *testing.T) {
	if os.Getenv("AUDITFLOW_INTEGRATION") == "" {
		t.Skip("AUDITFLOW_INTEGRATION is empty; set it to run the end-to-end database test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pgC, dsn, err := infra.StartPostgres16(ctx)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_ = teardown(context.Background())
	})

	users := auth.NewRepository(pool)
	contracts := escrow.NewService(escrow.NewRepository(pool), users)
	milestones := milestone.NewService(milestone.NewRepository(pool))
	payments := payment.NewService(payment.NewRepository(pool))
	disputes := dispute.NewService(dispute.NewRepository(pool), users)

	seed := func(role auth.Role) string {
		t.Helper()
		u, err := users.CreateUser(ctx, auth.CreateUserParams{
			Email:        fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano()),
			FullName:     "Test " + string(role),
			PasswordHash: "x",
			Role:         role,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		return u.ID
	}
	clientID := seed(auth.RoleClient)
	auditorID := seed(auth.RoleAuditor)
	arbitratorID := seed(auth.RoleArbitrator)

	// create a funded engagement with two milestones
	contract, created, err := contracts.Create(ctx, clientID, escrow.CreateParams{
		AuditorID:        auditorID,
		Title:            "protocol audit",
		TotalAmount:      decimal.RequireFromString("1000"),
		Currency:         "USDC",
		RequiresMultisig: true,
	}, []escrow.MilestoneParams{
		{Title: "static analysis", Amount: decimal.RequireFromString("400")},
		{Title: "final report", Amount: decimal.RequireFromString("600")},
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	if contract.Status != escrow.StatusPending {
		t.Fatalf("new contract status: expected pending, got %s", contract.Status)
	}

	// completing the first milestone promotes the contract to in_progress
	m, err := milestones.MarkComplete(ctx, created[0].ID, auditorID)
	if err != nil {
		t.Fatalf("complete milestone: %v", err)
	}
	if !m.IsCompleted || m.CompletedAt == nil {
		t.Fatalf("milestone completion flags out of sync: %+v", m)
	}
	agg, err := contracts.Get(ctx, contract.ID, clientID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if agg.Contract.Status != escrow.StatusInProgress {
		t.Fatalf("expected in_progress after first completion, got %s", agg.Contract.Status)
	}

	// repeating the completion is a no-op with the same timestamp
	again, err := milestones.MarkComplete(ctx, created[0].ID, auditorID)
	if err != nil {
		t.Fatalf("repeat completion: %v", err)
	}
	if !again.CompletedAt.Equal(*m.CompletedAt) {
		t.Fatalf("repeat completion moved the timestamp: %v vs %v", again.CompletedAt, m.CompletedAt)
	}

	// multisig payment: one approval is not enough, two are, a third fails
	tx, err := payments.Create(ctx, contract.ID, clientID, payment.CreateParams{
		Kind:        payment.KindMilestonePayment,
		MilestoneID: &created[0].ID,
		RecipientID: &auditorID,
		Amount:      decimal.RequireFromString("400"),
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if err := payments.Approve(ctx, tx.ID, clientID, "0xclient"); err != nil {
		t.Fatalf("client approval: %v", err)
	}
	if ok, _ := payments.IsAuthorized(ctx, tx.ID); ok {
		t.Fatal("single approval must not authorize a multisig transaction")
	}
	if err := payments.Approve(ctx, tx.ID, auditorID, "0xauditor"); err != nil {
		t.Fatalf("auditor approval: %v", err)
	}
	if ok, _ := payments.IsAuthorized(ctx, tx.ID); !ok {
		t.Fatal("both approvals must authorize the transaction")
	}
	if err := payments.Approve(ctx, tx.ID, clientID, "0xclient2"); !errors.Is(err, fault.ErrDuplicateApproval) {
		t.Fatalf("duplicate approval: expected ErrDuplicateApproval, got %v", err)
	}

	// disputing flips the contract atomically
	d, err := disputes.Create(ctx, contract.ID, clientID, dispute.CreateParams{
		Reason: "final report is incomplete",
	})
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	agg, err = contracts.Get(ctx, contract.ID, clientID)
	if err != nil {
		t.Fatalf("get disputed contract: %v", err)
	}
	if agg.Contract.Status != escrow.StatusDisputed {
		t.Fatalf("expected disputed, got %s", agg.Contract.Status)
	}

	// while disputed, milestone completion is blocked
	if _, err := milestones.MarkComplete(ctx, created[1].ID, auditorID); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("completion under dispute: expected ErrInvalidState, got %v", err)
	}

	// arbitration through to resolution, then explicit reinstatement
	if _, err := disputes.AssignArbitrator(ctx, d.ID, arbitratorID); err != nil {
		t.Fatalf("assign arbitrator: %v", err)
	}
	resolved, err := disputes.Resolve(ctx, d.ID, arbitratorID, "auditor must redeliver the report")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != dispute.StatusResolved {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}
	if err := contracts.Reinstate(ctx, contract.ID, arbitratorID, escrow.StatusInProgress); err != nil {
		t.Fatalf("reinstate: %v", err)
	}

	// finish the engagement
	if _, err := milestones.MarkComplete(ctx, created[1].ID, auditorID); err != nil {
		t.Fatalf("complete last milestone: %v", err)
	}
	if err := contracts.Complete(ctx, contract.ID, clientID); err != nil {
		t.Fatalf("complete contract: %v", err)
	}
	if err := contracts.Cancel(ctx, contract.ID, clientID); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("cancel after completion: expected ErrInvalidState, got %v", err)
	}

	// every committed transition left an outbox row; one sweep drains them
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay := outbox.NewRelay(pool, &outbox.LogNotifier{Logger: logger}, logger)
	sent, err := relay.Sweep(ctx)
	if err != nil {
		t.Fatalf("outbox sweep: %v", err)
	}
	if sent < 5 {
		t.Fatalf("expected at least 5 delivered notifications, got %d", sent)
	}

	var pending int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&pending); err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected drained outbox, %d rows still pending", pending)
	}
}
