package dispute

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"auditflow/auth"
	"auditflow/escrow"
	"auditflow/fault"
)

func TestCreateFlipsContractToDisputed(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusInProgress}

	ctx := context.Background()
	d, err := svc.Create(ctx, "c1", "client-1", CreateParams{Reason: "deliverable does not match scope"})
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	if d.Status != StatusOpened {
		t.Fatalf("new dispute status: expected opened, got %s", d.Status)
	}
	if got := store.contracts["c1"].status; got != escrow.StatusDisputed {
		t.Fatalf("contract status after dispute: expected disputed, got %s", got)
	}
}

func TestCreateAuthorizationAndState(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusInProgress}
	store.contracts["done"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusCompleted}
	store.contracts["gone"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusCancelled}
	store.contracts["paid"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusRefunded}

	ctx := context.Background()

	if _, err := svc.Create(ctx, "c1", "stranger", CreateParams{Reason: "r"}); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("stranger: expected ErrAuthorization, got %v", err)
	}
	if _, err := svc.Create(ctx, "done", "client-1", CreateParams{Reason: "r"}); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("completed contract: expected ErrInvalidState, got %v", err)
	}
	if _, err := svc.Create(ctx, "gone", "auditor-1", CreateParams{Reason: "r"}); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("cancelled contract: expected ErrInvalidState, got %v", err)
	}
	if _, err := svc.Create(ctx, "paid", "client-1", CreateParams{Reason: "r"}); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("refunded contract: expected ErrInvalidState, got %v", err)
	}
	if _, err := svc.Create(ctx, "c1", "client-1", CreateParams{}); !fault.IsValidation(err) {
		t.Fatalf("empty reason: expected ValidationError, got %v", err)
	}
}

func TestCreateLosesRaceToTerminalStatus(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusInProgress}

	// The contract completes after the pre-check reads it but before the
	// dispute commits; the gated write must refuse the flip.
	store.beforeCreate = func() {
		c := store.contracts["c1"]
		c.status = escrow.StatusCompleted
		store.contracts["c1"] = c
	}

	_, err := svc.Create(context.Background(), "c1", "client-1", CreateParams{Reason: "scope gap"})
	if !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if got := store.contracts["c1"].status; got != escrow.StatusCompleted {
		t.Fatalf("completed contract must stay completed, got %s", got)
	}
	if len(store.disputes) != 0 {
		t.Fatal("refused flip must roll the dispute insert back")
	}
}

func TestAssignArbitrator(t *testing.T) {
	store, svc := newFixture()
	store.users.arbitrators["arb-1"] = true
	store.contracts["c1"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusDisputed}
	store.seedDispute(Record{ID: "d1", ContractID: "c1", RaisedBy: "client-1", Reason: "r", Status: StatusOpened})

	ctx := context.Background()

	if _, err := svc.AssignArbitrator(ctx, "d1", "client-1"); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("non-arbitrator: expected ErrAuthorization, got %v", err)
	}

	d, err := svc.AssignArbitrator(ctx, "d1", "arb-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if d.Status != StatusInReview {
		t.Fatalf("expected in_review, got %s", d.Status)
	}
	if d.ArbitratorID == nil || *d.ArbitratorID != "arb-1" {
		t.Fatalf("expected arbitrator arb-1, got %v", d.ArbitratorID)
	}

	// re-assigning the same arbitrator reads back the record unchanged
	again, err := svc.AssignArbitrator(ctx, "d1", "arb-1")
	if err != nil {
		t.Fatalf("re-assign same arbitrator: %v", err)
	}
	if again.Status != StatusInReview {
		t.Fatalf("re-assign must keep in_review, got %s", again.Status)
	}

	store.users.arbitrators["arb-2"] = true
	if _, err := svc.AssignArbitrator(ctx, "d1", "arb-2"); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("second arbitrator on in_review dispute: expected ErrInvalidState, got %v", err)
	}
}

func TestResolveLeavesContractDisputed(t *testing.T) {
	store, svc := newFixture()
	store.users.arbitrators["arb-1"] = true
	store.contracts["c1"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusDisputed}
	arb := "arb-1"
	store.seedDispute(Record{ID: "d1", ContractID: "c1", RaisedBy: "client-1", Reason: "r", Status: StatusInReview, ArbitratorID: &arb})

	ctx := context.Background()

	if _, err := svc.Resolve(ctx, "d1", "client-1", "partial refund issued"); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("non-assigned resolver: expected ErrAuthorization, got %v", err)
	}
	if _, err := svc.Resolve(ctx, "d1", "arb-1", ""); !fault.IsValidation(err) {
		t.Fatalf("empty resolution: expected ValidationError, got %v", err)
	}

	d, err := svc.Resolve(ctx, "d1", "arb-1", "partial refund issued")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", d.Status)
	}
	if d.Resolution == nil || *d.Resolution != "partial refund issued" {
		t.Fatalf("expected resolution text recorded, got %v", d.Resolution)
	}
	if got := store.contracts["c1"].status; got != escrow.StatusDisputed {
		t.Fatalf("resolving must not move the contract, got %s", got)
	}

	if _, err := svc.Resolve(ctx, "d1", "arb-1", "second thoughts"); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("re-resolve: expected ErrInvalidState, got %v", err)
	}
}

func TestCloseByRaiserOrArbitrator(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusDisputed}
	store.seedDispute(Record{ID: "d1", ContractID: "c1", RaisedBy: "auditor-1", Reason: "r", Status: StatusOpened})

	ctx := context.Background()

	if _, err := svc.Close(ctx, "d1", "client-1"); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("counterparty close: expected ErrAuthorization, got %v", err)
	}

	d, err := svc.Close(ctx, "d1", "auditor-1")
	if err != nil {
		t.Fatalf("close by raiser: %v", err)
	}
	if d.Status != StatusClosed {
		t.Fatalf("expected closed, got %s", d.Status)
	}

	if _, err := svc.Close(ctx, "d1", "auditor-1"); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("close twice: expected ErrInvalidState, got %v", err)
	}
}

func TestCommentsParticipantsOnly(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = fakeContract{clientID: "client-1", auditorID: "auditor-1", status: escrow.StatusDisputed}
	arb := "arb-1"
	store.seedDispute(Record{ID: "d1", ContractID: "c1", RaisedBy: "client-1", Reason: "r", Status: StatusInReview, ArbitratorID: &arb})

	ctx := context.Background()

	for _, author := range []string{"client-1", "auditor-1", "arb-1"} {
		if _, err := svc.AddComment(ctx, "d1", author, "noted"); err != nil {
			t.Fatalf("comment by %s: %v", author, err)
		}
	}
	if _, err := svc.AddComment(ctx, "d1", "stranger", "hi"); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("stranger comment: expected ErrAuthorization, got %v", err)
	}
	if _, err := svc.AddComment(ctx, "d1", "client-1", ""); !fault.IsValidation(err) {
		t.Fatalf("empty comment: expected ValidationError, got %v", err)
	}

	thread, err := svc.Comments(ctx, "d1", "auditor-1")
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(thread) != 3 {
		t.Fatalf("expected 3 comments, got %d", len(thread))
	}
	if _, err := svc.Comments(ctx, "d1", "stranger"); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("stranger thread read: expected ErrAuthorization, got %v", err)
	}
}

// fixtures

func newFixture() (*fakeStore, *Service) {
	store := &fakeStore{
		contracts: make(map[string]fakeContract),
		disputes:  make(map[string]Record),
		comments:  make(map[string][]Comment),
		users:     &fakeDirectory{arbitrators: make(map[string]bool)},
	}
	return store, NewService(store, store.users)
}

type fakeContract struct {
	clientID  string
	auditorID string
	status    escrow.Status
}

type fakeDirectory struct {
	arbitrators map[string]bool
}

func (f *fakeDirectory) UserByID(ctx context.Context, id string) (auth.User, error) {
	return auth.User{ID: id}, nil
}

func (f *fakeDirectory) IsArbitrator(ctx context.Context, id string) (bool, error) {
	return f.arbitrators[id], nil
}

type fakeStore struct {
	contracts map[string]fakeContract
	disputes  map[string]Record
	comments  map[string][]Comment
	users     *fakeDirectory

	// runs before Create persists anything, standing in for writes
	// committed by other transactions
	beforeCreate func()
}

func (f *fakeStore) seedDispute(d Record) {
	f.disputes[d.ID] = d
}

func (f *fakeStore) Create(ctx context.Context, d Record) error {
	if f.beforeCreate != nil {
		f.beforeCreate()
	}
	c, ok := f.contracts[d.ContractID]
	if !ok {
		return fmt.Errorf("dispute: contract %s: %w", d.ContractID, fault.ErrNotFound)
	}
	switch c.status {
	case escrow.StatusCancelled, escrow.StatusCompleted, escrow.StatusRefunded:
		return fmt.Errorf("dispute: contract %s is closed to disputes: %w", d.ContractID, fault.ErrInvalidState)
	}
	c.status = escrow.StatusDisputed
	f.contracts[d.ContractID] = c
	f.disputes[d.ID] = d
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (Record, error) {
	d, ok := f.disputes[id]
	if !ok {
		return Record{}, fmt.Errorf("dispute: %s: %w", id, fault.ErrNotFound)
	}
	return d, nil
}

func (f *fakeStore) ListByContract(ctx context.Context, contractID string) ([]Record, error) {
	out := []Record{}
	for _, d := range f.disputes {
		if d.ContractID == contractID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) ContractParties(ctx context.Context, contractID string) (string, string, escrow.Status, error) {
	c, ok := f.contracts[contractID]
	if !ok {
		return "", "", "", fmt.Errorf("dispute: contract %s: %w", contractID, fault.ErrNotFound)
	}
	return c.clientID, c.auditorID, c.status, nil
}

func (f *fakeStore) Assign(ctx context.Context, disputeID, arbitratorID string) (Record, error) {
	d := f.disputes[disputeID]
	d.ArbitratorID = &arbitratorID
	d.Status = StatusInReview
	f.disputes[disputeID] = d
	return d, nil
}

func (f *fakeStore) Resolve(ctx context.Context, disputeID, resolution string) (Record, error) {
	d := f.disputes[disputeID]
	d.Resolution = &resolution
	d.Status = StatusResolved
	f.disputes[disputeID] = d
	return d, nil
}

func (f *fakeStore) Close(ctx context.Context, disputeID string) (Record, error) {
	d := f.disputes[disputeID]
	d.Status = StatusClosed
	f.disputes[disputeID] = d
	return d, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, c Comment) error {
	f.comments[c.DisputeID] = append(f.comments[c.DisputeID], c)
	return nil
}

func (f *fakeStore) ListComments(ctx context.Context, disputeID string) ([]Comment, error) {
	return f.comments[disputeID], nil
}
