package milestone

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"auditflow/escrow"
	"auditflow/fault"
)

func TestMarkComplete_AuditorOnly(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = escrow.Contract{ID: "c1", ClientID: "client-1", AuditorID: "auditor-1", Status: escrow.StatusInProgress}
	store.milestones["m1"] = escrow.Milestone{ID: "m1", ContractID: "c1", Amount: dec("400")}

	_, err := svc.MarkComplete(context.Background(), "m1", "client-1")
	if !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("client completing: expected ErrAuthorization, got %v", err)
	}
	if store.milestones["m1"].IsCompleted {
		t.Error("failed completion must not mutate the milestone")
	}
	if store.contracts["c1"].Status != escrow.StatusInProgress {
		t.Error("failed completion must not mutate the contract")
	}
}

func TestMarkComplete_Idempotent(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = escrow.Contract{ID: "c1", ClientID: "client-1", AuditorID: "auditor-1", Status: escrow.StatusInProgress}
	store.milestones["m1"] = escrow.Milestone{ID: "m1", ContractID: "c1", Amount: dec("400")}

	first, err := svc.MarkComplete(context.Background(), "m1", "auditor-1")
	if err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if !first.IsCompleted || first.CompletedAt == nil {
		t.Fatal("completion must set both is_completed and completed_at")
	}
	if store.completeCalls != 1 {
		t.Fatalf("expected one store write, got %d", store.completeCalls)
	}

	second, err := svc.MarkComplete(context.Background(), "m1", "auditor-1")
	if err != nil {
		t.Fatalf("second completion must be a no-op success, got %v", err)
	}
	if store.completeCalls != 1 {
		t.Fatalf("second completion must not write, got %d writes", store.completeCalls)
	}
	if !second.IsCompleted || second.CompletedAt == nil {
		t.Error("idempotent completion must report the completed state")
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Error("completion time must not change on the retried call")
	}
}

func TestMarkComplete_PromotesPendingContract(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = escrow.Contract{ID: "c1", ClientID: "client-1", AuditorID: "auditor-1", Status: escrow.StatusPending, TotalAmount: dec("400")}
	store.milestones["m1"] = escrow.Milestone{ID: "m1", ContractID: "c1", Amount: dec("400")}

	if _, err := svc.MarkComplete(context.Background(), "m1", "auditor-1"); err != nil {
		t.Fatalf("completion on pending contract: %v", err)
	}
	if store.contracts["c1"].Status != escrow.StatusInProgress {
		t.Fatalf("expected contract promoted to in_progress, got %s", store.contracts["c1"].Status)
	}
}

func TestMarkComplete_PromotionRequiresBalancedAmounts(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = escrow.Contract{ID: "c1", ClientID: "client-1", AuditorID: "auditor-1", Status: escrow.StatusPending, TotalAmount: dec("1000")}
	store.milestones["m1"] = escrow.Milestone{ID: "m1", ContractID: "c1", Amount: dec("400")}

	_, err := svc.MarkComplete(context.Background(), "m1", "auditor-1")
	if !fault.IsValidation(err) {
		t.Fatalf("promoting an unbalanced contract: expected ValidationError, got %v", err)
	}
	if store.contracts["c1"].Status != escrow.StatusPending {
		t.Error("failed promotion must leave the contract pending")
	}
	if store.milestones["m1"].IsCompleted {
		t.Error("failed promotion must not complete the milestone")
	}
}

func TestMarkComplete_BlockedStatuses(t *testing.T) {
	for _, status := range []escrow.Status{escrow.StatusDisputed, escrow.StatusCancelled, escrow.StatusCompleted, escrow.StatusRefunded} {
		t.Run(string(status), func(t *testing.T) {
			store, svc := newFixture()
			store.contracts["c1"] = escrow.Contract{ID: "c1", AuditorID: "auditor-1", Status: status}
			store.milestones["m1"] = escrow.Milestone{ID: "m1", ContractID: "c1", Amount: dec("400")}

			_, err := svc.MarkComplete(context.Background(), "m1", "auditor-1")
			if !errors.Is(err, fault.ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState for %s contract, got %v", status, err)
			}
		})
	}
}

func TestAdd_ClientOnlyWhilePending(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = escrow.Contract{ID: "c1", ClientID: "client-1", AuditorID: "auditor-1", Status: escrow.StatusPending, TotalAmount: dec("1000")}
	store.milestones["m1"] = escrow.Milestone{ID: "m1", ContractID: "c1", Amount: dec("600")}

	ctx := context.Background()
	if _, err := svc.Add(ctx, "c1", "auditor-1", escrow.MilestoneParams{Title: "Extra", Amount: dec("400")}); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("auditor adding: expected ErrAuthorization, got %v", err)
	}

	if _, err := svc.Add(ctx, "c1", "client-1", escrow.MilestoneParams{Amount: dec("-1")}); !fault.IsValidation(err) {
		t.Fatalf("expected ValidationError for bad params, got %v", err)
	}

	m, err := svc.Add(ctx, "c1", "client-1", escrow.MilestoneParams{Title: "Fuzzing", Amount: dec("400")})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, ok := store.milestones[m.ID]; !ok {
		t.Fatal("milestone was not persisted")
	}

	store.contracts["c1"] = store.withStatus("c1", escrow.StatusInProgress)
	if _, err := svc.Add(ctx, "c1", "client-1", escrow.MilestoneParams{Title: "Late", Amount: dec("10")}); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("adding after pending: expected ErrInvalidState, got %v", err)
	}
}

func TestEditWhilePending_TransientImbalanceAllowed(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = escrow.Contract{ID: "c1", ClientID: "client-1", AuditorID: "auditor-1", Status: escrow.StatusPending, TotalAmount: dec("1000")}
	store.milestones["m1"] = escrow.Milestone{ID: "m1", ContractID: "c1", Amount: dec("400")}
	store.milestones["m2"] = escrow.Milestone{ID: "m2", ContractID: "c1", Amount: dec("600")}

	ctx := context.Background()

	// Splitting the second milestone: each edit unbalances the set and
	// must still be accepted while the contract is pending.
	extra, err := svc.Add(ctx, "c1", "client-1", escrow.MilestoneParams{Title: "Report draft", Amount: dec("250")})
	if err != nil {
		t.Fatalf("add on balanced contract: %v", err)
	}
	if err := svc.Remove(ctx, "m2", "client-1"); err != nil {
		t.Fatalf("remove while unbalanced: %v", err)
	}
	if _, ok := store.milestones["m2"]; ok {
		t.Fatal("removed milestone must be gone")
	}

	// Out of balance (400 + 250 of 1000), so the contract cannot leave
	// pending yet.
	if _, err := svc.MarkComplete(ctx, extra.ID, "auditor-1"); !fault.IsValidation(err) {
		t.Fatalf("promotion while unbalanced: expected ValidationError, got %v", err)
	}

	if _, err := svc.Add(ctx, "c1", "client-1", escrow.MilestoneParams{Title: "Final report", Amount: dec("350")}); err != nil {
		t.Fatalf("rebalancing add: %v", err)
	}
	if _, err := svc.MarkComplete(ctx, extra.ID, "auditor-1"); err != nil {
		t.Fatalf("completion on rebalanced contract: %v", err)
	}
	if store.contracts["c1"].Status != escrow.StatusInProgress {
		t.Fatalf("expected contract promoted once balanced, got %s", store.contracts["c1"].Status)
	}
}

func TestRemove_KeepsAtLeastOne(t *testing.T) {
	store, svc := newFixture()
	store.contracts["c1"] = escrow.Contract{ID: "c1", ClientID: "client-1", Status: escrow.StatusPending, TotalAmount: dec("1000")}
	store.milestones["m1"] = escrow.Milestone{ID: "m1", ContractID: "c1", Amount: dec("1000")}

	err := svc.Remove(context.Background(), "m1", "client-1")
	if !errors.Is(err, fault.ErrPrecondition) {
		t.Fatalf("removing the last milestone: expected ErrPrecondition, got %v", err)
	}
}

// fixtures

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newFixture() (*fakeStore, *Service) {
	store := &fakeStore{
		contracts:  make(map[string]escrow.Contract),
		milestones: make(map[string]escrow.Milestone),
	}
	return store, NewService(store)
}

type fakeStore struct {
	contracts     map[string]escrow.Contract
	milestones    map[string]escrow.Milestone
	completeCalls int
}

func (f *fakeStore) withStatus(contractID string, s escrow.Status) escrow.Contract {
	c := f.contracts[contractID]
	c.Status = s
	return c
}

func (f *fakeStore) GetMilestone(ctx context.Context, id string) (escrow.Milestone, error) {
	m, ok := f.milestones[id]
	if !ok {
		return escrow.Milestone{}, fmt.Errorf("milestone: %s: %w", id, fault.ErrNotFound)
	}
	return m, nil
}

func (f *fakeStore) GetContract(ctx context.Context, id string) (escrow.Contract, error) {
	c, ok := f.contracts[id]
	if !ok {
		return escrow.Contract{}, fmt.Errorf("milestone: contract %s: %w", id, fault.ErrNotFound)
	}
	return c, nil
}

func (f *fakeStore) MarkComplete(ctx context.Context, milestoneID, contractID string, promote bool) (escrow.Milestone, error) {
	c := f.contracts[contractID]
	if promote && c.Status == escrow.StatusPending {
		sum := decimal.Zero
		for _, m := range f.milestones {
			if m.ContractID == contractID {
				sum = sum.Add(m.Amount)
			}
		}
		if !escrow.SumMatchesTotal(sum, c.TotalAmount) {
			return escrow.Milestone{}, &fault.ValidationError{Violations: []string{"milestone amounts do not match contract total"}}
		}
		c.Status = escrow.StatusInProgress
		f.contracts[contractID] = c
	}

	f.completeCalls++
	m := f.milestones[milestoneID]
	if !m.IsCompleted {
		now := time.Now().UTC()
		m.IsCompleted = true
		m.CompletedAt = &now
		f.milestones[milestoneID] = m
	}
	return m, nil
}

func (f *fakeStore) AddMilestone(ctx context.Context, m escrow.Milestone) error {
	f.milestones[m.ID] = m
	return nil
}

func (f *fakeStore) RemoveMilestone(ctx context.Context, milestoneID, contractID string) error {
	remaining := 0
	for _, m := range f.milestones {
		if m.ContractID == contractID {
			remaining++
		}
	}
	if remaining <= 1 {
		return fmt.Errorf("milestone: a contract must keep at least one milestone: %w", fault.ErrPrecondition)
	}
	delete(f.milestones, milestoneID)
	return nil
}
