// Package milestone owns milestone completion semantics and pending-phase
// milestone edits. Contract and milestone records themselves live in the
// escrow package; this package mutates them under the tracker's rules.
package milestone

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auditflow/escrow"
	"auditflow/fault"
)

// Store is the persistence required by the tracker. Mutations execute as a
// single transaction in the Postgres implementation. AddMilestone and
// RemoveMilestone may leave the amounts transiently unbalanced against the
// contract total; MarkComplete enforces the sum before promoting the
// contract out of pending.
type Store interface {
	GetMilestone(ctx context.Context, id string) (escrow.Milestone, error)
	GetContract(ctx context.Context, id string) (escrow.Contract, error)
	// MarkComplete stamps the milestone complete; promote moves a pending
	// contract to in_progress in the same transaction. Already-completed
	// milestones are reported, not failed, so retried calls stay no-ops.
	MarkComplete(ctx context.Context, milestoneID, contractID string, promote bool) (escrow.Milestone, error)
	AddMilestone(ctx context.Context, m escrow.Milestone) error
	RemoveMilestone(ctx context.Context, milestoneID, contractID string) error
}

// Service enforces who may mutate milestones and when.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// MarkComplete marks a milestone complete on behalf of the contract's
// auditor. Calling it again on a completed milestone is a no-op success so
// retried network calls do not surface duplicate-submission failures.
// Completing a milestone on a still-pending contract promotes the contract
// to in_progress; the promotion fails with a ValidationError while the
// milestone amounts do not add up to the contract total.
func (s *Service) MarkComplete(ctx context.Context, milestoneID, requesterID string) (escrow.Milestone, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return escrow.Milestone{}, err
	}
	c, err := s.store.GetContract(ctx, m.ContractID)
	if err != nil {
		return escrow.Milestone{}, err
	}

	if requesterID != c.AuditorID {
		return escrow.Milestone{}, fmt.Errorf("milestone: only the assigned auditor may complete a milestone: %w", fault.ErrAuthorization)
	}
	if m.IsCompleted {
		return m, nil
	}
	if c.Status != escrow.StatusPending && c.Status != escrow.StatusInProgress {
		return escrow.Milestone{}, fmt.Errorf("milestone: contract is %s, milestones cannot be completed: %w", c.Status, fault.ErrInvalidState)
	}

	return s.store.MarkComplete(ctx, milestoneID, c.ID, c.Status == escrow.StatusPending)
}

// Add appends a milestone to a still-pending contract. The edit may leave
// the amounts out of balance with the contract total; the contract cannot
// leave pending until they match again.
func (s *Service) Add(ctx context.Context, contractID, requesterID string, params escrow.MilestoneParams) (escrow.Milestone, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return escrow.Milestone{}, err
	}
	if requesterID != c.ClientID {
		return escrow.Milestone{}, fmt.Errorf("milestone: only the client may edit milestones: %w", fault.ErrAuthorization)
	}
	if c.Status != escrow.StatusPending {
		return escrow.Milestone{}, fmt.Errorf("milestone: contract is %s, milestones are frozen: %w", c.Status, fault.ErrInvalidState)
	}

	var v fault.Violations
	if params.Title == "" {
		v.Add("title is required")
	}
	if !params.Amount.IsPositive() {
		v.Add("amount must be positive")
	}
	if err := v.Err(); err != nil {
		return escrow.Milestone{}, err
	}

	m := escrow.Milestone{
		ID:          uuid.NewString(),
		ContractID:  contractID,
		Title:       params.Title,
		Description: params.Description,
		Amount:      params.Amount,
		Deadline:    params.Deadline,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.AddMilestone(ctx, m); err != nil {
		return escrow.Milestone{}, err
	}
	return m, nil
}

// Remove deletes a milestone from a still-pending contract. At least one
// milestone must remain.
func (s *Service) Remove(ctx context.Context, milestoneID, requesterID string) error {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	c, err := s.store.GetContract(ctx, m.ContractID)
	if err != nil {
		return err
	}
	if requesterID != c.ClientID {
		return fmt.Errorf("milestone: only the client may edit milestones: %w", fault.ErrAuthorization)
	}
	if c.Status != escrow.StatusPending {
		return fmt.Errorf("milestone: contract is %s, milestones are frozen: %w", c.Status, fault.ErrInvalidState)
	}

	return s.store.RemoveMilestone(ctx, milestoneID, c.ID)
}
