// Package dispute owns the dispute lifecycle: opening a dispute forces the
// parent contract into disputed in the same transaction, discussion is
// append-only comments, and an arbitrator records the binding resolution.
package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auditflow/auth"
	"auditflow/escrow"
	"auditflow/fault"
)

// Store is the persistence required by the arbitrator. Create must insert
// the dispute and flip the parent contract to disputed as one unit of work;
// both succeed or both fail, and a contract that turned terminal since the
// caller's read fails the whole unit with fault.ErrInvalidState.
type Store interface {
	Create(ctx context.Context, d Record) error
	Get(ctx context.Context, id string) (Record, error)
	ListByContract(ctx context.Context, contractID string) ([]Record, error)
	ContractParties(ctx context.Context, contractID string) (clientID, auditorID string, status escrow.Status, err error)
	Assign(ctx context.Context, disputeID, arbitratorID string) (Record, error)
	Resolve(ctx context.Context, disputeID, resolution string) (Record, error)
	Close(ctx context.Context, disputeID string) (Record, error)
	InsertComment(ctx context.Context, c Comment) error
	ListComments(ctx context.Context, disputeID string) ([]Comment, error)
}

// Service enforces dispute authorization and transition rules.
type Service struct {
	store Store
	users auth.Directory
}

func NewService(store Store, users auth.Directory) *Service {
	return &Service{store: store, users: users}
}

// Create opens a dispute. The parent contract must not be in a terminal
// status; its status is set to disputed atomically with the insert, and the
// store re-checks the terminal gate under the same transaction.
func (s *Service) Create(ctx context.Context, contractID, raisedBy string, params CreateParams) (Record, error) {
	clientID, auditorID, status, err := s.store.ContractParties(ctx, contractID)
	if err != nil {
		return Record{}, err
	}
	if raisedBy != clientID && raisedBy != auditorID {
		return Record{}, fmt.Errorf("dispute: only a contract party may raise a dispute: %w", fault.ErrAuthorization)
	}
	if status == escrow.StatusCancelled || status == escrow.StatusCompleted || status == escrow.StatusRefunded {
		return Record{}, fmt.Errorf("dispute: contract is %s, disputes are closed to it: %w", status, fault.ErrInvalidState)
	}

	var v fault.Violations
	if params.Reason == "" {
		v.Add("reason is required")
	}
	if err := v.Err(); err != nil {
		return Record{}, err
	}

	now := time.Now().UTC()
	d := Record{
		ID:          uuid.NewString(),
		ContractID:  contractID,
		MilestoneID: params.MilestoneID,
		RaisedBy:    raisedBy,
		Reason:      params.Reason,
		Evidence:    params.Evidence,
		Status:      StatusOpened,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, d); err != nil {
		return Record{}, err
	}
	return d, nil
}

// AssignArbitrator moves an opened dispute into review under the given
// arbitrator. Re-assigning the same arbitrator is a no-op success.
func (s *Service) AssignArbitrator(ctx context.Context, disputeID, arbitratorID string) (Record, error) {
	arb, err := s.users.IsArbitrator(ctx, arbitratorID)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: resolve arbitrator capability: %w", err)
	}
	if !arb {
		return Record{}, fmt.Errorf("dispute: assignment requires arbitrator capability: %w", fault.ErrAuthorization)
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if d.ArbitratorID != nil && *d.ArbitratorID == arbitratorID && d.Status == StatusInReview {
		return d, nil
	}
	if d.Status.Terminal() {
		return Record{}, fmt.Errorf("dispute: already %s: %w", d.Status, fault.ErrInvalidState)
	}
	if d.Status != StatusOpened {
		return Record{}, fmt.Errorf("dispute: cannot assign while %s: %w", d.Status, fault.ErrInvalidState)
	}

	return s.store.Assign(ctx, disputeID, arbitratorID)
}

// Resolve records the binding resolution. Only the assigned arbitrator may
// resolve, and the parent contract deliberately stays disputed; moving it
// on is a separate administrative action.
func (s *Service) Resolve(ctx context.Context, disputeID, arbitratorID, resolution string) (Record, error) {
	if resolution == "" {
		return Record{}, &fault.ValidationError{Violations: []string{"resolution text is required"}}
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if d.ArbitratorID == nil || *d.ArbitratorID != arbitratorID {
		return Record{}, fmt.Errorf("dispute: only the assigned arbitrator may resolve: %w", fault.ErrAuthorization)
	}
	if d.Status != StatusInReview {
		return Record{}, fmt.Errorf("dispute: cannot resolve while %s: %w", d.Status, fault.ErrInvalidState)
	}

	return s.store.Resolve(ctx, disputeID, resolution)
}

// Close abandons a dispute without resolution. The raiser or the assigned
// arbitrator may close it while it is opened or in review.
func (s *Service) Close(ctx context.Context, disputeID, requesterID string) (Record, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return Record{}, err
	}
	allowed := requesterID == d.RaisedBy ||
		(d.ArbitratorID != nil && *d.ArbitratorID == requesterID)
	if !allowed {
		return Record{}, fmt.Errorf("dispute: only the raiser or the assigned arbitrator may close: %w", fault.ErrAuthorization)
	}
	if d.Status.Terminal() {
		return Record{}, fmt.Errorf("dispute: already %s: %w", d.Status, fault.ErrInvalidState)
	}

	return s.store.Close(ctx, disputeID)
}

// AddComment appends a discussion comment. The raiser, the counterparty on
// the contract, and the assigned arbitrator may comment.
func (s *Service) AddComment(ctx context.Context, disputeID, authorID, body string) (Comment, error) {
	if body == "" {
		return Comment{}, &fault.ValidationError{Violations: []string{"comment text is required"}}
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return Comment{}, err
	}
	clientID, auditorID, _, err := s.store.ContractParties(ctx, d.ContractID)
	if err != nil {
		return Comment{}, err
	}

	allowed := authorID == clientID || authorID == auditorID ||
		(d.ArbitratorID != nil && *d.ArbitratorID == authorID)
	if !allowed {
		return Comment{}, fmt.Errorf("dispute: only participants may comment: %w", fault.ErrAuthorization)
	}

	c := Comment{
		ID:        uuid.NewString(),
		DisputeID: disputeID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertComment(ctx, c); err != nil {
		return Comment{}, err
	}
	return c, nil
}

// List returns a contract's disputes for one of its participants.
func (s *Service) List(ctx context.Context, contractID, requesterID string) ([]Record, error) {
	clientID, auditorID, _, err := s.store.ContractParties(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if requesterID != clientID && requesterID != auditorID {
		arb, err := s.users.IsArbitrator(ctx, requesterID)
		if err != nil {
			return nil, fmt.Errorf("dispute: resolve arbitrator capability: %w", err)
		}
		if !arb {
			return nil, fmt.Errorf("dispute: disputes are visible to participants only: %w", fault.ErrAuthorization)
		}
	}
	return s.store.ListByContract(ctx, contractID)
}

// Comments returns the discussion thread for a dispute participant.
func (s *Service) Comments(ctx context.Context, disputeID, requesterID string) ([]Comment, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	clientID, auditorID, _, err := s.store.ContractParties(ctx, d.ContractID)
	if err != nil {
		return nil, err
	}
	allowed := requesterID == clientID || requesterID == auditorID ||
		(d.ArbitratorID != nil && *d.ArbitratorID == requesterID)
	if !allowed {
		arb, err := s.users.IsArbitrator(ctx, requesterID)
		if err != nil {
			return nil, fmt.Errorf("dispute: resolve arbitrator capability: %w", err)
		}
		if !arb {
			return nil, fmt.Errorf("dispute: comments are visible to participants only: %w", fault.ErrAuthorization)
		}
	}
	return s.store.ListComments(ctx, disputeID)
}
