package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"auditflow/auth"
	"auditflow/fault"
	"auditflow/outbox"
)

// Store is the persistence required by the contract manager. The Postgres
// implementation executes each mutating call as one transaction, including
// the outbox row for the resulting notification; partial application of a
// multi-record write is prevented at this boundary.
type Store interface {
	CreateContract(ctx context.Context, c Contract, milestones []Milestone) error
	GetContract(ctx context.Context, id string) (Contract, error)
	ListByParty(ctx context.Context, partyID string, limit, offset int) ([]Contract, int, error)
	ListMilestones(ctx context.Context, contractID string) ([]Milestone, error)
	CountIncompleteMilestones(ctx context.Context, contractID string) (int, error)
	// Transition applies a status change gated on the current status being
	// one of from, and enqueues the notification topic in the same
	// transaction. It returns fault.ErrInvalidState when the gate fails.
	Transition(ctx context.Context, contractID string, from []Status, to Status, topic string, payload map[string]any) error
}

// Service owns the escrow contract entity and its status transitions.
type Service struct {
	store Store
	users auth.Directory
}

func NewService(store Store, users auth.Directory) *Service {
	return &Service{store: store, users: users}
}

// Create validates and persists a contract together with its initial
// milestone set as one atomic unit. All violated constraints are reported in
// a single ValidationError, not just the first.
func (s *Service) Create(ctx context.Context, clientID string, params CreateParams, milestones []MilestoneParams) (Contract, []Milestone, error) {
	var v fault.Violations

	if params.Title == "" {
		v.Add("title is required")
	}
	if params.Currency == "" {
		v.Add("currency is required")
	}
	if params.TotalAmount.IsNegative() {
		v.Add("total_amount must not be negative")
	}
	if params.AuditorID == clientID {
		v.Add("auditor must be distinct from the client")
	} else if params.AuditorID == "" {
		v.Add("auditor_id is required")
	} else if _, err := s.users.UserByID(ctx, params.AuditorID); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			v.Add("auditor %s is not a known identity", params.AuditorID)
		} else {
			return Contract{}, nil, fmt.Errorf("escrow: resolve auditor: %w", err)
		}
	}

	if len(milestones) == 0 {
		v.Add("at least one milestone is required")
	}
	sum := decimal.Zero
	for i, m := range milestones {
		if m.Title == "" {
			v.Add("milestone %d: title is required", i+1)
		}
		if !m.Amount.IsPositive() {
			v.Add("milestone %d: amount must be positive", i+1)
		}
		sum = sum.Add(m.Amount)
	}
	if len(milestones) > 0 && !SumMatchesTotal(sum, params.TotalAmount) {
		v.Add("milestone amounts sum to %s, contract total is %s (difference %s)",
			sum, params.TotalAmount, sum.Sub(params.TotalAmount).Abs())
	}

	if err := v.Err(); err != nil {
		return Contract{}, nil, err
	}

	now := time.Now().UTC()
	contract := Contract{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		AuditorID:        params.AuditorID,
		Title:            params.Title,
		Description:      params.Description,
		TotalAmount:      params.TotalAmount,
		Currency:         params.Currency,
		ContractAddress:  params.ContractAddress,
		Status:           StatusPending,
		RequiresMultisig: params.RequiresMultisig,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	records := make([]Milestone, 0, len(milestones))
	for _, m := range milestones {
		records = append(records, Milestone{
			ID:          uuid.NewString(),
			ContractID:  contract.ID,
			Title:       m.Title,
			Description: m.Description,
			Amount:      m.Amount,
			Deadline:    m.Deadline,
			CreatedAt:   now,
		})
	}

	if err := s.store.CreateContract(ctx, contract, records); err != nil {
		return Contract{}, nil, err
	}

	return contract, records, nil
}

// Cancel transitions the contract to cancelled. Only the client may cancel,
// and only while the contract is pending or in progress.
func (s *Service) Cancel(ctx context.Context, contractID, requesterID string) error {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if c.ClientID != requesterID {
		return fmt.Errorf("escrow: only the client may cancel the contract: %w", fault.ErrAuthorization)
	}
	if c.Status != StatusPending && c.Status != StatusInProgress {
		return fmt.Errorf("escrow: cannot cancel a %s contract: %w", c.Status, fault.ErrInvalidState)
	}

	return s.store.Transition(ctx, contractID,
		[]Status{StatusPending, StatusInProgress}, StatusCancelled,
		outbox.TopicContractCancelled, map[string]any{
			"contract_id":  contractID,
			"cancelled_by": requesterID,
		})
}

// Complete transitions an in-progress contract to completed once every
// milestone has been completed.
func (s *Service) Complete(ctx context.Context, contractID, requesterID string) error {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if requesterID != c.ClientID && requesterID != c.AuditorID {
		return fmt.Errorf("escrow: only a contract party may complete it: %w", fault.ErrAuthorization)
	}
	if c.Status != StatusInProgress {
		return fmt.Errorf("escrow: cannot complete a %s contract: %w", c.Status, fault.ErrInvalidState)
	}

	open, err := s.store.CountIncompleteMilestones(ctx, contractID)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("escrow: %d milestone(s) still incomplete: %w", open, fault.ErrPrecondition)
	}

	return s.store.Transition(ctx, contractID,
		[]Status{StatusInProgress}, StatusCompleted,
		outbox.TopicContractCompleted, map[string]any{
			"contract_id":  contractID,
			"completed_by": requesterID,
		})
}

// Refund transitions a pending or in-progress contract to refunded. The
// client or an arbitrator may trigger it; the fund movement itself belongs
// to the settlement layer.
func (s *Service) Refund(ctx context.Context, contractID, requesterID string) error {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if c.ClientID != requesterID {
		arb, err := s.users.IsArbitrator(ctx, requesterID)
		if err != nil {
			return fmt.Errorf("escrow: resolve arbitrator capability: %w", err)
		}
		if !arb {
			return fmt.Errorf("escrow: only the client or an arbitrator may refund: %w", fault.ErrAuthorization)
		}
	}
	if c.Status != StatusPending && c.Status != StatusInProgress {
		return fmt.Errorf("escrow: cannot refund a %s contract: %w", c.Status, fault.ErrInvalidState)
	}

	return s.store.Transition(ctx, contractID,
		[]Status{StatusPending, StatusInProgress}, StatusRefunded,
		outbox.TopicContractRefunded, map[string]any{
			"contract_id": contractID,
			"refunded_by": requesterID,
		})
}

// Reinstate is the explicit follow-up to a resolved dispute: an arbitrator
// moves the contract out of disputed, either back to work or into refunded.
// Dispute resolution itself never changes the contract status.
func (s *Service) Reinstate(ctx context.Context, contractID, arbitratorID string, next Status) error {
	arb, err := s.users.IsArbitrator(ctx, arbitratorID)
	if err != nil {
		return fmt.Errorf("escrow: resolve arbitrator capability: %w", err)
	}
	if !arb {
		return fmt.Errorf("escrow: reinstating requires arbitrator capability: %w", fault.ErrAuthorization)
	}
	if next != StatusInProgress && next != StatusRefunded {
		return fmt.Errorf("escrow: disputed contracts may only move to %s or %s: %w",
			StatusInProgress, StatusRefunded, fault.ErrInvalidState)
	}

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if c.Status != StatusDisputed {
		return fmt.Errorf("escrow: cannot reinstate a %s contract: %w", c.Status, fault.ErrInvalidState)
	}

	return s.store.Transition(ctx, contractID,
		[]Status{StatusDisputed}, next,
		outbox.TopicContractReinstated, map[string]any{
			"contract_id":   contractID,
			"arbitrator_id": arbitratorID,
			"next_status":   string(next),
		})
}

// Get returns the contract aggregate. Only the client, the auditor, or an
// arbitrator may read it.
func (s *Service) Get(ctx context.Context, contractID, requesterID string) (Aggregate, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return Aggregate{}, err
	}

	if requesterID != c.ClientID && requesterID != c.AuditorID {
		arb, err := s.users.IsArbitrator(ctx, requesterID)
		if err != nil {
			return Aggregate{}, fmt.Errorf("escrow: resolve arbitrator capability: %w", err)
		}
		if !arb {
			return Aggregate{}, fmt.Errorf("escrow: contract is visible to its parties and arbitrators only: %w", fault.ErrAuthorization)
		}
	}

	client, err := s.users.UserByID(ctx, c.ClientID)
	if err != nil {
		return Aggregate{}, fmt.Errorf("escrow: resolve client: %w", err)
	}
	auditor, err := s.users.UserByID(ctx, c.AuditorID)
	if err != nil {
		return Aggregate{}, fmt.Errorf("escrow: resolve auditor: %w", err)
	}
	milestones, err := s.store.ListMilestones(ctx, contractID)
	if err != nil {
		return Aggregate{}, err
	}

	return Aggregate{
		Contract:   c,
		Client:     client,
		Auditor:    auditor,
		Milestones: milestones,
	}, nil
}

// List returns contracts where the requester is a party, newest first.
func (s *Service) List(ctx context.Context, partyID string, page, pageSize int) ([]Contract, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.store.ListByParty(ctx, partyID, pageSize, (page-1)*pageSize)
}
