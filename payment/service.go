// Package payment owns fund-movement records and the multi-signature
// authorization policy. It never moves funds itself: the settlement layer
// polls IsAuthorized as its gate and reports outcomes back through
// UpdateStatus.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auditflow/escrow"
	"auditflow/fault"
)

// Store is the persistence required by the authorizer. InsertApproval must
// enforce uniqueness of (transaction_id, approver_id) and return
// fault.ErrDuplicateApproval on conflict, even under concurrent calls.
type Store interface {
	ContractTerms(ctx context.Context, contractID string) (ContractTerms, error)
	Insert(ctx context.Context, t Transaction) error
	Get(ctx context.Context, id string) (Transaction, error)
	ListByContract(ctx context.Context, contractID string) ([]Transaction, error)
	// InsertApproval appends the approval and, when it completes the
	// client+auditor quorum, enqueues the authorized notification in the
	// same transaction.
	InsertApproval(ctx context.Context, a Approval, terms ContractTerms) error
	Approvals(ctx context.Context, transactionID string) ([]Approval, error)
	// UpdateStatus records the settlement outcome and enqueues the
	// settled notification in the same transaction.
	UpdateStatus(ctx context.Context, transactionID, status string) (Transaction, error)
}

// Service validates and records fund movements and approvals.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create records a fund movement against a known, non-cancelled contract.
// No balance-sufficiency check happens here; the settlement layer owns the
// actual movement and reports its outcome via UpdateStatus.
func (s *Service) Create(ctx context.Context, contractID, senderID string, params CreateParams) (Transaction, error) {
	terms, err := s.store.ContractTerms(ctx, contractID)
	if err != nil {
		return Transaction{}, err
	}
	if terms.Status == string(escrow.StatusCancelled) {
		return Transaction{}, fmt.Errorf("payment: contract is cancelled: %w", fault.ErrInvalidState)
	}
	if senderID != terms.ClientID && senderID != terms.AuditorID {
		return Transaction{}, fmt.Errorf("payment: only a contract party may initiate a transaction: %w", fault.ErrAuthorization)
	}

	var v fault.Violations
	if !params.Kind.Valid() {
		v.Add("unknown transaction type %q", params.Kind)
	}
	if !params.Amount.IsPositive() {
		v.Add("amount must be positive")
	}
	if err := v.Err(); err != nil {
		return Transaction{}, err
	}

	t := Transaction{
		ID:            uuid.NewString(),
		ContractID:    contractID,
		MilestoneID:   params.MilestoneID,
		SenderID:      senderID,
		RecipientID:   params.RecipientID,
		Kind:          params.Kind,
		Amount:        params.Amount,
		SettlementRef: params.SettlementRef,
		Status:        "pending",
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.store.Insert(ctx, t); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// Approve appends a multisig approval. A second approval from the same
// signer fails with ErrDuplicateApproval and never double-counts toward
// quorum.
func (s *Service) Approve(ctx context.Context, transactionID, approverID, signature string) error {
	t, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	terms, err := s.store.ContractTerms(ctx, t.ContractID)
	if err != nil {
		return err
	}
	if approverID != terms.ClientID && approverID != terms.AuditorID {
		return fmt.Errorf("payment: only the client or the auditor may sign: %w", fault.ErrAuthorization)
	}

	a := Approval{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		ApproverID:    approverID,
		Signature:     signature,
		ApprovedAt:    time.Now().UTC(),
	}

	return s.store.InsertApproval(ctx, a, terms)
}

// IsAuthorized implements the quorum policy: a transaction on a
// non-multisig contract is authorized immediately on creation; on a
// multisig contract it requires approvals from both the client and the
// auditor (fixed 2-of-2).
func (s *Service) IsAuthorized(ctx context.Context, transactionID string) (bool, error) {
	t, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return false, err
	}
	terms, err := s.store.ContractTerms(ctx, t.ContractID)
	if err != nil {
		return false, err
	}
	if !terms.RequiresMultisig {
		return true, nil
	}

	approvals, err := s.store.Approvals(ctx, transactionID)
	if err != nil {
		return false, err
	}
	return quorumReached(approvals, terms), nil
}

// UpdateStatus is the settlement callback entry point. The status string is
// free-form and owned by the settlement layer.
func (s *Service) UpdateStatus(ctx context.Context, transactionID, status string) (Transaction, error) {
	if status == "" {
		return Transaction{}, &fault.ValidationError{Violations: []string{"status is required"}}
	}
	return s.store.UpdateStatus(ctx, transactionID, status)
}

// List returns a contract's transactions for one of its parties, oldest
// first.
func (s *Service) List(ctx context.Context, contractID, requesterID string) ([]Transaction, error) {
	terms, err := s.store.ContractTerms(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if requesterID != terms.ClientID && requesterID != terms.AuditorID {
		return nil, fmt.Errorf("payment: transactions are visible to contract parties only: %w", fault.ErrAuthorization)
	}
	return s.store.ListByContract(ctx, contractID)
}

func quorumReached(approvals []Approval, terms ContractTerms) bool {
	var client, auditor bool
	for _, a := range approvals {
		switch a.ApproverID {
		case terms.ClientID:
			client = true
		case terms.AuditorID:
			auditor = true
		}
	}
	return client && auditor
}
