package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies the intent of a fund movement.
type Kind string

const (
	KindDeposit           Kind = "deposit"
	KindMilestonePayment  Kind = "milestone_payment"
	KindRefund            Kind = "refund"
	KindFee               Kind = "fee"
	KindDisputeResolution Kind = "dispute_resolution"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindMilestonePayment, KindRefund, KindFee, KindDisputeResolution:
		return true
	}
	return false
}

// Transaction mirrors the escrow_transactions table. Rows are immutable
// after creation except for Status, which the settlement layer reports back.
type Transaction struct {
	ID            string
	ContractID    string
	MilestoneID   *string
	SenderID      string
	RecipientID   *string
	Kind          Kind
	Amount        decimal.Decimal
	SettlementRef *string
	Status        string
	CreatedAt     time.Time
}

// Approval mirrors the multisig_approvals table. At most one row exists per
// (transaction, approver); the store enforces it with a unique constraint so
// concurrent duplicate approvals fail deterministically.
type Approval struct {
	ID            string
	TransactionID string
	ApproverID    string
	Signature     string
	ApprovedAt    time.Time
}

// CreateParams carries caller-supplied transaction fields.
type CreateParams struct {
	MilestoneID   *string
	RecipientID   *string
	Kind          Kind
	Amount        decimal.Decimal
	SettlementRef *string
}

// ContractTerms is the slice of the parent contract the authorizer needs.
type ContractTerms struct {
	ID               string
	ClientID         string
	AuditorID        string
	Status           string
	RequiresMultisig bool
}
