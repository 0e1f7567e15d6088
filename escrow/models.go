package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"auditflow/auth"
)

// Status represents the lifecycle of an escrow contract.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// SumTolerance is the largest accepted difference between a contract's total
// and the sum of its milestone amounts, in currency units.
var SumTolerance = decimal.NewFromFloat(0.001)

// Contract mirrors the escrow_contracts table.
type Contract struct {
	ID               string
	ClientID         string
	AuditorID        string
	Title            string
	Description      *string
	TotalAmount      decimal.Decimal
	Currency         string
	ContractAddress  *string
	Status           Status
	RequiresMultisig bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Milestone mirrors the milestones table. Milestones are created with their
// parent contract (or added while it is still pending) and complete exactly
// once; IsCompleted and CompletedAt move together.
type Milestone struct {
	ID          string
	ContractID  string
	Title       string
	Description *string
	Amount      decimal.Decimal
	Deadline    *time.Time
	IsCompleted bool
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Aggregate bundles a contract with its resolved parties and milestones for
// detail views.
type Aggregate struct {
	Contract   Contract
	Client     auth.User
	Auditor    auth.User
	Milestones []Milestone
}

// CreateParams carries caller-supplied contract fields.
type CreateParams struct {
	AuditorID        string
	Title            string
	Description      *string
	TotalAmount      decimal.Decimal
	Currency         string
	ContractAddress  *string
	RequiresMultisig bool
}

// MilestoneParams carries caller-supplied milestone fields.
type MilestoneParams struct {
	Title       string
	Description *string
	Amount      decimal.Decimal
	Deadline    *time.Time
}

// MilestoneSum adds up the given milestone amounts.
func MilestoneSum(milestones []Milestone) decimal.Decimal {
	sum := decimal.Zero
	for _, m := range milestones {
		sum = sum.Add(m.Amount)
	}
	return sum
}

// SumMatchesTotal reports whether sum is within SumTolerance of total.
func SumMatchesTotal(sum, total decimal.Decimal) bool {
	return sum.Sub(total).Abs().LessThanOrEqual(SumTolerance)
}
