package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"auditflow/auth"
	"auditflow/dispute"
	"auditflow/escrow"
	"auditflow/payment"
)

// Request payloads.

type createContractRequest struct {
	AuditorID        string             `json:"auditor_id"`
	Title            string             `json:"title"`
	Description      *string            `json:"description,omitempty"`
	TotalAmount      decimal.Decimal    `json:"total_amount"`
	Currency         string             `json:"currency"`
	ContractAddress  *string            `json:"contract_address,omitempty"`
	RequiresMultisig bool               `json:"requires_multisig"`
	Milestones       []milestoneRequest `json:"milestones"`
}

type milestoneRequest struct {
	Title       string          `json:"title"`
	Description *string         `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
}

func (m milestoneRequest) params() escrow.MilestoneParams {
	return escrow.MilestoneParams{
		Title:       m.Title,
		Description: m.Description,
		Amount:      m.Amount,
		Deadline:    m.Deadline,
	}
}

type reinstateRequest struct {
	Status string `json:"status"`
}

type createTransactionRequest struct {
	MilestoneID   *string         `json:"milestone_id,omitempty"`
	RecipientID   *string         `json:"recipient_id,omitempty"`
	Kind          string          `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	SettlementRef *string         `json:"settlement_ref,omitempty"`
}

type approvalRequest struct {
	Signature string `json:"signature"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type createDisputeRequest struct {
	MilestoneID *string `json:"milestone_id,omitempty"`
	Reason      string  `json:"reason"`
	Evidence    *string `json:"evidence,omitempty"`
}

type assignArbitratorRequest struct {
	ArbitratorID string `json:"arbitrator_id"`
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

type commentRequest struct {
	Body string `json:"body"`
}

// Response payloads.

type userResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	FullName      string    `json:"full_name"`
	Role          auth.Role `json:"role"`
	WalletAddress *string   `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		FullName:      u.FullName,
		Role:          u.Role,
		WalletAddress: u.WalletAddress,
		CreatedAt:     u.CreatedAt,
	}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type contractResponse struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"client_id"`
	AuditorID        string          `json:"auditor_id"`
	Title            string          `json:"title"`
	Description      *string         `json:"description,omitempty"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Currency         string          `json:"currency"`
	ContractAddress  *string         `json:"contract_address,omitempty"`
	Status           escrow.Status   `json:"status"`
	RequiresMultisig bool            `json:"requires_multisig"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func toContractResponse(c escrow.Contract) contractResponse {
	return contractResponse{
		ID:               c.ID,
		ClientID:         c.ClientID,
		AuditorID:        c.AuditorID,
		Title:            c.Title,
		Description:      c.Description,
		TotalAmount:      c.TotalAmount,
		Currency:         c.Currency,
		ContractAddress:  c.ContractAddress,
		Status:           c.Status,
		RequiresMultisig: c.RequiresMultisig,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

type milestoneResponse struct {
	ID          string          `json:"id"`
	ContractID  string          `json:"contract_id"`
	Title       string          `json:"title"`
	Description *string         `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	IsCompleted bool            `json:"is_completed"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toMilestoneResponse(m escrow.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:          m.ID,
		ContractID:  m.ContractID,
		Title:       m.Title,
		Description: m.Description,
		Amount:      m.Amount,
		Deadline:    m.Deadline,
		IsCompleted: m.IsCompleted,
		CompletedAt: m.CompletedAt,
		CreatedAt:   m.CreatedAt,
	}
}

type contractDetailResponse struct {
	contractResponse
	Client     userResponse        `json:"client"`
	Auditor    userResponse        `json:"auditor"`
	Milestones []milestoneResponse `json:"milestones"`
}

func toContractDetailResponse(a escrow.Aggregate) contractDetailResponse {
	milestones := make([]milestoneResponse, len(a.Milestones))
	for i, m := range a.Milestones {
		milestones[i] = toMilestoneResponse(m)
	}
	return contractDetailResponse{
		contractResponse: toContractResponse(a.Contract),
		Client:           toUserResponse(a.Client),
		Auditor:          toUserResponse(a.Auditor),
		Milestones:       milestones,
	}
}

type contractListResponse struct {
	Contracts []contractResponse `json:"contracts"`
	Total     int                `json:"total"`
	Page      int                `json:"page"`
	PageSize  int                `json:"page_size"`
}

type transactionResponse struct {
	ID            string          `json:"id"`
	ContractID    string          `json:"contract_id"`
	MilestoneID   *string         `json:"milestone_id,omitempty"`
	SenderID      string          `json:"sender_id"`
	RecipientID   *string         `json:"recipient_id,omitempty"`
	Kind          payment.Kind    `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	SettlementRef *string         `json:"settlement_ref,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toTransactionResponse(t payment.Transaction) transactionResponse {
	return transactionResponse{
		ID:            t.ID,
		ContractID:    t.ContractID,
		MilestoneID:   t.MilestoneID,
		SenderID:      t.SenderID,
		RecipientID:   t.RecipientID,
		Kind:          t.Kind,
		Amount:        t.Amount,
		SettlementRef: t.SettlementRef,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt,
	}
}

type authorizationResponse struct {
	TransactionID string `json:"transaction_id"`
	Authorized    bool   `json:"authorized"`
}

type disputeResponse struct {
	ID           string         `json:"id"`
	ContractID   string         `json:"contract_id"`
	MilestoneID  *string        `json:"milestone_id,omitempty"`
	RaisedBy     string         `json:"raised_by"`
	ArbitratorID *string        `json:"arbitrator_id,omitempty"`
	Reason       string         `json:"reason"`
	Evidence     *string        `json:"evidence,omitempty"`
	Status       dispute.Status `json:"status"`
	Resolution   *string        `json:"resolution,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	return disputeResponse{
		ID:           d.ID,
		ContractID:   d.ContractID,
		MilestoneID:  d.MilestoneID,
		RaisedBy:     d.RaisedBy,
		ArbitratorID: d.ArbitratorID,
		Reason:       d.Reason,
		Evidence:     d.Evidence,
		Status:       d.Status,
		Resolution:   d.Resolution,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type commentResponse struct {
	ID        string    `json:"id"`
	DisputeID string    `json:"dispute_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func toCommentResponse(c dispute.Comment) commentResponse {
	return commentResponse{
		ID:        c.ID,
		DisputeID: c.DisputeID,
		AuthorID:  c.AuthorID,
		Body:      c.Body,
		CreatedAt: c.CreatedAt,
	}
}
