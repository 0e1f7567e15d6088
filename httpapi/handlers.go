// Package httpapi exposes the marketplace services as a JWT-authenticated
// JSON API on a chi router.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"auditflow/auth"
	"auditflow/dispute"
	"auditflow/escrow"
	"auditflow/payment"
)

// Service interfaces consumed by the handlers. The concrete services in
// auth, escrow, milestone, payment and dispute satisfy them.

type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
}

type ContractService interface {
	Create(ctx context.Context, clientID string, params escrow.CreateParams, milestones []escrow.MilestoneParams) (escrow.Contract, []escrow.Milestone, error)
	Cancel(ctx context.Context, contractID, requesterID string) error
	Complete(ctx context.Context, contractID, requesterID string) error
	Refund(ctx context.Context, contractID, requesterID string) error
	Reinstate(ctx context.Context, contractID, arbitratorID string, next escrow.Status) error
	Get(ctx context.Context, contractID, requesterID string) (escrow.Aggregate, error)
	List(ctx context.Context, partyID string, page, pageSize int) ([]escrow.Contract, int, error)
}

type MilestoneService interface {
	MarkComplete(ctx context.Context, milestoneID, requesterID string) (escrow.Milestone, error)
	Add(ctx context.Context, contractID, requesterID string, params escrow.MilestoneParams) (escrow.Milestone, error)
	Remove(ctx context.Context, milestoneID, requesterID string) error
}

type PaymentService interface {
	Create(ctx context.Context, contractID, senderID string, params payment.CreateParams) (payment.Transaction, error)
	Approve(ctx context.Context, transactionID, approverID, signature string) error
	IsAuthorized(ctx context.Context, transactionID string) (bool, error)
	UpdateStatus(ctx context.Context, transactionID, status string) (payment.Transaction, error)
	List(ctx context.Context, contractID, requesterID string) ([]payment.Transaction, error)
}

type DisputeService interface {
	Create(ctx context.Context, contractID, raisedBy string, params dispute.CreateParams) (dispute.Record, error)
	AssignArbitrator(ctx context.Context, disputeID, arbitratorID string) (dispute.Record, error)
	Resolve(ctx context.Context, disputeID, arbitratorID, resolution string) (dispute.Record, error)
	Close(ctx context.Context, disputeID, requesterID string) (dispute.Record, error)
	AddComment(ctx context.Context, disputeID, authorID, body string) (dispute.Comment, error)
	List(ctx context.Context, contractID, requesterID string) ([]dispute.Record, error)
	Comments(ctx context.Context, disputeID, requesterID string) ([]dispute.Comment, error)
}

// Handler bundles every service the API serves.
type Handler struct {
	Auth       AuthService
	Contracts  ContractService
	Milestones MilestoneService
	Payments   PaymentService
	Disputes   DisputeService
}

// auth

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := h.Auth.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, User: toUserResponse(result.User)})
}

// contracts

func (h *Handler) createContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	params := escrow.CreateParams{
		AuditorID:        req.AuditorID,
		Title:            req.Title,
		Description:      req.Description,
		TotalAmount:      req.TotalAmount,
		Currency:         req.Currency,
		ContractAddress:  req.ContractAddress,
		RequiresMultisig: req.RequiresMultisig,
	}
	milestones := make([]escrow.MilestoneParams, len(req.Milestones))
	for i, m := range req.Milestones {
		milestones[i] = m.params()
	}

	contract, created, err := h.Contracts.Create(r.Context(), UserID(r.Context()), params, milestones)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := struct {
		contractResponse
		Milestones []milestoneResponse `json:"milestones"`
	}{contractResponse: toContractResponse(contract)}
	resp.Milestones = make([]milestoneResponse, len(created))
	for i, m := range created {
		resp.Milestones[i] = toMilestoneResponse(m)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listContracts(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)

	contracts, total, err := h.Contracts.List(r.Context(), UserID(r.Context()), page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := contractListResponse{
		Contracts: make([]contractResponse, len(contracts)),
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
	}
	for i, c := range contracts {
		resp.Contracts[i] = toContractResponse(c)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getContract(w http.ResponseWriter, r *http.Request) {
	aggregate, err := h.Contracts.Get(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDetailResponse(aggregate))
}

func (h *Handler) cancelContract(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Contracts.Cancel)
}

func (h *Handler) completeContract(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Contracts.Complete)
}

func (h *Handler) refundContract(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Contracts.Refund)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	if err := op(r.Context(), chi.URLParam(r, "id"), UserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) reinstateContract(w http.ResponseWriter, r *http.Request) {
	var req reinstateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := h.Contracts.Reinstate(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()), escrow.Status(req.Status))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// milestones

func (h *Handler) addMilestone(w http.ResponseWriter, r *http.Request) {
	var req milestoneRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.Milestones.Add(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()), req.params())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMilestoneResponse(m))
}

func (h *Handler) removeMilestone(w http.ResponseWriter, r *http.Request) {
	if err := h.Milestones.Remove(r.Context(), chi.URLParam(r, "id"), UserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) completeMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := h.Milestones.MarkComplete(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

// transactions

func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	params := payment.CreateParams{
		MilestoneID:   req.MilestoneID,
		RecipientID:   req.RecipientID,
		Kind:          payment.Kind(req.Kind),
		Amount:        req.Amount,
		SettlementRef: req.SettlementRef,
	}
	t, err := h.Payments.Create(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	transactions, err := h.Payments.List(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]transactionResponse, len(transactions))
	for i, t := range transactions {
		resp[i] = toTransactionResponse(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) approveTransaction(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Payments.Approve(r.Context(), id, UserID(r.Context()), req.Signature); err != nil {
		writeError(w, err)
		return
	}
	authorized, err := h.Payments.IsAuthorized(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, authorizationResponse{TransactionID: id, Authorized: authorized})
}

func (h *Handler) transactionAuthorization(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	authorized, err := h.Payments.IsAuthorized(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizationResponse{TransactionID: id, Authorized: authorized})
}

func (h *Handler) updateTransactionStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.Payments.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

// disputes

func (h *Handler) createDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	params := dispute.CreateParams{
		MilestoneID: req.MilestoneID,
		Reason:      req.Reason,
		Evidence:    req.Evidence,
	}
	d, err := h.Disputes.Create(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (h *Handler) listDisputes(w http.ResponseWriter, r *http.Request) {
	disputes, err := h.Disputes.List(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]disputeResponse, len(disputes))
	for i, d := range disputes {
		resp[i] = toDisputeResponse(d)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) assignArbitrator(w http.ResponseWriter, r *http.Request) {
	var req assignArbitratorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	// an arbitrator may assign themselves; the service checks the capability
	arbitratorID := req.ArbitratorID
	if arbitratorID == "" {
		arbitratorID = UserID(r.Context())
	}
	d, err := h.Disputes.AssignArbitrator(r.Context(), chi.URLParam(r, "id"), arbitratorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (h *Handler) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.Disputes.Resolve(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()), req.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (h *Handler) closeDispute(w http.ResponseWriter, r *http.Request) {
	d, err := h.Disputes.Close(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (h *Handler) addComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.Disputes.AddComment(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()), req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommentResponse(c))
}

func (h *Handler) listComments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.Disputes.Comments(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]commentResponse, len(comments))
	for i, c := range comments {
		resp[i] = toCommentResponse(c)
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
