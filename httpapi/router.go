package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the API. Everything except registration and login sits
// behind the bearer-token middleware.
func NewRouter(h *Handler, verifier TokenVerifier, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(NewStructuredLogger(logger))

	r.Post("/auth/register", h.register)
	r.Post("/auth/login", h.login)

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(verifier))

		r.Route("/contracts", func(r chi.Router) {
			r.Post("/", h.createContract)
			r.Get("/", h.listContracts)
			r.Get("/{id}", h.getContract)
			r.Post("/{id}/cancel", h.cancelContract)
			r.Post("/{id}/complete", h.completeContract)
			r.Post("/{id}/refund", h.refundContract)
			r.Post("/{id}/reinstate", h.reinstateContract)
			r.Post("/{id}/milestones", h.addMilestone)
			r.Post("/{id}/transactions", h.createTransaction)
			r.Get("/{id}/transactions", h.listTransactions)
			r.Post("/{id}/disputes", h.createDispute)
			r.Get("/{id}/disputes", h.listDisputes)
		})

		r.Route("/milestones", func(r chi.Router) {
			r.Delete("/{id}", h.removeMilestone)
			r.Post("/{id}/complete", h.completeMilestone)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/{id}/approvals", h.approveTransaction)
			r.Get("/{id}/authorization", h.transactionAuthorization)
			r.Post("/{id}/status", h.updateTransactionStatus)
		})

		r.Route("/disputes", func(r chi.Router) {
			r.Post("/{id}/arbitrator", h.assignArbitrator)
			r.Post("/{id}/resolve", h.resolveDispute)
			r.Post("/{id}/close", h.closeDispute)
			r.Post("/{id}/comments", h.addComment)
			r.Get("/{id}/comments", h.listComments)
		})
	})

	return r
}
