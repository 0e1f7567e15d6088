package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"auditflow/auth"
	"auditflow/fault"
)

type errorBody struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

// writeError translates the fault taxonomy into HTTP statuses. Anything not
// recognized is an infrastructure failure and must not leak its message.
func writeError(w http.ResponseWriter, err error) {
	var ve *fault.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Violations: ve.Violations})
	case errors.Is(err, fault.ErrAuthorization):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, fault.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, fault.ErrInvalidState),
		errors.Is(err, fault.ErrPrecondition),
		errors.Is(err, fault.ErrDuplicateApproval),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
	case errors.Is(err, auth.ErrWeakPassword):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &fault.ValidationError{Violations: []string{"invalid request body"}}
	}
	return nil
}
