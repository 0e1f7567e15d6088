// Package fault defines the error taxonomy shared by the escrow, milestone,
// payment and dispute services. Callers distinguish kinds with errors.Is and
// errors.As; infrastructure errors from the store are wrapped with %w and
// surfaced unchanged.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound signals the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAuthorization signals the caller lacks the required relationship or capability.
	ErrAuthorization = errors.New("not authorized")
	// ErrInvalidState signals the operation is not valid for the record's current status.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrPrecondition signals a state-dependent business rule was not met.
	ErrPrecondition = errors.New("precondition not met")
	// ErrDuplicateApproval signals the signer already approved the transaction.
	ErrDuplicateApproval = errors.New("duplicate approval")
)

// ValidationError carries every violated input constraint detected before
// any write occurred, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Violations accumulates constraint messages during input checking and
// materialises a *ValidationError only when at least one was recorded.
type Violations struct {
	list []string
}

func (v *Violations) Add(format string, args ...any) {
	v.list = append(v.list, fmt.Sprintf(format, args...))
}

func (v *Violations) Empty() bool {
	return len(v.list) == 0
}

// Err returns nil when no violations were recorded.
func (v *Violations) Err() error {
	if len(v.list) == 0 {
		return nil
	}
	return &ValidationError{Violations: v.list}
}
