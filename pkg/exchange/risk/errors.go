package risk

import "fmt"

// ValidationError rejects malformed input before any state mutation:
// unknown or suspended symbol, precision overflow, size below minimums.
// Fully recoverable by resubmitting corrected input.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Validationf builds a ValidationError from a format string
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// PolicyError rejects a well-formed order that violates a per-user
// policy. No state is mutated; the caller may retry later.
type PolicyError struct {
	Reason string // machine-readable: RATE_LIMITED, MAX_OPEN_ORDERS, INSUFFICIENT_BALANCE
	msg    string
}

func (e *PolicyError) Error() string { return e.msg }

const (
	ReasonRateLimited         = "RATE_LIMITED"
	ReasonMaxOpenOrders       = "MAX_OPEN_ORDERS"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
)

func policyf(reason, format string, args ...interface{}) error {
	return &PolicyError{Reason: reason, msg: fmt.Sprintf(format, args...)}
}

// NewInsufficientBalance wraps a ledger freeze failure into the
// admission taxonomy
func NewInsufficientBalance(err error) error {
	return &PolicyError{Reason: ReasonInsufficientBalance, msg: err.Error()}
}
