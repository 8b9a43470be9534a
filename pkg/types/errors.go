package types

import "fmt"

// Stable error codes surfaced to API callers.
const (
	CodePrevChainHashMismatch      = "PREV_CHAIN_HASH_MISMATCH"
	CodeReceiptImmutable           = "X402_RECEIPT_IMMUTABLE"
	CodeZkVerificationKeyImmutable = "X402_ZK_VERIFICATION_KEY_IMMUTABLE"
	CodeAdjustmentAlreadyExists    = "ADJUSTMENT_ALREADY_EXISTS"
	CodeEmergencyControlConflict   = "EMERGENCY_CONTROL_EVENT_CONFLICT"
	CodeIdempotencyConflict        = "IDEMPOTENCY_KEY_CONFLICT"
	CodeLedgerEntryExists          = "LEDGER_ENTRY_ALREADY_APPLIED"
	CodeLedgerUnbalanced           = "LEDGER_ENTRY_UNBALANCED"
	CodeValidation                 = "VALIDATION_ERROR"
	CodeNotFound                   = "NOT_FOUND"
	CodeForbidden                  = "FORBIDDEN"
)

// Error is a machine-readable error with an optional HTTP-mapped status.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"statusCode,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error without details.
func NewError(code, message string, statusCode int) *Error {
	return &Error{Code: code, Message: message, StatusCode: statusCode}
}

// Conflict builds a 409 error.
func Conflict(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, StatusCode: 409, Details: details}
}

// Validationf builds a synchronous validation error. No state change may
// have happened when one is returned.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...), StatusCode: 400}
}
