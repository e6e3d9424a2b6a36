package chat

import "fmt"

// Error kinds surfaced in the HTTP error envelope. These are part of the wire
// contract; clients branch on them.
const (
	KindInvalidToken    = "InvalidToken"
	KindExpired         = "Expired"
	KindSubjectMismatch = "SubjectMismatch"
	KindCSRFMismatch    = "CsrfMismatch"
	KindReplayDetected  = "ReplayDetected"
	KindCircuitOpen     = "CircuitOpen"
	KindBudgetExceeded  = "BudgetExceeded"
	KindRateLimited     = "RateLimited"
	KindValidation      = "Validation"
	KindNotFound        = "NotFound"
	KindUnavailable     = "Unavailable"
	KindInternal        = "Internal"
)

// Error is a classified orchestration failure. Message is safe to show to
// end users; raw provider and database error text never crosses this boundary.
type Error struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
