package verify

import (
	"time"

	"enx-ticketing/internal/models"
)

// ErrorCode is the closed set of reasons a redemption can be refused.
type ErrorCode string

const (
	CodeInvalidFormat  ErrorCode = "INVALID_FORMAT"
	CodeTicketNotFound ErrorCode = "TICKET_NOT_FOUND"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeInvalidHash    ErrorCode = "INVALID_HASH"
	CodeCancelled      ErrorCode = "CANCELLED"
	CodeAlreadyUsed    ErrorCode = "ALREADY_USED"
	CodeExpired        ErrorCode = "EXPIRED"
	CodeDatabaseError  ErrorCode = "DATABASE_ERROR"
	CodeSystemError    ErrorCode = "SYSTEM_ERROR"
)

// Category groups error codes by how callers should treat them.
type Category string

const (
	CategorySuccess        Category = "success"
	CategoryInput          Category = "input"
	CategoryState          Category = "state"
	CategorySecurity       Category = "security"
	CategoryInfrastructure Category = "infrastructure"
)

// Codes lists every ErrorCode in a stable order.
var Codes = []ErrorCode{
	CodeInvalidFormat,
	CodeTicketNotFound,
	CodeUnauthorized,
	CodeInvalidHash,
	CodeCancelled,
	CodeAlreadyUsed,
	CodeExpired,
	CodeDatabaseError,
	CodeSystemError,
}

func (c ErrorCode) Category() Category {
	switch c {
	case "":
		return CategorySuccess
	case CodeInvalidFormat, CodeTicketNotFound:
		return CategoryInput
	case CodeCancelled, CodeAlreadyUsed, CodeExpired:
		return CategoryState
	case CodeUnauthorized, CodeInvalidHash:
		return CategorySecurity
	default:
		return CategoryInfrastructure
	}
}

// Retryable is true for infrastructure failures, where the ticket's state is
// unknown and the same payload can be submitted again.
func (c ErrorCode) Retryable() bool {
	return c.Category() == CategoryInfrastructure
}

// Result is what a scanner gets back. Ticket is set on success and on state
// errors; never on security errors.
type Result struct {
	Valid     bool           `json:"valid"`
	ErrorCode ErrorCode      `json:"error_code,omitempty"`
	Message   string         `json:"message"`
	Ticket    *models.Ticket `json:"ticket,omitempty"`
	SelfScan  bool           `json:"self_scan"`
	UsedAt    *time.Time     `json:"used_at,omitempty"`
}

func (r Result) Category() Category {
	return r.ErrorCode.Category()
}

// metricCode is the label value used for the outcome counter.
func (r Result) metricCode() string {
	if r.Valid {
		return "VALID"
	}
	return string(r.ErrorCode)
}

func reject(code ErrorCode, message string) Result {
	return Result{ErrorCode: code, Message: message}
}
