package partner

import (
	"errors"
	"fmt"

	"github.com/stephnangue/steward/authorize"
)

// APIError is a non-success response from an upstream management API.
// The correlation id ties the failure to the upstream's own logs.
type APIError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream api error: status %d, code %q: %s (correlation id %s)", e.StatusCode, e.Code, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("upstream api error: status %d: %s (correlation id %s)", e.StatusCode, e.Message, e.CorrelationID)
}

// AccessDeniedError is a local authorization refusal. It is produced
// before any credential is acquired or upstream call attempted.
type AccessDeniedError struct {
	Operation string
	Caller    string
	Decision  authorize.Decision
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("operation %q denied for caller %q: %s", e.Operation, e.Caller, e.Decision.Reason)
}

// IsAccessDenied reports whether err is a local authorization refusal
func IsAccessDenied(err error) bool {
	var denied *AccessDeniedError
	return errors.As(err, &denied)
}
