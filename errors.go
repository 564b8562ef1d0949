// Package restgate defines the shared error vocabulary of the call engine.
//
// Every failure that crosses a package boundary carries a stable machine
// status so that callers (and the tool surface) can branch on it without
// string matching. Wrap with fmt.Errorf("...: %w", err) freely; use
// restgate.StatusOf to recover the status at a boundary.
package restgate

import (
	"errors"
	"fmt"
)

// Status is the machine-readable classification of a failure.
type Status string

const (
	StatusUnknownOperation      Status = "UnknownOperation"
	StatusPolicyDenied          Status = "PolicyDenied"
	StatusMissingRequiredParam  Status = "MissingRequiredParameter"
	StatusUnknownParameter      Status = "UnknownParameter"
	StatusBodyNotAccepted       Status = "BodyNotAccepted"
	StatusMissingRequiredBody   Status = "MissingRequiredBody"
	StatusBodySchemaInvalid     Status = "BodySchemaValidationFailed"
	StatusTokenExchangeFailed   Status = "TokenExchangeFailed"
	StatusOffHostPagination     Status = "OffHostPagination"
	StatusUnknownPagingType     Status = "UnknownPagingType"
	StatusUpstreamTimeout       Status = "UpstreamTimeout"
	StatusUpstreamError         Status = "UpstreamError"
	StatusSessionLimitReached   Status = "SessionLimitReached"
	StatusUnknownSession        Status = "UnknownSession"
	StatusInternal              Status = "InternalError"
)

// Error is the boundary error type. Details must already be redacted by the
// producing component; nothing downstream re-inspects raw upstream bodies.
type Error struct {
	Status  Status
	Message string
	Details any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(status Status, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured, already-redacted detail to the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// StatusOf extracts the machine status from err, unwrapping as needed.
// Errors that never received a status classify as InternalError.
func StatusOf(err error) Status {
	var re *Error
	if errors.As(err, &re) {
		return re.Status
	}
	return StatusInternal
}

// DetailsOf extracts redacted details from err, if any.
func DetailsOf(err error) any {
	var re *Error
	if errors.As(err, &re) {
		return re.Details
	}
	return nil
}
