package lifecycle

import (
	"fmt"
	"net/http"
)

// maxDetailLen bounds upstream text before it is surfaced to callers.
const maxDetailLen = 200

// Error is the closed set of failures a lifecycle operation can report. Code
// is the machine-readable kind placed in the response envelope; Status is the
// HTTP status the API layer maps it to.
type Error struct {
	Code    string
	Status  int
	Details string
}

func (e *Error) Error() string {
	if e.Details == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Details)
}

// HTTPStatus returns the status code the error maps to at the HTTP boundary.
func (e *Error) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

func errValidation(code string) *Error {
	return &Error{Code: code, Status: http.StatusBadRequest}
}

func errNotFound() *Error {
	return &Error{Code: "order_not_found", Status: http.StatusNotFound}
}

func errPrecondition(code, details string) *Error {
	return &Error{Code: code, Status: http.StatusPreconditionFailed, Details: details}
}

func errConflict(code string) *Error {
	return &Error{Code: code, Status: http.StatusConflict}
}

func errAwaitingPayment(details string) *Error {
	// Not a failure: expected when fulfillment is probed before payment.
	return &Error{Code: "awaiting_payment", Status: http.StatusAccepted, Details: details}
}

func errInsufficientFunds(details string) *Error {
	return &Error{Code: "merchant_insufficient_funds", Status: http.StatusPaymentRequired, Details: details}
}

func errUpstream(code, details string) *Error {
	return &Error{Code: code, Status: http.StatusBadGateway, Details: truncate(details, maxDetailLen)}
}

func errConfig(details string) *Error {
	return &Error{Code: "invalid_price_configuration", Status: http.StatusInternalServerError, Details: details}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
