package v1

import (
	"errors"
	"fmt"
)

// WireError is a machine-coded failure surfaced to clients as a type=error
// or status=error envelope. Code is always one of the constants in this
// package; Message is human-oriented and free-form.
type WireError struct {
	Code    string
	Message string
}

// NewWireError builds a coded error with a formatted message.
func NewWireError(code, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *WireError) Error() string {
	return e.Code + ": " + e.Message
}

// CodeOf extracts the wire code from an error chain. Errors without a
// WireError in the chain map to INTERNAL_ERROR.
func CodeOf(err error) string {
	var we *WireError
	if errors.As(err, &we) {
		return we.Code
	}
	return CodeInternalError
}

// MessageOf extracts the client-facing message from an error chain. Errors
// without a WireError in the chain keep their details server-side.
func MessageOf(err error) string {
	var we *WireError
	if errors.As(err, &we) {
		return we.Message
	}
	return "internal error"
}
