package relay

import (
	"errors"
	"fmt"
)

// Code classifies relay failures for callers and terminal events.
type Code string

const (
	CodeInvalidInput           Code = "invalid_input"
	CodeModelRequired          Code = "model_required"
	CodeUnauthorized           Code = "unauthorized"
	CodeForbidden              Code = "forbidden"
	CodeNotFound               Code = "not_found"
	CodeUpstreamUnavailable    Code = "upstream_unavailable"
	CodeUpstreamTimeout        Code = "upstream_timeout"
	CodeUpstreamProtocolError  Code = "upstream_protocol_error"
	CodeUpstreamConnectionLost Code = "upstream_connection_lost"
	CodePartialDataClosed      Code = "partial_data_closed"
)

// Error carries a relay error code plus a human-readable message suitable
// for an error terminal event.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a relay error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the relay code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
