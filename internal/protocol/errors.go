package protocol

import "fmt"

// Short machine-readable error codes carried on the wire.
const (
	CodeNoEntry         = "ENOENT"
	CodeInvalidArgument = "EINVAL"
)

// Error is a remote-reportable failure: a human message plus a short code.
// It travels inside ABORT and TABLE_SCHEMA_REPLY envelopes.
type Error struct {
	Message string `json:"m"`
	Code    string `json:"c,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// NewError builds a coded error. An empty code defaults to the generic
// invalid-argument code.
func NewError(code, message string) *Error {
	if code == "" {
		code = CodeInvalidArgument
	}
	return &Error{Message: message, Code: code}
}

// AsError converts any local failure into a wire error. Failures that already
// carry a code keep it; everything else gets the generic code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if perr, ok := err.(*Error); ok {
		return perr
	}
	return &Error{Message: err.Error(), Code: CodeInvalidArgument}
}
