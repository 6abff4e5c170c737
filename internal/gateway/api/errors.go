package api

import "fmt"

// Protocol error codes returned in the error envelope.
const (
	// ErrorUnknown is the catch-all error.
	ErrorUnknown = 490

	ErrorUsePost                 = 450
	ErrorMissingRequest          = 452
	ErrorUnknownRequest          = 453
	ErrorInvalidJSON             = 454
	ErrorInvalidJSONObject       = 455
	ErrorMissingMandatoryElement = 456
	ErrorInvalidRequestPath      = 457
	ErrorSessionNotFound         = 458
	ErrorHandleNotFound          = 459
	ErrorPluginNotFound          = 460
	ErrorPluginAttach            = 461
	ErrorPluginMessage           = 462
	ErrorPluginDetach            = 463
	ErrorJSEPUnknownType         = 464
	ErrorJSEPInvalidSDP          = 465
)

// Error is a protocol-level error carried to the client in the
// {"janus":"error"} envelope.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Reason, e.Code)
}

// NewError builds a protocol error with a formatted reason.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}
