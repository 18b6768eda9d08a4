package types

import "errors"

// Error codes carried as error.code in the HTTP envelope. The watcher
// maps them onto HTTP status classes; the CLI maps them onto exit codes.
const (
	// transport
	CodeCDPClosed     = "cdp_closed"
	CodeCDPTimeout    = "cdp_timeout"
	CodeWSError       = "ws_error"
	CodeConnectFailed = "connect_failed"

	// protocol
	CodeInvalidBody      = "invalid_body"
	CodeInvalidMatch     = "invalid_match"
	CodeInvalidMatchCase = "invalid_match_case"
	CodeNotFound         = "not_found"

	// match
	CodeMultipleMatches = "multiple_matches"
	CodeNoMatch         = "no_match"
	CodeCountMismatch   = "count_mismatch"
	CodeUnknownKey      = "unknown_key"

	// state
	CodeCDPNotAttached = "cdp_not_attached"
	CodeIDInUse        = "id_in_use"
	CodeOriginMismatch = "origin_mismatch"
	CodeNetDisabled    = "net_disabled"

	// operator: CDP error text propagated verbatim
	CodeOperatorError = "operator_error"
)

// APIError is an error with a stable machine-readable code. It travels
// from operators through the HTTP envelope to CLI exit classification.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// NewAPIError builds a coded error.
func NewAPIError(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// ErrorCode extracts the code from err, or operator_error for plain errors.
func ErrorCode(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeOperatorError
}

// ErrorBody is the error half of the HTTP envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
