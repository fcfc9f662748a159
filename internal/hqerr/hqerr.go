// Package hqerr defines the tagged failure type shared by every engine
// component. Operations either succeed or return an *Error carrying one of
// the Code constants, so callers (and the CLI) can branch on the code without
// string matching.
package hqerr

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

// Validation codes.
const (
	CodeInvalidMessage  Code = "INVALID_MESSAGE"
	CodeBadAddress      Code = "BAD_ADDRESS"
	CodeBadIntent       Code = "BAD_INTENT"
	CodeBadID           Code = "BAD_ID"
	CodeInvalidEnvelope Code = "INVALID_ENVELOPE"
	CodeUnknownVersion  Code = "UNKNOWN_VERSION"
)

// Policy codes.
const (
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeKillSwitch       Code = "KILL_SWITCH"
	CodeDisabled         Code = "DISABLED"
)

// Channel resolution codes.
const (
	CodeChannelResolveFailed Code = "CHANNEL_RESOLVE_FAILED"
	CodeIssueNotFound        Code = "ISSUE_NOT_FOUND"
	CodeUnknownTeam          Code = "UNKNOWN_TEAM"
	CodeNoContextMatch       Code = "NO_CONTEXT_MATCH"
	CodeIssueCreateFailed    Code = "ISSUE_CREATE_FAILED"
)

// Transport codes.
const (
	CodeTransportError Code = "TRANSPORT_ERROR"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeAPIError       Code = "API_ERROR"
	CodeNetworkError   Code = "NETWORK_ERROR"
)

// Transfer codes.
const (
	CodeExportIO       Code = "EXPORT_IO_ERROR"
	CodeTxfrIntegrity  Code = "ERR_TXFR_INTEGRITY"
	CodeTxfrManifest   Code = "ERR_TXFR_MANIFEST"
	CodeTxfrConflict   Code = "ERR_TXFR_CONFLICT"
	CodeTxfrStageIO    Code = "ERR_TXFR_STAGE_IO"
)

// Config codes.
const (
	CodeConfigMissing    Code = "CONFIG_MISSING"
	CodeConfigParse      Code = "CONFIG_PARSE_ERROR"
	CodeConfigValidation Code = "CONFIG_VALIDATION"
)

// Integrity verification codes (per-file, reported in verification results).
const (
	CodeHashMismatch   Code = "HASH_MISMATCH"
	CodeMissingFile    Code = "MISSING_FILE"
	CodeUnexpectedFile Code = "UNEXPECTED_FILE"
	CodeSizeMismatch   Code = "SIZE_MISMATCH"
)

// Error is the tagged failure value. Detail is optional human context
// (underlying API error text, offending path, etc.).
type Error struct {
	Code    Code
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Message, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s [%s]", e.Message, e.Code)
}

// New creates a tagged error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of e carrying detail text.
func (e *Error) WithDetail(detail string) *Error {
	return &Error{Code: e.Code, Message: e.Message, Detail: detail}
}

// CodeOf extracts the Code from err, unwrapping as needed.
// Returns "" when err is nil or untagged.
func CodeOf(err error) Code {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
