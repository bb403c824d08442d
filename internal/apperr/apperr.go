package apperr

import (
	"errors"
	"fmt"
)

// Error codes. The code doubles as the error name surfaced to userscripts,
// so scripts can test err.name === "CapabilityDeniedError".
const (
	CodeMetadata         = "MetadataError"
	CodeCapabilityDenied = "CapabilityDeniedError"
	CodeInjection        = "InjectionError"
	CodeStorage          = "StorageError"
	CodeNetwork          = "NetworkError"
	CodeValidation       = "ValidationError"
	CodeNotFound         = "NotFoundError"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New builds a CodedError.
func New(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

func Metadata(msg string, cause error) error { return New(CodeMetadata, msg, cause) }
func Storage(msg string, cause error) error { return New(CodeStorage, msg, cause) }
func Network(msg string, cause error) error { return New(CodeNetwork, msg, cause) }
func Injection(msg string, cause error) error { return New(CodeInjection, msg, cause) }
func Validation(msg string) error { return New(CodeValidation, msg, nil) }
func NotFound(msg string) error { return New(CodeNotFound, msg, nil) }
func CapabilityDenied(capability string) error {
	return New(CodeCapabilityDenied, fmt.Sprintf("capability %q not granted", capability), nil)
}

// CodeOf returns the code of the first CodedError in err's chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}
