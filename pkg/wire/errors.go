package wire

import (
	"errors"
	"fmt"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
)

// Error is a protocol error carried in an error frame
type Error struct {
	Code       uint16  `cbor:"code"`                  // Error code
	Reason     string  `cbor:"reason"`                // Human-readable error message
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // Optional retry delay in seconds
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
	}
}

// NewErrorWithRetry creates a new protocol error with retry-after
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{
		Code:       code,
		Reason:     reason,
		RetryAfter: &retryAfter,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("%s: %s (retry after %ds)", ErrorCodeName(e.Code), e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", ErrorCodeName(e.Code), e.Reason)
}

// IsRetryable returns true if the error suggests retrying
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorOverdraft
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorInvalidSig:
		return "INVALID_SIG"
	case constants.ErrorNotFound:
		return "NOT_FOUND"
	case constants.ErrorOverdraft:
		return "OVERDRAFT"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	case constants.ErrorBadRequest:
		return "BAD_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// IsCode reports whether err is a protocol error with the given code
func IsCode(err error, code uint16) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Code == code
}

// ErrInvalidSignature creates an invalid signature error
func ErrInvalidSignature(reason string) *Error {
	return NewError(constants.ErrorInvalidSig, reason)
}

// ErrNotFound creates a chunk-not-found error
func ErrNotFound(addr string) *Error {
	return NewError(constants.ErrorNotFound, fmt.Sprintf("chunk not found: %s", addr))
}

// ErrOverdraft creates an overdraft error with retry-after
func ErrOverdraft(retryAfter uint32) *Error {
	return NewErrorWithRetry(constants.ErrorOverdraft, "debt exceeds payment threshold", retryAfter)
}

// ErrVersionMismatch creates a version mismatch error
func ErrVersionMismatch(expected, actual uint16) *Error {
	return NewError(constants.ErrorVersionMismatch,
		fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual))
}

// ErrorFrame creates a frame containing an error response
func ErrorFrame(from string, seq uint64, err *Error) (*BaseFrame, error) {
	return NewBaseFrame(constants.KindError, from, seq, err)
}

// IsErrorFrame checks if a frame contains an error
func IsErrorFrame(frame *BaseFrame) bool {
	return frame.Kind == constants.KindError
}

// ExtractError decodes the Error carried by an error frame
func ExtractError(frame *BaseFrame) (*Error, error) {
	if !IsErrorFrame(frame) {
		return nil, fmt.Errorf("frame is not an error frame")
	}

	var werr Error
	if err := frame.DecodeBody(&werr); err != nil {
		return nil, err
	}
	return &werr, nil
}
