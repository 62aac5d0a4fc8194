package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the closed taxonomy of transfer failures.
type ErrorCode uint16

const (
	ErrUnknown            ErrorCode = 0x0000
	ErrConnectionFailed   ErrorCode = 0x0001
	ErrPeerUnreachable    ErrorCode = 0x0002
	ErrFileTooLarge       ErrorCode = 0x0003
	ErrInvalidFileType    ErrorCode = 0x0004
	ErrNetworkInterrupted ErrorCode = 0x0005
	ErrChecksumMismatch   ErrorCode = 0x0006
	ErrTimeout            ErrorCode = 0x0007
	ErrCancelled          ErrorCode = 0x0008
	ErrSignalingFailed    ErrorCode = 0x0009
	ErrRateLimited        ErrorCode = 0x000A
	ErrNotAuthenticated   ErrorCode = 0x000B
)

func (e ErrorCode) String() string {
	switch e {
	case ErrConnectionFailed:
		return "CONNECTION_FAILED"
	case ErrPeerUnreachable:
		return "PEER_UNREACHABLE"
	case ErrFileTooLarge:
		return "FILE_TOO_LARGE"
	case ErrInvalidFileType:
		return "INVALID_FILE_TYPE"
	case ErrNetworkInterrupted:
		return "NETWORK_INTERRUPTED"
	case ErrChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrCancelled:
		return "CANCELLED"
	case ErrSignalingFailed:
		return "SIGNALING_FAILED"
	case ErrRateLimited:
		return "RATE_LIMITED"
	case ErrNotAuthenticated:
		return "NOT_AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// Recoverable reports whether an operation failing with this code may be
// retried with the same input. Validation failures and whole-file checksum
// mismatches are terminal; transient network conditions are not.
func (e ErrorCode) Recoverable() bool {
	switch e {
	case ErrNetworkInterrupted, ErrRateLimited, ErrTimeout:
		return true
	default:
		return false
	}
}

// TransferError carries a taxonomy code alongside a human-readable message.
// The Recoverable flag drives the caller's retry decision.
type TransferError struct {
	Code        ErrorCode
	Message     string
	Details     string
	Recoverable bool
	Timestamp   time.Time
}

func (e *TransferError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes errors.Is match on the taxonomy code.
func (e *TransferError) Is(target error) bool {
	var other *TransferError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// NewError builds a TransferError with the code's default recoverability.
func NewError(code ErrorCode, msg string) *TransferError {
	return &TransferError{
		Code:        code,
		Message:     msg,
		Recoverable: code.Recoverable(),
		Timestamp:   time.Now(),
	}
}

// NewErrorf is NewError with formatting.
func NewErrorf(code ErrorCode, format string, args ...interface{}) *TransferError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// CodeOf extracts the taxonomy code from err, or ErrUnknown.
func CodeOf(err error) ErrorCode {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Code
	}
	return ErrUnknown
}

// IsRecoverable reports whether err may be retried with the same input.
// Errors outside the taxonomy are treated as non-recoverable.
func IsRecoverable(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Recoverable
	}
	return false
}
