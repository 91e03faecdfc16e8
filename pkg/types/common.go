package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ID represents a node identifier
type ID string

// NewID generates a new ID from a string
func NewID(s string) ID {
	return ID(s)
}

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// GenerateID returns a random hex identifier built from n bytes of entropy.
// The result is 2*n characters wide.
func GenerateID(n int) ID {
	if n <= 0 {
		n = 2
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err == nil {
		return ID(hex.EncodeToString(b))
	}
	// crypto/rand does not fail on supported platforms; keep a usable value anyway
	ts := time.Now().UnixNano()
	for i := range b {
		b[i] = byte(ts >> (8 * (i % 8)))
	}
	return ID(hex.EncodeToString(b))
}

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error, or any error it wraps, has a specific error code
func IsErrCode(err error, code string) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode returns the error code of the outermost *Error in the chain
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeInvalid         = "INVALID"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeSetupFailed     = "SETUP_FAILED"
	ErrCodeNoActivePairing = "NO_ACTIVE_PAIRING"
	ErrCodeInternal        = "INTERNAL"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeCanceled        = "CANCELED"
)
