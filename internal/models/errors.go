package models

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react to it without parsing messages.
type Kind string

const (
	// ValidationError is a missing or malformed request field
	ValidationError Kind = "ValidationError"
	// MalformedAffineError is an affine that is not 4x4 or not invertible
	MalformedAffineError Kind = "MalformedAffineError"
	// DegenerateVolumeError is a volume with a flat intensity range
	DegenerateVolumeError Kind = "DegenerateVolumeError"
	// ModelNotFoundError is a model name that resolves to no artifacts
	ModelNotFoundError Kind = "ModelNotFoundError"
	// DecodeError is a corrupt base64 or binary payload
	DecodeError Kind = "DecodeError"
	// InferenceError is a model that failed or returned a mismatched shape
	InferenceError Kind = "InferenceError"
	// InternalError is anything not covered above
	InternalError Kind = "InternalError"
)

// Sentinels usable with errors.Is.
var (
	ErrValidation       = &Error{Kind: ValidationError}
	ErrMalformedAffine  = &Error{Kind: MalformedAffineError}
	ErrDegenerateVolume = &Error{Kind: DegenerateVolumeError}
	ErrModelNotFound    = &Error{Kind: ModelNotFoundError}
	ErrDecode           = &Error{Kind: DecodeError}
	ErrInference        = &Error{Kind: InferenceError}
)

// Error is a classified failure of the segmentation pipeline.
//
// The underlying error (if any) can be accessed via errors.Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// NewError builds a classified error
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Errorf builds a classified error with a formatted message
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels above work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in the chain,
// or InternalError when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}
