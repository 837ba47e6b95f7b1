// Package aerr classifies failures crossing the VAD / state-machine /
// playback boundary. Recoverable conditions are absorbed where they occur;
// fatal conditions surface as the call's Error state.
package aerr

import "errors"

var (
	// ErrRecoverable indicates a condition that is absorbed locally.
	// Examples: malformed server message, stale audio chunk, unknown event.
	ErrRecoverable = errors.New("recoverable error")

	// ErrFatal indicates a condition that ends the call.
	// Examples: transport down, capture or playback device unavailable.
	ErrFatal = errors.New("fatal error")
)

// IsRecoverable reports whether err should be absorbed rather than surfaced.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal reports whether err must surface as the Error state.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// ClassifiedError wraps an underlying error with its classification.
type ClassifiedError struct {
	Underlying error
	Fatal      bool
	Message    string
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Underlying.Error()
}

func (e *ClassifiedError) Unwrap() error {
	if e.Fatal {
		return ErrFatal
	}
	return ErrRecoverable
}

// Recoverable wraps an error as locally absorbable.
func Recoverable(underlying error, message string) error {
	return &ClassifiedError{Underlying: underlying, Message: message}
}

// Fatal wraps an error as call-ending.
func Fatal(underlying error, message string) error {
	return &ClassifiedError{Underlying: underlying, Fatal: true, Message: message}
}
