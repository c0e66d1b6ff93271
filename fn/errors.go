package fn

import (
	"errors"

	goerrors "github.com/go-errors/errors"
)

// CriticalError is an error type that should be used for errors that are
// critical and should cause the application to exit. These are logic errors,
// never transient ones, so callers must not retry them.
type CriticalError struct {
	Err error

	// stack is the stack trace captured when the error was created.
	stack *goerrors.Error
}

// NewCriticalError creates a new CriticalError instance and captures the
// stack trace of the caller.
func NewCriticalError(err error) *CriticalError {
	return &CriticalError{
		Err:   err,
		stack: goerrors.Wrap(err, 1),
	}
}

// Error implements the error interface.
func (e *CriticalError) Error() string {
	return e.Err.Error()
}

// Unwrap implements the errors.Wrapper interface.
func (e *CriticalError) Unwrap() error {
	return e.Err
}

// Stack returns the formatted stack trace of the point the error was created
// at, or an empty string if none was captured.
func (e *CriticalError) Stack() string {
	if e.stack == nil {
		return ""
	}

	return string(e.stack.Stack())
}

// IsCritical returns true if err or any error it wraps is a CriticalError.
func IsCritical(err error) bool {
	return ErrorAs[*CriticalError](err)
}

// ErrorAs behaves the same as `errors.As` except there's no need to declare
// the target error as a variable first.
func ErrorAs[Target error](err error) bool {
	var targetErr Target

	return errors.As(err, &targetErr)
}
