package schema

import (
	"errors"
	"fmt"
)

// Error is a validation failure. Its message is returned to remote callers
// unchanged.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is, or wraps, a validation failure.
func IsValidationError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
