// ffedit/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks bad caller input: missing source, malformed cut, unknown preset.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown job or media reference.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an illegal job transition.
	ErrInvalidState = errors.New("invalid state")
	// ErrEmptyOutput means the cuts consume the whole source.
	ErrEmptyOutput = errors.New("no content remains after cuts")
	// ErrExternalProcess is matched by every *ExternalProcessError.
	ErrExternalProcess = errors.New("external process failed")
)

func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func InvalidState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// ExternalProcessError wraps a transcoder or probe failure. Error() keeps the
// process output verbatim so the underlying cause is never hidden.
type ExternalProcessError struct {
	Err    error
	Output string
}

func (e *ExternalProcessError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, out)
}

func (e *ExternalProcessError) Unwrap() error { return e.Err }

func (e *ExternalProcessError) Is(target error) bool { return target == ErrExternalProcess }
