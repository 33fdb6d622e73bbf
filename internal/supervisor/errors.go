package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks start requests rejected before any spawn attempt.
	ErrValidation = errors.New("validation failed")

	// ErrLaunch marks start requests where the OS refused to spawn the engine.
	ErrLaunch = errors.New("launch failed")
)

// OpError describes a failed supervisor operation.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func validationError(path, format string, args ...any) error {
	return &OpError{Op: "start", Path: path, Err: fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))}
}
