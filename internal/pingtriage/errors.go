package pingtriage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrCorruptState   = errors.New("corrupt state")
	ErrIOFailure      = errors.New("io failure")
	ErrValidation     = errors.New("validation failed")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// ValidationError reports the first analysis field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func corruptStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptState, fmt.Sprintf(format, args...))
}

func ioFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIOFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, op, err)
}
