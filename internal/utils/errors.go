package utils

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the correlation, scoring and refresh paths.
var (
	ErrSourceUnavailable       = errors.New("source unavailable")
	ErrCorrelationInputInvalid = errors.New("correlation input invalid")
	ErrGenerationFailed        = errors.New("generation failed")
	ErrScopeNotFound           = errors.New("scope not found")
	ErrNotYetAvailable         = errors.New("snapshot not yet available")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind error
	Err  error
}

func (e *AppError) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

func (e *AppError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// KindError constructs an AppError classified under one of the taxonomy sentinels,
// so callers can match it with errors.Is.
func KindError(kind error, op string, err error) error {
	return &AppError{Op: op, Kind: kind, Err: err}
}
