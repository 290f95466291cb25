package record

import "errors"

var (
	ErrValidation = errors.New("record: validation failed")
	ErrNotFound   = errors.New("record: intent not found")
	ErrTerminal   = errors.New("record: intent is already sent or failed")
	ErrNotLater   = errors.New("record: new schedule is not later than the current one")
	ErrStorage    = errors.New("record: storage failure")
)

// ValidationError describes a rejected field. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
