package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")

	// Campaign input errors. A campaign rejected with one of these never sends.
	ErrEmptyTargetSet           = errors.New("empty target set")
	ErrMissingRequiredParameter = errors.New("missing required parameter")
	ErrTemplateNotFound         = errors.New("template not found")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsInputError reports whether err rejects a campaign before any send.
func IsInputError(err error) bool {
	return errors.Is(err, ErrEmptyTargetSet) ||
		errors.Is(err, ErrMissingRequiredParameter) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrValidation)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
