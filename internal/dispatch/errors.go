package dispatch

import "errors"

// ErrValidation marks bad input that must never be retried.
var ErrValidation = errors.New("validation failed")
