package domain

import "errors"

var (
	// ErrInvalidETA is returned when an eta is not a finite number.
	ErrInvalidETA = errors.New("eta must be a finite number of seconds")

	// ErrInvalidMaxRetries is returned when max_retries is not a non-negative integer.
	ErrInvalidMaxRetries = errors.New("max_retries must be a non-negative integer")

	// ErrInvalidOption is returned when a string option carries a non-string value.
	ErrInvalidOption = errors.New("invalid task option")
)
