package domain

import "errors"

var (
	// ErrValidation marks a malformed event or request. Nothing is mutated.
	ErrValidation = errors.New("validation error")

	// ErrPriceUnavailable marks a call aborted because a required price was
	// missing from the market snapshot. Nothing is mutated.
	ErrPriceUnavailable = errors.New("price unavailable")
)
