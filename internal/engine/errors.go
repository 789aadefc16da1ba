package engine

import "errors"

var (
	// ErrStaleState is returned when a state blob points past what the
	// request's session holds. The caller has to restart the sequence.
	ErrStaleState  = errors.New("decode state is ahead of the session cache")
	ErrEmptyPrompt = errors.New("prompt encodes to no tokens")
	ErrBadInput    = errors.New("invalid decode input")
)
