package model

import (
	"errors"
	"fmt"
)

var (
	ErrDetectorTimeout    = errors.New("detector timeout")
	ErrPersistence        = errors.New("persistence failure")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNotFound           = errors.New("not found")
)

// ErrInvalidTransition is an invariant violation raised by the session and incident
// state machines.
var ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrInvariantViolation)
