package model

import (
	"errors"
	"fmt"
)

// ErrWeightMismatch is returned when a weight the architecture needs is
// missing or has the wrong shape.
var ErrWeightMismatch = errors.New("weight mismatch")

// ErrPosition is returned when a step's position is not next to the cache.
var ErrPosition = errors.New("position outside cache")

// WeightError names the offending tensor. Got is nil when it is missing.
type WeightError struct {
	Name string
	Want []int
	Got  []int
}

func (e *WeightError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("%s: %s missing (want shape %v)", ErrWeightMismatch, e.Name, e.Want)
	}
	return fmt.Sprintf("%s: %s has shape %v, want %v", ErrWeightMismatch, e.Name, e.Got, e.Want)
}

func (e *WeightError) Unwrap() error { return ErrWeightMismatch }
