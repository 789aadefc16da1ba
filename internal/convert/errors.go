package convert

import (
	"errors"
	"fmt"
)

// ErrUnsupportedLayout is returned when a fused or head-permuted tensor
// cannot be split evenly by the declared head counts.
var ErrUnsupportedLayout = errors.New("unsupported checkpoint layout")

type LayoutError struct {
	Name   string
	Shape  []int
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("%s: %s %v: %s", ErrUnsupportedLayout, e.Name, e.Shape, e.Reason)
}

func (e *LayoutError) Unwrap() error { return ErrUnsupportedLayout }
