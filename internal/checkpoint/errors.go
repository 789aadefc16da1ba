package checkpoint

import (
	"errors"
	"fmt"
)

// ErrCheckpointFormat is returned when nothing at a path is a checkpoint
// container this package can read.
var ErrCheckpointFormat = errors.New("unrecognized checkpoint format")

type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrCheckpointFormat, e.Path, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrCheckpointFormat }

func formatErr(path, format string, args ...interface{}) error {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
