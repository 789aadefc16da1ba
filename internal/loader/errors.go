package loader

import (
	"errors"
	"fmt"
)

var (
	ErrUnresolvedModel    = errors.New("model could not be resolved")
	ErrUnimplementedModel = errors.New("model is not implemented")
)

// ModelError reports a model id the resolver could not turn into weights.
// Kind is ErrUnresolvedModel or ErrUnimplementedModel.
type ModelError struct {
	ModelID string
	Kind    error
	Reason  string
}

func (e *ModelError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.ModelID, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.ModelID, e.Kind, e.Reason)
}

func (e *ModelError) Unwrap() error { return e.Kind }
