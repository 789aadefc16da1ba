// Package transport moves activations between pipeline peers over Arrow
// Flight. Each activation travels as one DoPut stream whose descriptor
// carries the request id, the producing shard and the decode state.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"

	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// Activation is one hop of a request through the pipeline. Shard is the
// shard that produced Tensor; Done marks a sampled end-of-sequence token.
type Activation struct {
	RequestID string
	Shard     shard.Shard
	State     string
	Done      bool
	Tensor    *tensor.Tensor
}

// Handler consumes activations arriving at a peer.
type Handler interface {
	HandleActivation(ctx context.Context, a Activation) error
}

type HandlerFunc func(ctx context.Context, a Activation) error

func (f HandlerFunc) HandleActivation(ctx context.Context, a Activation) error { return f(ctx, a) }

// Sender pushes activations to the next peer.
type Sender interface {
	Send(ctx context.Context, a Activation) error
	Close() error
}

type header struct {
	RequestID string      `json:"request_id"`
	Shard     shard.Shard `json:"shard"`
	State     string      `json:"state"`
	Done      bool        `json:"done,omitempty"`
}

func descriptor(a Activation) (*flight.FlightDescriptor, error) {
	cmd, err := json.Marshal(header{RequestID: a.RequestID, Shard: a.Shard, State: a.State, Done: a.Done})
	if err != nil {
		return nil, err
	}
	return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd}, nil
}

func parseDescriptor(d *flight.FlightDescriptor) (header, error) {
	var h header
	if d == nil || d.Type != flight.DescriptorCMD {
		return h, fmt.Errorf("activation stream has no command descriptor")
	}
	if err := json.Unmarshal(d.Cmd, &h); err != nil {
		return h, fmt.Errorf("invalid activation header: %w", err)
	}
	if h.RequestID == "" {
		return h, fmt.Errorf("activation header has no request id")
	}
	return h, h.Shard.Validate()
}
