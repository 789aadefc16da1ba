package partition

import (
	"fmt"
	"slices"

	"github.com/23skdu/longbow-shard/internal/checkpoint"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// Sharded is one weight laid out across a mesh. Replicated weights share a
// single tensor across all devices.
type Sharded struct {
	Name      string
	Placement Placement
	// Axis is the normalized split axis; meaningful only when sharded.
	Axis  int
	Shape []int
	// Slices holds one tensor per device in mesh order.
	Slices []*tensor.Tensor
	// Offsets is the start index of each slice along Axis.
	Offsets []int
}

// Gather reassembles the full tensor from its slices.
func (s *Sharded) Gather() (*tensor.Tensor, error) {
	if !s.Placement.Sharded {
		return s.Slices[0], nil
	}
	return tensor.Concat(s.Axis, s.Slices...)
}

// Weights is a partition-applied weight set.
type Weights struct {
	Mesh    Mesh
	Tensors map[string]*Sharded
	// BlockSize is the column width each int8 scale covers. Zero when no
	// weight is quantized.
	BlockSize int
}

func (w *Weights) Get(name string) (*Sharded, bool) {
	s, ok := w.Tensors[name]
	return s, ok
}

// NBytes counts each distinct slice once.
func (w *Weights) NBytes() int64 {
	var n int64
	for _, s := range w.Tensors {
		if !s.Placement.Sharded {
			n += s.Slices[0].NBytes()
			continue
		}
		for _, t := range s.Slices {
			n += t.NBytes()
		}
	}
	return n
}

// Apply materializes plan over mesh. Every tensor must have a placement.
func Apply(m checkpoint.Mapping, plan Plan, mesh Mesh) (*Weights, error) {
	n := mesh.Len()
	if n == 0 {
		return nil, fmt.Errorf("apply: empty mesh")
	}
	w := &Weights{Mesh: mesh, Tensors: make(map[string]*Sharded, len(m))}
	for name, t := range m {
		p, ok := plan[name]
		if !ok {
			return nil, fmt.Errorf("apply: no placement for %s", name)
		}
		s := &Sharded{Name: name, Placement: p, Shape: slices.Clone(t.Shape)}
		if !p.Sharded {
			s.Slices = make([]*tensor.Tensor, n)
			for i := range s.Slices {
				s.Slices[i] = t
			}
			w.Tensors[name] = s
			continue
		}

		ax, err := tensor.NormAxis(p.Axis, t.Rank())
		if err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
		if t.Shape[ax] < n {
			return nil, fmt.Errorf("apply %s: axis %d of %v is shorter than the %d-device mesh", name, ax, t.Shape, n)
		}
		parts, err := tensor.Split(t, ax, n)
		if err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
		s.Axis = ax
		s.Slices = parts
		s.Offsets = make([]int, n)
		off := 0
		for i, part := range parts {
			s.Offsets[i] = off
			off += part.Shape[ax]
		}
		w.Tensors[name] = s
	}
	return w, nil
}
