// Package partition decides, per weight tensor, how it is laid out across a
// device mesh and materializes the per-device slices.
//
// The policy keeps the model's math decomposable: a tensor split along axis
// a produces per-device partial results that are recombined along a (by
// concatenation for output dimensions, by summation for input dimensions),
// reconstructing the single-device result.
package partition

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-shard/internal/checkpoint"
)

// Mesh is an ordered, non-empty list of unique device ids.
type Mesh struct {
	devices []string
}

func NewMesh(devices ...string) (Mesh, error) {
	if len(devices) == 0 {
		return Mesh{}, fmt.Errorf("mesh: no devices")
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d == "" {
			return Mesh{}, fmt.Errorf("mesh: empty device id")
		}
		if seen[d] {
			return Mesh{}, fmt.Errorf("mesh: duplicate device %q", d)
		}
		seen[d] = true
	}
	return Mesh{devices: append([]string(nil), devices...)}, nil
}

func (m Mesh) Len() int { return len(m.devices) }

func (m Mesh) Devices() []string { return append([]string(nil), m.devices...) }

func (m Mesh) String() string { return strings.Join(m.devices, ",") }

// Placement is a tensor's layout: replicated on every device, or split
// along Axis (negative counts from the end).
type Placement struct {
	Sharded bool
	Axis    int
}

var Replicate = Placement{}

func SplitOn(axis int) Placement { return Placement{Sharded: true, Axis: axis} }

func (p Placement) String() string {
	if !p.Sharded {
		return "replicate"
	}
	return fmt.Sprintf("axis %d", p.Axis)
}

// Classify applies the placement policy to one tensor name. Rules are
// checked in order and the first match wins.
func Classify(name string) Placement {
	switch {
	case strings.Contains(name, "scale"):
		return Replicate
	case strings.Contains(name, ".attention."):
		return SplitOn(-1)
	case strings.Contains(name, ".feed_forward.w1.") || strings.Contains(name, ".feed_forward.w3."):
		return SplitOn(0)
	case strings.Contains(name, ".feed_forward."):
		return SplitOn(-1)
	case strings.Contains(name, "tok_embeddings.weight"):
		return SplitOn(0)
	case strings.Contains(name, "output.weight"):
		return SplitOn(0)
	default:
		return Replicate
	}
}

// Plan maps tensor names to placements.
type Plan map[string]Placement

// MakePlan classifies every tensor in m. A single-device mesh replicates
// everything.
func MakePlan(m checkpoint.Mapping, mesh Mesh) Plan {
	plan := make(Plan, len(m))
	for name := range m {
		if mesh.Len() == 1 {
			plan[name] = Replicate
			continue
		}
		plan[name] = Classify(name)
	}
	return plan
}
