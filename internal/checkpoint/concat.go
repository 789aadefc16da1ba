package checkpoint

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

// ConcatAxis is the axis part tensors named name are joined on. Attention
// output and feed-forward down projections were split on their input
// dimension in the training layout.
func ConcatAxis(name string) int {
	if strings.HasSuffix(name, ".attention.wo.weight") || strings.HasSuffix(name, ".feed_forward.w2.weight") {
		return 1
	}
	return 0
}

// ConcatParts merges the mappings of a multi-part checkpoint. 1-D tensors
// (norms) are whole in every part and come from part 0.
func ConcatParts(parts []Mapping) (Mapping, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat: no parts")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}

	out := make(Mapping)
	for _, part := range parts {
		for name := range part {
			if _, done := out[name]; done {
				continue
			}
			first, ok := parts[0][name]
			if !ok {
				return nil, fmt.Errorf("concat: tensor %s missing from part 0", name)
			}
			if first.Rank() == 1 {
				out[name] = first
				continue
			}
			ts := make([]*tensor.Tensor, len(parts))
			for i, p := range parts {
				t, ok := p[name]
				if !ok {
					return nil, fmt.Errorf("concat: tensor %s missing from part %d", name, i)
				}
				ts[i] = t
			}
			joined, err := tensor.Concat(ConcatAxis(name), ts...)
			if err != nil {
				return nil, fmt.Errorf("concat %s: %w", name, err)
			}
			out[name] = joined
		}
	}
	return out, nil
}
