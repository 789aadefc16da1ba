package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

// readTorch reads a PyTorch state dict. Float storages are decoded to F32 by
// the pickle reader regardless of the on-disk precision.
func readTorch(path string) (Mapping, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, formatErr(path, "torch load: %v", err)
	}

	m := make(Mapping)
	add := func(k, v interface{}) error {
		name, ok := k.(string)
		if !ok {
			return formatErr(path, "non-string key %v", k)
		}
		tt, ok := v.(*pytorch.Tensor)
		if !ok {
			// Non-tensor entries (versions, buffers metadata) are not weights.
			return nil
		}
		t, err := torchTensor(tt)
		if err != nil {
			return formatErr(path, "tensor %s: %v", name, err)
		}
		m[name] = t
		return nil
	}

	switch d := pt.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if err := add(k, d.MustGet(k)); err != nil {
				return nil, err
			}
		}
	case *types.OrderedDict:
		for k, e := range d.Map {
			if err := add(k, e.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, formatErr(path, "unexpected top-level object %T", pt)
	}
	return m, nil
}

func torchTensor(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	var data []float32
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	default:
		return nil, fmt.Errorf("unsupported storage %T", pt.Source)
	}

	shape := append([]int(nil), pt.Size...)
	if !contiguous(shape, pt.Stride) {
		return nil, fmt.Errorf("non-contiguous tensor shape %v stride %v", shape, pt.Stride)
	}
	n := tensor.NumElements(shape)
	if pt.StorageOffset+n > len(data) {
		return nil, fmt.Errorf("storage holds %d values, need %d at offset %d", len(data), n, pt.StorageOffset)
	}
	out := make([]float32, n)
	copy(out, data[pt.StorageOffset:pt.StorageOffset+n])
	return tensor.New(shape, out), nil
}

func contiguous(shape, stride []int) bool {
	if len(stride) != len(shape) {
		return len(stride) == 0
	}
	want := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 && stride[i] != want {
			return false
		}
		want *= shape[i]
	}
	return true
}
