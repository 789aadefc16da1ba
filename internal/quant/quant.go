// Package quant rewrites linear-layer weights as int8 values plus per-block
// float32 scales.
package quant

import (
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-shard/internal/checkpoint"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// ScaleName is the companion scale tensor of a quantized weight.
func ScaleName(weight string) string {
	return strings.TrimSuffix(weight, ".weight") + ".scale"
}

// Eligible reports whether a tensor is a linear-layer weight that gets
// quantized.
func Eligible(name string, t *tensor.Tensor) bool {
	if t.Rank() != 2 || t.DType != tensor.Float32 || !strings.HasSuffix(name, ".weight") {
		return false
	}
	return strings.Contains(name, ".attention.w") || strings.Contains(name, ".feed_forward.w")
}

// Quantize replaces every eligible weight with an I8 tensor and adds its
// (rows, ceil(cols/blockSize)) F32 scale. Other tensors pass through.
func Quantize(m checkpoint.Mapping, blockSize int) (checkpoint.Mapping, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("quantize: invalid block size %d", blockSize)
	}
	out := make(checkpoint.Mapping, len(m))
	for name, t := range m {
		if !Eligible(name, t) {
			out[name] = t
			continue
		}
		if _, clash := m[ScaleName(name)]; clash {
			return nil, fmt.Errorf("quantize %s: %s already present", name, ScaleName(name))
		}
		q, s := quantizeBlocks(t, blockSize)
		out[name] = q
		out[ScaleName(name)] = s
	}
	return out, nil
}

func quantizeBlocks(t *tensor.Tensor, blockSize int) (*tensor.Tensor, *tensor.Tensor) {
	rows, cols := t.Shape[0], t.Shape[1]
	blocks := (cols + blockSize - 1) / blockSize
	q := make([]int8, rows*cols)
	scales := make([]float32, rows*blocks)

	for r := 0; r < rows; r++ {
		row := t.F32[r*cols : (r+1)*cols]
		for b := 0; b < blocks; b++ {
			lo, hi := b*blockSize, min((b+1)*blockSize, cols)
			var amax float32
			for _, v := range row[lo:hi] {
				amax = max(amax, float32(math.Abs(float64(v))))
			}
			scale := amax / 127
			scales[r*blocks+b] = scale
			if scale == 0 {
				continue
			}
			for c := lo; c < hi; c++ {
				v := math.Round(float64(row[c] / scale))
				q[r*cols+c] = int8(max(-127, min(127, v)))
			}
		}
	}
	return tensor.NewInt8([]int{rows, cols}, q), tensor.New([]int{rows, blocks}, scales)
}

// Dequantize expands an I8 weight back to F32.
func Dequantize(q, scale *tensor.Tensor, blockSize int) (*tensor.Tensor, error) {
	if q.DType != tensor.Int8 || q.Rank() != 2 {
		return nil, fmt.Errorf("dequantize: want 2-D I8, got %v", q)
	}
	rows, cols := q.Shape[0], q.Shape[1]
	blocks := (cols + blockSize - 1) / blockSize
	if scale.Rank() != 2 || scale.Shape[0] != rows || scale.Shape[1] != blocks {
		return nil, fmt.Errorf("dequantize: scale %v does not match weight %v with block %d", scale.Shape, q.Shape, blockSize)
	}
	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r*cols+c] = float32(q.I8[r*cols+c]) * scale.F32[r*blocks+c/blockSize]
		}
	}
	return tensor.New(q.Shape, out), nil
}
