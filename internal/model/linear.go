package model

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-shard/internal/cpu"
	"github.com/23skdu/longbow-shard/internal/partition"
	"github.com/23skdu/longbow-shard/internal/quant"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// linear is a (rows, cols) projection laid out across the mesh.
type linear struct {
	name       string
	w          *partition.Sharded
	rows, cols int
	// Set for int8 weights: the full replicated scale.
	scale     []float32
	scaleCols int
	blockSize int
}

func newLinear(w *partition.Weights, name string, rows, cols int) (*linear, error) {
	s, err := lookup(w, name, rows, cols)
	if err != nil {
		return nil, err
	}
	l := &linear{name: name, w: s, rows: rows, cols: cols}
	switch s.Slices[0].DType {
	case tensor.Float32:
	case tensor.Int8:
		sn := quant.ScaleName(name)
		ss, ok := w.Get(sn)
		if !ok {
			return nil, &WeightError{Name: sn, Want: []int{rows, -1}}
		}
		scale, err := ss.Gather()
		if err != nil {
			return nil, fmt.Errorf("gather %s: %w", sn, err)
		}
		if w.BlockSize <= 0 {
			return nil, fmt.Errorf("%s: int8 weight without a quant block size", name)
		}
		blocks := (cols + w.BlockSize - 1) / w.BlockSize
		if scale.Rank() != 2 || scale.Shape[0] != rows || scale.Shape[1] != blocks || scale.DType != tensor.Float32 {
			return nil, &WeightError{Name: sn, Want: []int{rows, blocks}, Got: scale.Shape}
		}
		l.scale = scale.F32
		l.scaleCols = blocks
		l.blockSize = w.BlockSize
	default:
		return nil, fmt.Errorf("%s: unsupported dtype %v", name, s.Slices[0].DType)
	}
	return l, nil
}

func lookup(w *partition.Weights, name string, want ...int) (*partition.Sharded, error) {
	s, ok := w.Get(name)
	if !ok {
		return nil, &WeightError{Name: name, Want: want}
	}
	if len(s.Shape) != len(want) {
		return nil, &WeightError{Name: name, Want: want, Got: s.Shape}
	}
	for i := range want {
		if s.Shape[i] != want[i] {
			return nil, &WeightError{Name: name, Want: want, Got: s.Shape}
		}
	}
	return s, nil
}

// matvec runs one device's slice: rows/cols are the slice dims, rowOff and
// colOff its position in the full matrix.
func (l *linear) matvec(out []float32, t *tensor.Tensor, x []float32, rowOff, colOff int) {
	rows, cols := t.Shape[0], t.Shape[1]
	if t.DType == tensor.Int8 {
		cpu.MatVecInt8(out, t.I8, rows, cols, x, cpu.Int8Block{
			Scale:     l.scale,
			ScaleCols: l.scaleCols,
			BlockSize: l.blockSize,
			RowOffset: rowOff,
			ColOffset: colOff,
		})
		return
	}
	cpu.MatVec(out, t.F32, rows, cols, x)
}

// forward computes out = W x. Row-split weights write disjoint ranges of
// out; column-split weights produce partial sums reduced in device order.
func (l *linear) forward(out, x []float32) {
	s := l.w
	if !s.Placement.Sharded {
		l.matvec(out, s.Slices[0], x, 0, 0)
		return
	}

	var g errgroup.Group
	if s.Axis == 0 {
		for i, t := range s.Slices {
			off := s.Offsets[i]
			g.Go(func() error {
				l.matvec(out[off:off+t.Shape[0]], t, x, off, 0)
				return nil
			})
		}
		g.Wait()
		return
	}

	partials := make([][]float32, len(s.Slices))
	for i, t := range s.Slices {
		off := s.Offsets[i]
		partials[i] = make([]float32, l.rows)
		g.Go(func() error {
			l.matvec(partials[i], t, x[off:off+t.Shape[1]], 0, off)
			return nil
		})
	}
	g.Wait()
	clear(out[:l.rows])
	for _, p := range partials {
		cpu.Add(out[:l.rows], p)
	}
}
