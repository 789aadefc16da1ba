package tensor

import (
	"fmt"
	"slices"
)

// Concat joins tensors of one dtype along axis. All other dims must agree.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat: no tensors")
	}
	first := ts[0]
	ax, err := NormAxis(axis, first.Rank())
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	shape := slices.Clone(first.Shape)
	shape[ax] = 0
	for i, t := range ts {
		if t.DType != first.DType {
			return nil, fmt.Errorf("concat: part %d dtype %v, want %v", i, t.DType, first.DType)
		}
		if t.Rank() != first.Rank() {
			return nil, fmt.Errorf("concat: part %d rank %d, want %d", i, t.Rank(), first.Rank())
		}
		for d := range t.Shape {
			if d != ax && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("concat: part %d shape %v incompatible with %v on axis %d", i, t.Shape, first.Shape, ax)
			}
		}
		shape[ax] += t.Shape[ax]
	}

	outer := NumElements(first.Shape[:ax])
	out := &Tensor{DType: first.DType, Shape: shape}
	switch first.DType {
	case Float32:
		out.F32 = concatRows(outer, ts, func(t *Tensor) []float32 { return t.F32 })
	case Float16, BFloat16:
		out.Half = concatRows(outer, ts, func(t *Tensor) []uint16 { return t.Half })
	case Int8:
		out.I8 = concatRows(outer, ts, func(t *Tensor) []int8 { return t.I8 })
	}
	return out, nil
}

func concatRows[E any](outer int, ts []*Tensor, data func(*Tensor) []E) []E {
	total := 0
	for _, t := range ts {
		total += t.Len()
	}
	out := make([]E, 0, total)
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			chunk := t.Len() / outer
			out = append(out, data(t)[o*chunk:(o+1)*chunk]...)
		}
	}
	return out
}

// SplitSizes divides size into n near-equal parts; the first size%n parts get
// one extra element.
func SplitSizes(size, n int) []int {
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = size / n
		if i < size%n {
			sizes[i]++
		}
	}
	return sizes
}

// Split cuts t into n near-equal slices along axis.
func Split(t *Tensor, axis, n int) ([]*Tensor, error) {
	ax, err := NormAxis(axis, t.Rank())
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if n <= 0 || t.Shape[ax] < n {
		return nil, fmt.Errorf("split: axis %d of %v cannot be cut into %d slices", ax, t.Shape, n)
	}
	return SplitAt(t, ax, SplitSizes(t.Shape[ax], n))
}

// SplitAt cuts t along axis into slices of the given sizes, which must sum
// to the axis length.
func SplitAt(t *Tensor, axis int, sizes []int) ([]*Tensor, error) {
	ax, err := NormAxis(axis, t.Rank())
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	sum := 0
	for _, s := range sizes {
		if s < 0 {
			return nil, fmt.Errorf("split: negative size %d", s)
		}
		sum += s
	}
	if sum != t.Shape[ax] {
		return nil, fmt.Errorf("split: sizes %v do not cover axis %d of %v", sizes, ax, t.Shape)
	}

	outer := NumElements(t.Shape[:ax])
	tail := NumElements(t.Shape[ax+1:])
	out := make([]*Tensor, len(sizes))
	offset := 0
	for i, s := range sizes {
		shape := slices.Clone(t.Shape)
		shape[ax] = s
		part := &Tensor{DType: t.DType, Shape: shape}
		switch t.DType {
		case Float32:
			part.F32 = sliceRows(t.F32, outer, t.Shape[ax]*tail, offset*tail, s*tail)
		case Float16, BFloat16:
			part.Half = sliceRows(t.Half, outer, t.Shape[ax]*tail, offset*tail, s*tail)
		case Int8:
			part.I8 = sliceRows(t.I8, outer, t.Shape[ax]*tail, offset*tail, s*tail)
		}
		out[i] = part
		offset += s
	}
	return out, nil
}

// sliceRows copies [start, start+width) out of each stride-long row.
func sliceRows[E any](data []E, outer, stride, start, width int) []E {
	out := make([]E, 0, outer*width)
	for o := 0; o < outer; o++ {
		base := o * stride
		out = append(out, data[base+start:base+start+width]...)
	}
	return out
}

// Rows returns row r of a 2-D Float32 tensor without copying.
func (t *Tensor) Rows(r int) []float32 {
	cols := t.Shape[len(t.Shape)-1]
	return t.F32[r*cols : (r+1)*cols]
}
