// Package tensor holds the dense host tensor shared by the checkpoint,
// conversion, partition and model packages.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
	Int8
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "F32"
	case Float16:
		return "F16"
	case BFloat16:
		return "BF16"
	case Int8:
		return "I8"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size is the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float16, BFloat16:
		return 2
	case Int8:
		return 1
	default:
		return 0
	}
}

// ParseDType maps a safetensors dtype tag.
func ParseDType(s string) (DType, error) {
	switch s {
	case "F32":
		return Float32, nil
	case "F16":
		return Float16, nil
	case "BF16":
		return BFloat16, nil
	case "I8":
		return Int8, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", s)
	}
}

// Tensor is a row-major host tensor. Exactly one backing slice is populated:
// F32 for Float32, Half (little-endian bit patterns) for Float16/BFloat16,
// I8 for Int8.
type Tensor struct {
	DType DType
	Shape []int
	F32   []float32
	Half  []uint16
	I8    []int8
}

func New(shape []int, data []float32) *Tensor {
	return &Tensor{DType: Float32, Shape: slices.Clone(shape), F32: data}
}

func Zeros(shape ...int) *Tensor {
	return New(shape, make([]float32, NumElements(shape)))
}

func NewInt8(shape []int, data []int8) *Tensor {
	return &Tensor{DType: Int8, Shape: slices.Clone(shape), I8: data}
}

func NewHalf(dtype DType, shape []int, bits []uint16) *Tensor {
	return &Tensor{DType: dtype, Shape: slices.Clone(shape), Half: bits}
}

// FromBytes builds a tensor from little-endian raw storage.
func FromBytes(dtype DType, shape []int, raw []byte) (*Tensor, error) {
	n := NumElements(shape)
	if len(raw) != n*dtype.Size() {
		return nil, fmt.Errorf("tensor %v %v: have %d bytes, want %d", dtype, shape, len(raw), n*dtype.Size())
	}
	switch dtype {
	case Float32:
		data := make([]float32, n)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return New(shape, data), nil
	case Float16, BFloat16:
		bits := make([]uint16, n)
		for i := range bits {
			bits[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
		return NewHalf(dtype, shape, bits), nil
	case Int8:
		data := make([]int8, n)
		for i, b := range raw {
			data[i] = int8(b)
		}
		return NewInt8(shape, data), nil
	}
	return nil, fmt.Errorf("unsupported dtype %v", dtype)
}

// Bytes returns the little-endian raw storage.
func (t *Tensor) Bytes() []byte {
	n := t.Len()
	out := make([]byte, n*t.DType.Size())
	switch t.DType {
	case Float32:
		for i, v := range t.F32 {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case Float16, BFloat16:
		for i, v := range t.Half {
			binary.LittleEndian.PutUint16(out[i*2:], v)
		}
	case Int8:
		for i, v := range t.I8 {
			out[i] = byte(v)
		}
	}
	return out
}

func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Len() int  { return NumElements(t.Shape) }
func (t *Tensor) Rank() int { return len(t.Shape) }

// NBytes is the size of the backing storage.
func (t *Tensor) NBytes() int64 { return int64(t.Len() * t.DType.Size()) }

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %v)", t.DType, t.Shape)
}

// NormAxis resolves a possibly negative axis against rank.
func NormAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		DType: t.DType,
		Shape: slices.Clone(t.Shape),
		F32:   slices.Clone(t.F32),
		Half:  slices.Clone(t.Half),
		I8:    slices.Clone(t.I8),
	}
}

// Reshape returns a view with a new shape over the same storage.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if NumElements(shape) != t.Len() {
		return nil, fmt.Errorf("cannot reshape %v to %v", t.Shape, shape)
	}
	return &Tensor{DType: t.DType, Shape: slices.Clone(shape), F32: t.F32, Half: t.Half, I8: t.I8}, nil
}

// Equal reports bit-identical dtype, shape and contents.
func Equal(a, b *Tensor) bool {
	if a.DType != b.DType || !slices.Equal(a.Shape, b.Shape) {
		return false
	}
	switch a.DType {
	case Float32:
		if len(a.F32) != len(b.F32) {
			return false
		}
		for i := range a.F32 {
			if math.Float32bits(a.F32[i]) != math.Float32bits(b.F32[i]) {
				return false
			}
		}
		return true
	case Float16, BFloat16:
		return slices.Equal(a.Half, b.Half)
	case Int8:
		return slices.Equal(a.I8, b.I8)
	}
	return false
}

// Upcast returns a Float32 copy of a Float16/BFloat16 tensor. Float32 tensors
// are returned as is; Int8 is rejected since it needs a scale.
func Upcast(t *Tensor) (*Tensor, error) {
	switch t.DType {
	case Float32:
		return t, nil
	case Float16:
		out := make([]float32, len(t.Half))
		for i, b := range t.Half {
			out[i] = float16.Frombits(b).Float32()
		}
		return New(t.Shape, out), nil
	case BFloat16:
		raw := make([]byte, 2*len(t.Half))
		for i, b := range t.Half {
			binary.LittleEndian.PutUint16(raw[i*2:], b)
		}
		return New(t.Shape, bfloat16.DecodeFloat32(raw)), nil
	}
	return nil, fmt.Errorf("cannot upcast %v", t.DType)
}

// Downcast encodes a Float32 tensor as Float16 or BFloat16.
func Downcast(t *Tensor, dtype DType) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("downcast needs F32 input, got %v", t.DType)
	}
	bits := make([]uint16, len(t.F32))
	switch dtype {
	case Float16:
		for i, v := range t.F32 {
			bits[i] = float16.Fromfloat32(v).Bits()
		}
	case BFloat16:
		raw := bfloat16.EncodeFloat32(t.F32)
		for i := range bits {
			bits[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
	default:
		return nil, fmt.Errorf("cannot downcast to %v", dtype)
	}
	return NewHalf(dtype, t.Shape, bits), nil
}
