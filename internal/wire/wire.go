// Package wire serializes activation tensors as Arrow records: one Float32
// column holding the row-major values, with the shape in schema metadata.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

const (
	ValuesField = "values"
	ShapeKey    = "shape"
)

// Record builds an Arrow record from t. Half-precision tensors are widened
// to Float32; Int8 tensors are rejected. The caller releases the record.
func Record(mem memory.Allocator, t *tensor.Tensor) (arrow.Record, error) {
	f, err := tensor.Upcast(t)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}

	md := arrow.NewMetadata([]string{ShapeKey}, []string{formatShape(f.Shape)})
	schema := arrow.NewSchema([]arrow.Field{
		{Name: ValuesField, Type: arrow.PrimitiveTypes.Float32},
	}, &md)

	b := array.NewFloat32Builder(mem)
	defer b.Release()
	b.AppendValues(f.F32, nil)
	col := b.NewArray()
	defer col.Release()

	return array.NewRecord(schema, []arrow.Array{col}, int64(col.Len())), nil
}

// FromRecord copies a record produced by Record back into a tensor.
func FromRecord(rec arrow.Record) (*tensor.Tensor, error) {
	schema := rec.Schema()
	if rec.NumCols() != 1 || schema.Field(0).Name != ValuesField {
		return nil, fmt.Errorf("wire: unexpected schema %v", schema)
	}
	col, ok := rec.Column(0).(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("wire: column type %v, want float32", rec.Column(0).DataType())
	}

	md := schema.Metadata()
	i := md.FindKey(ShapeKey)
	if i < 0 {
		return nil, fmt.Errorf("wire: record has no %q metadata", ShapeKey)
	}
	shape, err := parseShape(md.Values()[i])
	if err != nil {
		return nil, err
	}
	if tensor.NumElements(shape) != col.Len() {
		return nil, fmt.Errorf("wire: shape %v does not match %d values", shape, col.Len())
	}
	data := make([]float32, col.Len())
	copy(data, col.Float32Values())
	return tensor.New(shape, data), nil
}

// EncodeTensor writes t as a self-contained Arrow IPC stream.
func EncodeTensor(t *tensor.Tensor) ([]byte, error) {
	mem := memory.NewGoAllocator()
	rec, err := Record(mem, t)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("wire: write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wire: close stream: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTensor reads the first record of an Arrow IPC stream.
func DecodeTensor(data []byte) (*tensor.Tensor, error) {
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("wire: open stream: %w", err)
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("wire: read record: %w", err)
		}
		return nil, fmt.Errorf("wire: stream holds no record")
	}
	return FromRecord(r.Record())
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int, error) {
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("wire: invalid shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}
