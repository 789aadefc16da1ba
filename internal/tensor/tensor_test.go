package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestConcat(t *testing.T) {
	a := New([]int{2, 2}, []float32{1, 2, 3, 4})
	b := New([]int{2, 1}, []float32{5, 6})

	got, err := Concat(1, a, b)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	want := New([]int{2, 3}, []float32{1, 2, 5, 3, 4, 6})
	if !Equal(got, want) {
		t.Errorf("axis 1: got %v %v, want %v", got.Shape, got.F32, want.F32)
	}

	c := New([]int{1, 2}, []float32{7, 8})
	got, err = Concat(0, a, c)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 7, 8}, got.F32); diff != "" {
		t.Errorf("axis 0 mismatch (-want +got):\n%s", diff)
	}

	if _, err := Concat(0, a, b); err == nil {
		t.Error("expected shape mismatch error")
	}
	if _, err := Concat(0, a, NewInt8([]int{1, 2}, []int8{1, 2})); err == nil {
		t.Error("expected dtype mismatch error")
	}
	if _, err := Concat(2, a); err == nil {
		t.Error("expected axis range error")
	}
}

func TestSplitRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		axis  int
		n     int
	}{
		{"rows even", []int{4, 3}, 0, 2},
		{"rows uneven", []int{5, 3}, 0, 3},
		{"cols uneven", []int{3, 7}, -1, 4},
		{"3d middle", []int{2, 5, 3}, 1, 2},
		{"single", []int{6}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := New(tt.shape, seq(NumElements(tt.shape)))
			parts, err := Split(orig, tt.axis, tt.n)
			if err != nil {
				t.Fatalf("Split: %v", err)
			}
			if len(parts) != tt.n {
				t.Fatalf("got %d parts", len(parts))
			}
			back, err := Concat(tt.axis, parts...)
			if err != nil {
				t.Fatalf("Concat: %v", err)
			}
			if !Equal(orig, back) {
				t.Errorf("round trip mismatch: %v vs %v", orig.F32, back.F32)
			}
		})
	}
}

func TestSplitSizes(t *testing.T) {
	if diff := cmp.Diff([]int{3, 2, 2}, SplitSizes(7, 3)); diff != "" {
		t.Errorf("SplitSizes(7,3) (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 2}, SplitSizes(4, 2)); diff != "" {
		t.Errorf("SplitSizes(4,2) (-want +got):\n%s", diff)
	}
}

func TestSplitErrors(t *testing.T) {
	x := New([]int{2, 3}, seq(6))
	if _, err := Split(x, 0, 3); err == nil {
		t.Error("expected error splitting 2 rows into 3")
	}
	if _, err := SplitAt(x, 1, []int{1, 1}); err == nil {
		t.Error("expected error for sizes not covering the axis")
	}
}

func TestSplitAtInt8(t *testing.T) {
	x := NewInt8([]int{2, 4}, []int8{1, 2, 3, 4, 5, 6, 7, 8})
	parts, err := SplitAt(x, 1, []int{1, 3})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int8{1, 5}, parts[0].I8); diff != "" {
		t.Errorf("first part (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int8{2, 3, 4, 6, 7, 8}, parts[1].I8); diff != "" {
		t.Errorf("second part (-want +got):\n%s", diff)
	}
}

func TestHalfRoundTrip(t *testing.T) {
	src := New([]int{4}, []float32{1.5, -2, 0.25, 0})
	for _, dt := range []DType{Float16, BFloat16} {
		t.Run(dt.String(), func(t *testing.T) {
			h, err := Downcast(src, dt)
			if err != nil {
				t.Fatal(err)
			}
			if h.DType != dt || h.NBytes() != 8 {
				t.Fatalf("unexpected half tensor %v (%d bytes)", h, h.NBytes())
			}
			back, err := Upcast(h)
			if err != nil {
				t.Fatal(err)
			}
			if !Equal(src, back) {
				t.Errorf("got %v, want %v", back.F32, src.F32)
			}
		})
	}
	if _, err := Upcast(NewInt8([]int{1}, []int8{1})); err == nil {
		t.Error("expected error upcasting int8")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	cases := []*Tensor{
		New([]int{2, 2}, []float32{1, -1, 3.25, 1e-3}),
		NewInt8([]int{3}, []int8{-128, 0, 127}),
		NewHalf(BFloat16, []int{2}, []uint16{0x3f80, 0xc000}),
	}
	for _, c := range cases {
		back, err := FromBytes(c.DType, c.Shape, c.Bytes())
		if err != nil {
			t.Fatalf("%v: %v", c, err)
		}
		if !Equal(c, back) {
			t.Errorf("%v: bytes round trip mismatch", c)
		}
	}
	if _, err := FromBytes(Float32, []int{2}, []byte{1, 2, 3}); err == nil {
		t.Error("expected short buffer error")
	}
}

func TestReshapeAndClone(t *testing.T) {
	x := New([]int{2, 3}, seq(6))
	r, err := x.Reshape(3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if r.Shape[0] != 3 || &r.F32[0] != &x.F32[0] {
		t.Error("reshape should be a view")
	}
	if _, err := x.Reshape(4, 2); err == nil {
		t.Error("expected reshape error")
	}

	c := x.Clone()
	c.F32[0] = 42
	if x.F32[0] == 42 {
		t.Error("clone shares storage")
	}
	if diff := cmp.Diff([]float32{3, 4, 5}, x.Rows(1)); diff != "" {
		t.Errorf("Rows(1) (-want +got):\n%s", diff)
	}
}

func TestParseDType(t *testing.T) {
	for _, s := range []string{"F32", "F16", "BF16", "I8"} {
		d, err := ParseDType(s)
		if err != nil || d.String() != s {
			t.Errorf("ParseDType(%q) = %v, %v", s, d, err)
		}
	}
	if _, err := ParseDType("F64"); err == nil {
		t.Error("expected error for F64")
	}
}
