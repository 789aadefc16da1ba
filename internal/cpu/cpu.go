// Package cpu holds the host kernels the model forward pass is built from.
// Slices are row-major; callers own every output buffer.
package cpu

import (
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatVec computes out = W x for a (rows, cols) weight.
func MatVec(out, w []float32, rows, cols int, x []float32) {
	a := blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: w[:rows*cols]}
	blas32.Gemv(blas.NoTrans, 1,
		a,
		blas32.Vector{N: cols, Inc: 1, Data: x[:cols]},
		0,
		blas32.Vector{N: rows, Inc: 1, Data: out[:rows]},
	)
}

// Int8Block locates a slice of a block-quantized weight inside the full
// matrix its scale was computed over.
type Int8Block struct {
	Scale     []float32
	ScaleCols int
	BlockSize int
	RowOffset int
	ColOffset int
}

// MatVecInt8 computes out = dequant(Q) x, dequantizing on the fly.
func MatVecInt8(out []float32, q []int8, rows, cols int, x []float32, b Int8Block) {
	parallelism := runtime.NumCPU()
	chunk := (rows + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			for r := rowStart; r < rowEnd; r++ {
				scales := b.Scale[(b.RowOffset+r)*b.ScaleCols:]
				row := q[r*cols : (r+1)*cols]
				var sum float32
				for c, v := range row {
					sum += float32(v) * scales[(b.ColOffset+c)/b.BlockSize] * x[c]
				}
				out[r] = sum
			}
		}(start, end)
	}
	wg.Wait()
}

// RMSNorm writes x / rms(x) * w into out.
func RMSNorm(out, x, w []float32, eps float32) {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	inv := float32(1.0 / math.Sqrt(float64(sum/float32(len(x)))+float64(eps)))
	for i, v := range x {
		out[i] = v * inv * w[i]
	}
}

// Rope rotates interleaved (even, odd) pairs of every head in x for
// position pos.
func Rope(x []float32, heads, headDim, pos int, theta float32) {
	for i := 0; i < headDim/2; i++ {
		freq := 1.0 / math.Pow(float64(theta), float64(2*i)/float64(headDim))
		angle := float64(pos) * freq
		cos, sin := float32(math.Cos(angle)), float32(math.Sin(angle))
		for h := 0; h < heads; h++ {
			idx := h*headDim + 2*i
			x0, x1 := x[idx], x[idx+1]
			x[idx] = x0*cos - x1*sin
			x[idx+1] = x0*sin + x1*cos
		}
	}
}

// Softmax normalizes x in place. -Inf entries get zero mass.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		return
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - maxVal)))
		sum += x[i]
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

// SwiGLU writes silu(gate) * up into out.
func SwiGLU(out, gate, up []float32) {
	for i, g := range gate {
		out[i] = up[i] * g / (1 + float32(math.Exp(float64(-g))))
	}
}

// Add accumulates b into a.
func Add(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

// Attention computes grouped-query attention for one query position over
// the first seqLen cached positions. Caches are (positions, kvHeads*headDim);
// scores is scratch of at least seqLen.
func Attention(out, q, kCache, vCache []float32, seqLen, heads, kvHeads, headDim int, scores []float32) {
	kvDim := kvHeads * headDim
	group := heads / kvHeads
	scale := float32(1 / math.Sqrt(float64(headDim)))
	clear(out[:heads*headDim])

	for h := 0; h < heads; h++ {
		qh := q[h*headDim : (h+1)*headDim]
		kvOff := (h / group) * headDim
		s := scores[:seqLen]
		for p := 0; p < seqLen; p++ {
			k := kCache[p*kvDim+kvOff : p*kvDim+kvOff+headDim]
			var dot float32
			for i, v := range qh {
				dot += v * k[i]
			}
			s[p] = dot * scale
		}
		Softmax(s)
		oh := out[h*headDim : (h+1)*headDim]
		for p := 0; p < seqLen; p++ {
			v := vCache[p*kvDim+kvOff : p*kvDim+kvOff+headDim]
			for i := range oh {
				oh[i] += s[p] * v[i]
			}
		}
	}
}
