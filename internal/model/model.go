// Package model runs the llama forward pass for one shard over a
// partition-applied weight set.
package model

import (
	"fmt"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/cpu"
	"github.com/23skdu/longbow-shard/internal/partition"
	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

type layer struct {
	attnNorm []float32
	ffnNorm  []float32
	wq       *linear
	wk       *linear
	wv       *linear
	wo       *linear
	w1       *linear
	w2       *linear
	w3       *linear
}

// Instance is a built shard bound to one mesh. Weights are immutable after
// Build; mutable decode state lives in a Cache, so one Instance serves many
// concurrent sequences.
type Instance struct {
	Shard shard.Shard
	Args  config.ModelArgs

	weights *partition.Weights
	layers  []layer
	embed   *partition.Sharded
	norm    []float32
	output  *linear
	pool    *cpu.Pool
}

// Build checks every tensor the shard needs against args and assembles the
// instance.
func Build(s shard.Shard, args config.ModelArgs, w *partition.Weights) (*Instance, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if s.NLayers != args.Layers {
		return nil, fmt.Errorf("shard %s has %d layers, model has %d", s, s.NLayers, args.Layers)
	}

	dim, hd := args.Dim, args.HeadDim()
	qDim, kvDim := args.Heads*hd, args.KVDim()
	m := &Instance{Shard: s, Args: args, weights: w, pool: cpu.NewPool()}

	var err error
	if s.IsFirst() {
		if m.embed, err = lookup(w, "tok_embeddings.weight", args.VocabSize, dim); err != nil {
			return nil, err
		}
		if dt := m.embed.Slices[0].DType; dt != tensor.Float32 {
			return nil, fmt.Errorf("tok_embeddings.weight: unsupported dtype %v", dt)
		}
	}
	for i := s.StartLayer; i < s.EndLayer; i++ {
		p := fmt.Sprintf("layers.%d.", i)
		var l layer
		if l.attnNorm, err = vector(w, p+"attention_norm.weight", dim); err != nil {
			return nil, err
		}
		if l.ffnNorm, err = vector(w, p+"ffn_norm.weight", dim); err != nil {
			return nil, err
		}
		specs := []struct {
			dst        **linear
			name       string
			rows, cols int
		}{
			{&l.wq, "attention.wq.weight", qDim, dim},
			{&l.wk, "attention.wk.weight", kvDim, dim},
			{&l.wv, "attention.wv.weight", kvDim, dim},
			{&l.wo, "attention.wo.weight", dim, qDim},
			{&l.w1, "feed_forward.w1.weight", args.HiddenDim, dim},
			{&l.w2, "feed_forward.w2.weight", dim, args.HiddenDim},
			{&l.w3, "feed_forward.w3.weight", args.HiddenDim, dim},
		}
		for _, spec := range specs {
			if *spec.dst, err = newLinear(w, p+spec.name, spec.rows, spec.cols); err != nil {
				return nil, err
			}
		}
		m.layers = append(m.layers, l)
	}
	if s.IsLast() {
		if m.norm, err = vector(w, "norm.weight", dim); err != nil {
			return nil, err
		}
		if m.output, err = newLinear(w, "output.weight", args.VocabSize, dim); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func vector(w *partition.Weights, name string, n int) ([]float32, error) {
	s, err := lookup(w, name, n)
	if err != nil {
		return nil, err
	}
	t, err := s.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather %s: %w", name, err)
	}
	if t.F32 == nil {
		return nil, fmt.Errorf("%s: unsupported dtype %v", name, t.DType)
	}
	return t.F32, nil
}

// NBytes is the resident weight size.
func (m *Instance) NBytes() int64 { return m.weights.NBytes() }

func (m *Instance) Mesh() partition.Mesh { return m.weights.Mesh }

// Release drops scratch buffers.
func (m *Instance) Release() { m.pool.Free() }

// Cache holds one sequence's keys and values for the shard's layers. It
// grows one position at a time.
type Cache struct {
	k, v  [][]float32
	kvDim int
	n     int
}

func (m *Instance) NewCache() *Cache {
	return &Cache{
		k:     make([][]float32, len(m.layers)),
		v:     make([][]float32, len(m.layers)),
		kvDim: m.Args.KVDim(),
	}
}

// Len is the number of positions the cache holds.
func (c *Cache) Len() int { return c.n }

func (c *Cache) write(layer, pos int, k, v []float32) {
	end := (pos + 1) * c.kvDim
	if len(c.k[layer]) < end {
		c.k[layer] = append(c.k[layer][:pos*c.kvDim], k...)
		c.v[layer] = append(c.v[layer][:pos*c.kvDim], v...)
		return
	}
	copy(c.k[layer][pos*c.kvDim:end], k)
	copy(c.v[layer][pos*c.kvDim:end], v)
}

// Input is one step's input: a token id for a first-layer shard, otherwise
// a dim-length activation.
type Input struct {
	Token  int
	Hidden []float32
}

// Forward runs one position through the shard. For the last shard it
// returns vocabulary logits, or nil when logits is false (prefill). Other
// shards return the hidden state.
func (m *Instance) Forward(c *Cache, in Input, pos int, logits bool) ([]float32, error) {
	args := m.Args
	dim, hd := args.Dim, args.HeadDim()
	if pos < 0 || pos > c.n || pos >= args.MaxContext {
		return nil, fmt.Errorf("%w: position %d with %d cached (max %d)", ErrPosition, pos, c.n, args.MaxContext)
	}

	x := make([]float32, dim)
	if m.Shard.IsFirst() {
		if err := m.embedToken(x, in.Token); err != nil {
			return nil, err
		}
	} else {
		if len(in.Hidden) != dim {
			return nil, fmt.Errorf("hidden state has %d values, want %d", len(in.Hidden), dim)
		}
		copy(x, in.Hidden)
	}

	xn := m.pool.Get(dim)
	q := m.pool.Get(args.Heads * hd)
	k := m.pool.Get(args.KVDim())
	v := m.pool.Get(args.KVDim())
	attn := m.pool.Get(args.Heads * hd)
	proj := m.pool.Get(dim)
	gate := m.pool.Get(args.HiddenDim)
	up := m.pool.Get(args.HiddenDim)
	scores := m.pool.Get(pos + 1)
	defer func() {
		for _, b := range [][]float32{xn, q, k, v, attn, proj, gate, up, scores} {
			m.pool.Put(b)
		}
	}()

	for li, l := range m.layers {
		cpu.RMSNorm(xn, x, l.attnNorm, args.Eps)
		l.wq.forward(q, xn)
		l.wk.forward(k, xn)
		l.wv.forward(v, xn)
		cpu.Rope(q, args.Heads, hd, pos, args.RopeTheta)
		cpu.Rope(k, args.KVHeads, hd, pos, args.RopeTheta)
		c.write(li, pos, k, v)
		cpu.Attention(attn, q, c.k[li], c.v[li], pos+1, args.Heads, args.KVHeads, hd, scores)
		l.wo.forward(proj, attn)
		cpu.Add(x, proj)

		cpu.RMSNorm(xn, x, l.ffnNorm, args.Eps)
		l.w1.forward(gate, xn)
		l.w3.forward(up, xn)
		cpu.SwiGLU(gate, gate, up)
		l.w2.forward(proj, gate)
		cpu.Add(x, proj)
	}
	c.n = pos + 1

	if !m.Shard.IsLast() {
		return x, nil
	}
	if !logits {
		return nil, nil
	}
	cpu.RMSNorm(xn, x, m.norm, args.Eps)
	out := make([]float32, args.VocabSize)
	m.output.forward(out, xn)
	return out, nil
}

func (m *Instance) embedToken(dst []float32, token int) error {
	if token < 0 || token >= m.Args.VocabSize {
		return fmt.Errorf("token %d outside vocabulary of %d", token, m.Args.VocabSize)
	}
	e := m.embed
	if !e.Placement.Sharded {
		copy(dst, e.Slices[0].Rows(token))
		return nil
	}
	for i, t := range e.Slices {
		off := e.Offsets[i]
		if token >= off && token < off+t.Shape[0] {
			copy(dst, t.Rows(token-off))
			return nil
		}
	}
	return fmt.Errorf("token %d not found in embedding slices", token)
}
