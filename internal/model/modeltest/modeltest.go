// Package modeltest builds tiny deterministic llama checkpoints for tests.
package modeltest

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"github.com/23skdu/longbow-shard/internal/checkpoint"
	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// Args is a four-layer model small enough to run in unit tests.
func Args() config.ModelArgs {
	return config.ModelArgs{
		Dim:        16,
		HiddenDim:  32,
		Layers:     4,
		Heads:      4,
		KVHeads:    2,
		VocabSize:  32,
		Eps:        1e-5,
		RopeTheta:  10000,
		MaxContext: 64,
	}
}

// Weights returns a full native-named checkpoint for args.
func Weights(args config.ModelArgs, seed uint64) checkpoint.Mapping {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rnd := func(scale float32, shape ...int) *tensor.Tensor {
		t := tensor.Zeros(shape...)
		for i := range t.F32 {
			t.F32[i] = (r.Float32()*2 - 1) * scale
		}
		return t
	}
	norm := func(n int) *tensor.Tensor {
		t := tensor.Zeros(n)
		for i := range t.F32 {
			t.F32[i] = 1 + (r.Float32()-0.5)*0.2
		}
		return t
	}

	dim, hd := args.Dim, args.HeadDim()
	m := checkpoint.Mapping{
		"tok_embeddings.weight": rnd(1, args.VocabSize, dim),
		"norm.weight":           norm(dim),
		"output.weight":         rnd(0.3, args.VocabSize, dim),
	}
	for i := 0; i < args.Layers; i++ {
		p := fmt.Sprintf("layers.%d.", i)
		m[p+"attention_norm.weight"] = norm(dim)
		m[p+"ffn_norm.weight"] = norm(dim)
		m[p+"attention.wq.weight"] = rnd(0.3, args.Heads*hd, dim)
		m[p+"attention.wk.weight"] = rnd(0.3, args.KVDim(), dim)
		m[p+"attention.wv.weight"] = rnd(0.3, args.KVDim(), dim)
		m[p+"attention.wo.weight"] = rnd(0.3, dim, args.Heads*hd)
		m[p+"feed_forward.w1.weight"] = rnd(0.3, args.HiddenDim, dim)
		m[p+"feed_forward.w2.weight"] = rnd(0.3, dim, args.HiddenDim)
		m[p+"feed_forward.w3.weight"] = rnd(0.3, args.HiddenDim, dim)
	}
	return m
}

// WriteCheckpoint writes m as a flat safetensors checkpoint in dir.
func WriteCheckpoint(dir string, m checkpoint.Mapping) error {
	return checkpoint.WriteSafetensors(filepath.Join(dir, checkpoint.SafetensorsFile), m)
}
