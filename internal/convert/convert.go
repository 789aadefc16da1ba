// Package convert turns a raw checkpoint mapping into the canonical weight
// set the model is built from: native tensor names, F32 floats, and only the
// tensors the shard needs.
package convert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-shard/internal/checkpoint"
	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

const communityEmbedding = "model.embed_tokens.weight"

// NeedsTranslation reports whether m uses the community naming.
func NeedsTranslation(m checkpoint.Mapping) bool {
	_, ok := m[communityEmbedding]
	return ok
}

// Canonicalize translates, filters and normalizes m for s.
func Canonicalize(m checkpoint.Mapping, args config.ModelArgs, s shard.Shard) (checkpoint.Mapping, error) {
	var err error
	if NeedsTranslation(m) {
		logger.Log.Debug("Translating community tensor names", "tensors", len(m), "shard", s.String())
		if m, err = Translate(m, args, s); err != nil {
			return nil, err
		}
	}
	return Normalize(Filter(m, s))
}

// LayerIndex extracts N from "layers.N." or "model.layers.N." names.
func LayerIndex(name string) (int, bool) {
	rest := strings.TrimPrefix(name, "model.")
	if !strings.HasPrefix(rest, "layers.") {
		return 0, false
	}
	rest = strings.TrimPrefix(rest, "layers.")
	num, _, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Filter drops layers outside the shard, the embedding table unless the
// shard is first, and the final norm and output head unless it is last.
func Filter(m checkpoint.Mapping, s shard.Shard) checkpoint.Mapping {
	out := make(checkpoint.Mapping, len(m))
	for name, t := range m {
		if layer, ok := LayerIndex(name); ok {
			if s.Contains(layer) {
				out[name] = t
			}
			continue
		}
		switch name {
		case "tok_embeddings.weight":
			if !s.IsFirst() {
				continue
			}
		case "norm.weight", "output.weight":
			if !s.IsLast() {
				continue
			}
		}
		out[name] = t
	}
	return out
}

// Normalize upcasts F16 and BF16 tensors to F32. F32 and I8 tensors are kept.
func Normalize(m checkpoint.Mapping) (checkpoint.Mapping, error) {
	out := make(checkpoint.Mapping, len(m))
	for name, t := range m {
		switch t.DType {
		case tensor.Float16, tensor.BFloat16:
			up, err := tensor.Upcast(t)
			if err != nil {
				return nil, fmt.Errorf("normalize %s: %w", name, err)
			}
			out[name] = up
		default:
			out[name] = t
		}
	}
	return out, nil
}
