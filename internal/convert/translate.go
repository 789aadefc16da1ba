package convert

import (
	"fmt"
	"strconv"
	"strings"

	ptensor "github.com/pdevine/tensor"

	"github.com/23skdu/longbow-shard/internal/checkpoint"
	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

var globalNames = map[string]string{
	"model.embed_tokens.weight": "tok_embeddings.weight",
	"model.norm.weight":         "norm.weight",
	"lm_head.weight":            "output.weight",
}

var layerNames = map[string]string{
	"input_layernorm.weight":          "attention_norm.weight",
	"post_attention_layernorm.weight": "ffn_norm.weight",
	"self_attn.q_proj.weight":         "attention.wq.weight",
	"self_attn.k_proj.weight":         "attention.wk.weight",
	"self_attn.v_proj.weight":         "attention.wv.weight",
	"self_attn.o_proj.weight":         "attention.wo.weight",
	"mlp.gate_proj.weight":            "feed_forward.w1.weight",
	"mlp.down_proj.weight":            "feed_forward.w2.weight",
	"mlp.up_proj.weight":              "feed_forward.w3.weight",
}

// Translate renames community tensors to native names, un-permutes the
// query and key projections, splits fused projections, and drops layers
// outside s.
func Translate(m checkpoint.Mapping, args config.ModelArgs, s shard.Shard) (checkpoint.Mapping, error) {
	out := make(checkpoint.Mapping, len(m))
	var dropped []string

	for name, t := range m {
		if strings.Contains(name, ".rotary_emb.") {
			continue
		}
		if native, ok := globalNames[name]; ok {
			out[native] = t
			continue
		}

		layer, ok := LayerIndex(name)
		if !ok || !strings.HasPrefix(name, "model.layers.") {
			dropped = append(dropped, name)
			continue
		}
		if !s.Contains(layer) {
			continue
		}
		prefix := "layers." + strconv.Itoa(layer) + "."
		suffix := strings.TrimPrefix(name, "model.layers."+strconv.Itoa(layer)+".")

		switch suffix {
		case "self_attn.q_proj.weight":
			p, err := unpermute(name, t, args.Heads)
			if err != nil {
				return nil, err
			}
			out[prefix+"attention.wq.weight"] = p
		case "self_attn.k_proj.weight":
			p, err := unpermute(name, t, args.KVHeads)
			if err != nil {
				return nil, err
			}
			out[prefix+"attention.wk.weight"] = p
		case "self_attn.qkv_proj.weight":
			if err := splitQKV(out, prefix, name, t, args); err != nil {
				return nil, err
			}
		case "mlp.gate_up_proj.weight":
			if err := splitGateUp(out, prefix, name, t, args); err != nil {
				return nil, err
			}
		default:
			native, ok := layerNames[suffix]
			if !ok {
				dropped = append(dropped, name)
				continue
			}
			out[prefix+native] = t
		}
	}

	if len(dropped) > 0 {
		logger.Log.Warn("Dropped unrecognized tensors", "count", len(dropped), "names", dropped)
	}
	return out, nil
}

// unpermute reverses the rotary half-split row order of a query or key
// projection back to interleaved pairs: rows are viewed as
// (heads, 2, rows/heads/2) and the last two axes are swapped.
func unpermute(name string, t *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	if t.Rank() != 2 {
		return nil, &LayoutError{Name: name, Shape: t.Shape, Reason: "projection must be 2-D"}
	}
	rows, cols := t.Shape[0], t.Shape[1]
	if heads <= 0 || rows%(2*heads) != 0 {
		return nil, &LayoutError{Name: name, Shape: t.Shape, Reason: fmt.Sprintf("%d rows do not split into %d heads of pairs", rows, heads)}
	}

	f, err := tensor.Upcast(t)
	if err != nil {
		return nil, fmt.Errorf("unpermute %s: %w", name, err)
	}
	data := append([]float32(nil), f.F32...)

	n := ptensor.New(ptensor.WithShape(rows, cols), ptensor.WithBacking(data))
	if err := n.Reshape(heads, 2, rows/heads/2, cols); err != nil {
		return nil, fmt.Errorf("unpermute %s: %w", name, err)
	}
	if err := n.T(0, 2, 1, 3); err != nil {
		return nil, fmt.Errorf("unpermute %s: %w", name, err)
	}
	if err := n.Transpose(); err != nil {
		return nil, fmt.Errorf("unpermute %s: %w", name, err)
	}
	if err := n.Reshape(rows, cols); err != nil {
		return nil, fmt.Errorf("unpermute %s: %w", name, err)
	}
	return tensor.New([]int{rows, cols}, n.Data().([]float32)), nil
}

func splitQKV(out checkpoint.Mapping, prefix, name string, t *tensor.Tensor, args config.ModelArgs) error {
	hd := args.HeadDim()
	sizes := []int{args.Heads * hd, args.KVHeads * hd, args.KVHeads * hd}
	if t.Rank() != 2 || t.Shape[0] != sizes[0]+sizes[1]+sizes[2] {
		return &LayoutError{Name: name, Shape: t.Shape, Reason: fmt.Sprintf("fused qkv rows do not match %d heads and %d kv heads of width %d", args.Heads, args.KVHeads, hd)}
	}
	parts, err := tensor.SplitAt(t, 0, sizes)
	if err != nil {
		return &LayoutError{Name: name, Shape: t.Shape, Reason: err.Error()}
	}
	q, err := unpermute(name, parts[0], args.Heads)
	if err != nil {
		return err
	}
	k, err := unpermute(name, parts[1], args.KVHeads)
	if err != nil {
		return err
	}
	out[prefix+"attention.wq.weight"] = q
	out[prefix+"attention.wk.weight"] = k
	out[prefix+"attention.wv.weight"] = parts[2]
	return nil
}

func splitGateUp(out checkpoint.Mapping, prefix, name string, t *tensor.Tensor, args config.ModelArgs) error {
	if t.Rank() != 2 || t.Shape[0] != 2*args.HiddenDim {
		return &LayoutError{Name: name, Shape: t.Shape, Reason: fmt.Sprintf("fused gate/up rows must be 2 x hidden_dim %d", args.HiddenDim)}
	}
	parts, err := tensor.SplitAt(t, 0, []int{args.HiddenDim, args.HiddenDim})
	if err != nil {
		return &LayoutError{Name: name, Shape: t.Shape, Reason: err.Error()}
	}
	out[prefix+"feed_forward.w1.weight"] = parts[0]
	out[prefix+"feed_forward.w3.weight"] = parts[1]
	return nil
}
