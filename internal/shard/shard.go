package shard

import (
	"errors"
	"fmt"
)

// Shard names a contiguous layer range [StartLayer, EndLayer) of one model.
// It is a comparable value; two shards are the same shard iff they are ==.
type Shard struct {
	ModelID    string `json:"model_id"`
	StartLayer int    `json:"start_layer"`
	EndLayer   int    `json:"end_layer"`
	NLayers    int    `json:"n_layers"`
}

func New(modelID string, start, end, nLayers int) (Shard, error) {
	s := Shard{ModelID: modelID, StartLayer: start, EndLayer: end, NLayers: nLayers}
	return s, s.Validate()
}

func (s Shard) Validate() error {
	if s.ModelID == "" {
		return errors.New("shard: empty model id")
	}
	if s.StartLayer < 0 {
		return fmt.Errorf("shard %s: negative start layer %d", s.ModelID, s.StartLayer)
	}
	if s.EndLayer <= s.StartLayer {
		return fmt.Errorf("shard %s: empty layer range [%d, %d)", s.ModelID, s.StartLayer, s.EndLayer)
	}
	if s.EndLayer > s.NLayers {
		return fmt.Errorf("shard %s: end layer %d beyond %d layers", s.ModelID, s.EndLayer, s.NLayers)
	}
	return nil
}

// IsFirst reports whether the shard owns the token embedding.
func (s Shard) IsFirst() bool { return s.StartLayer == 0 }

// IsLast reports whether the shard owns the final norm and output head.
func (s Shard) IsLast() bool { return s.EndLayer == s.NLayers }

func (s Shard) Contains(layer int) bool { return layer >= s.StartLayer && layer < s.EndLayer }

func (s Shard) Len() int { return s.EndLayer - s.StartLayer }

func (s Shard) String() string {
	return fmt.Sprintf("%s[%d:%d/%d]", s.ModelID, s.StartLayer, s.EndLayer, s.NLayers)
}
