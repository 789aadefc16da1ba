// Package checkpoint reads transformer weights from flat safetensors files,
// index-manifest safetensors sets and legacy multi-part PyTorch checkpoints
// into a single name to tensor mapping.
package checkpoint

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/metrics"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// Mapping is a set of named weight tensors.
type Mapping map[string]*tensor.Tensor

// Names returns the tensor names in sorted order.
func (m Mapping) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NBytes sums the storage size of every tensor.
func (m Mapping) NBytes() int64 {
	var n int64
	for _, t := range m {
		n += t.NBytes()
	}
	return n
}

// Load detects the container at path and reads it.
func Load(path string, parts int) (Mapping, error) {
	c, err := Detect(path, parts)
	if err != nil {
		return nil, err
	}
	return c.Load()
}

func (c Container) Load() (Mapping, error) {
	var (
		m   Mapping
		err error
	)
	switch c.Format {
	case FormatFlat:
		m, err = readSafetensors(c.Path)
	case FormatIndexed:
		m, err = readIndexed(c.Path)
	case FormatLegacy:
		m, err = readLegacy(c.Parts)
	default:
		return nil, formatErr(c.Path, "unknown container format %d", int(c.Format))
	}
	if err != nil {
		return nil, err
	}

	metrics.CheckpointTensors.WithLabelValues(c.Format.String()).Add(float64(len(m)))
	logger.Log.Debug("Checkpoint loaded", "format", c.Format.String(), "tensors", len(m), "bytes", m.NBytes())
	return m, nil
}

// readPart reads one legacy part. Tests replace it to avoid pickle fixtures.
var readPart = readTorch

func readLegacy(paths []string) (Mapping, error) {
	parts := make([]Mapping, 0, len(paths))
	for _, p := range paths {
		m, err := readPart(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read part %s: %w", p, err)
		}
		parts = append(parts, m)
	}
	return ConcatParts(parts)
}
