package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Format tags the container kind a checkpoint path resolved to.
type Format int

const (
	FormatFlat Format = iota + 1
	FormatIndexed
	FormatLegacy
)

func (f Format) String() string {
	switch f {
	case FormatFlat:
		return "flat"
	case FormatIndexed:
		return "indexed"
	case FormatLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

const (
	IndexFile       = "model.safetensors.index.json"
	SafetensorsFile = "model.safetensors"
)

// LegacyPartName is the file name of part i of a multi-part checkpoint.
func LegacyPartName(i int) string {
	return fmt.Sprintf("consolidated.%02d.pth", i)
}

// Container is a checkpoint location resolved once to its format.
type Container struct {
	Format Format
	// Path is the container file for flat and indexed checkpoints.
	Path string
	// Parts lists the legacy part files in order.
	Parts []string
}

// Detect resolves path to a container. parts is the number of legacy part
// files expected when path is a directory without a safetensors container.
func Detect(path string, parts int) (Container, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Container{}, formatErr(path, "%v", err)
	}

	if !info.IsDir() {
		switch {
		case strings.HasSuffix(path, ".index.json"):
			return Container{Format: FormatIndexed, Path: path}, nil
		case strings.HasSuffix(path, ".safetensors"):
			return Container{Format: FormatFlat, Path: path}, nil
		default:
			return Container{Format: FormatLegacy, Parts: []string{path}}, nil
		}
	}

	if p := filepath.Join(path, IndexFile); fileExists(p) {
		return Container{Format: FormatIndexed, Path: p}, nil
	}
	if p := filepath.Join(path, SafetensorsFile); fileExists(p) {
		return Container{Format: FormatFlat, Path: p}, nil
	}
	if parts <= 0 {
		return Container{}, formatErr(path, "no safetensors container and no legacy part count")
	}
	c := Container{Format: FormatLegacy}
	for i := 0; i < parts; i++ {
		p := filepath.Join(path, LegacyPartName(i))
		if !fileExists(p) {
			return Container{}, formatErr(path, "missing legacy part %s", LegacyPartName(i))
		}
		c.Parts = append(c.Parts, p)
	}
	return c, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
