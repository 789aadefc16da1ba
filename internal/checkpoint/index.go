package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type indexManifest struct {
	WeightMap map[string]string `json:"weight_map"`
}

// readIndexed loads every file named by the manifest once and assembles the
// mapping by indirection through weight_map.
func readIndexed(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var idx indexManifest
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, formatErr(path, "parse index: %v", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, formatErr(path, "index has no weight_map")
	}

	dir := filepath.Dir(path)
	files := make(map[string]Mapping)
	out := make(Mapping, len(idx.WeightMap))
	for name, file := range idx.WeightMap {
		part, ok := files[file]
		if !ok {
			p := filepath.Join(dir, filepath.Base(file))
			if strings.HasSuffix(p, ".safetensors") {
				part, err = readSafetensors(p)
			} else {
				part, err = readPart(p)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", file, err)
			}
			files[file] = part
		}
		t, ok := part[name]
		if !ok {
			return nil, formatErr(path, "tensor %s not found in %s", name, file)
		}
		out[name] = t
	}
	return out, nil
}
