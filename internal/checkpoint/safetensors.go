package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

type tensorInfo struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

func readSafetensors(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseSafetensors(path, data)
}

func parseSafetensors(path string, data []byte) (Mapping, error) {
	if len(data) < 8 {
		return nil, formatErr(path, "file too small: %d bytes", len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, formatErr(path, "header length %d exceeds file size %d", headerLen, len(data))
	}
	body := data[8+headerLen:]

	// The header may carry a __metadata__ entry that is not a tensor.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, formatErr(path, "parse header: %v", err)
	}

	m := make(Mapping, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, formatErr(path, "parse tensor %s: %v", name, err)
		}
		dt, err := tensor.ParseDType(info.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s in %s: %w", name, path, err)
		}
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin < 0 || end < begin || end > len(body) {
			return nil, formatErr(path, "tensor %s offsets [%d, %d) outside %d data bytes", name, begin, end, len(body))
		}
		t, err := tensor.FromBytes(dt, info.Shape, body[begin:end])
		if err != nil {
			return nil, formatErr(path, "tensor %s: %v", name, err)
		}
		m[name] = t
	}
	return m, nil
}

// WriteSafetensors writes m as one flat safetensors container. Tensors are
// laid out in name order.
func WriteSafetensors(path string, m Mapping) error {
	header := map[string]interface{}{
		"__metadata__": map[string]string{"format": "pt"},
	}
	var body bytes.Buffer
	for _, name := range m.Names() {
		t := m[name]
		begin := body.Len()
		body.Write(t.Bytes())
		header[name] = tensorInfo{
			DType:       t.DType.String(),
			Shape:       t.Shape,
			DataOffsets: [2]int{begin, body.Len()},
		}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// Pad the header so tensor data starts 8-byte aligned.
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	var out bytes.Buffer
	out.Grow(8 + len(hdr) + body.Len())
	binary.Write(&out, binary.LittleEndian, uint64(len(hdr)))
	out.Write(hdr)
	out.Write(body.Bytes())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
