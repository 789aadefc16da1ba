package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// loadSpecialConfig resolves BOS/EOS from generation_config.json and
// config.json ids, then tokenizer_config.json token strings.
func loadSpecialConfig(dir string, t *Tokenizer) {
	for _, name := range []string{"generation_config.json", "config.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var cfg struct {
			BOS interface{} `json:"bos_token_id"`
			EOS interface{} `json:"eos_token_id"`
		}
		if json.Unmarshal(data, &cfg) != nil {
			continue
		}
		if id, ok := firstID(cfg.BOS); ok && t.bos < 0 {
			t.bos = id
		}
		if id, ok := firstID(cfg.EOS); ok && t.eos < 0 {
			t.eos = id
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err != nil {
		return
	}
	var cfg struct {
		BOS    interface{} `json:"bos_token"`
		EOS    interface{} `json:"eos_token"`
		AddBOS *bool       `json:"add_bos_token"`
	}
	if json.Unmarshal(data, &cfg) != nil {
		return
	}
	if id, ok := t.special[tokenString(cfg.BOS)]; ok && t.bos < 0 {
		t.bos = id
	}
	if id, ok := t.special[tokenString(cfg.EOS)]; ok && t.eos < 0 {
		t.eos = id
	}
	if cfg.AddBOS != nil {
		t.addBOS = *cfg.AddBOS
	}
}

// firstID accepts a single id or a list of ids.
func firstID(v interface{}) (int, bool) {
	switch val := v.(type) {
	case float64:
		return int(val), true
	case []interface{}:
		if len(val) > 0 {
			if f, ok := val[0].(float64); ok {
				return int(f), true
			}
		}
	}
	return 0, false
}

// tokenString accepts "tok" or {"content": "tok"}.
func tokenString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		if s, ok := val["content"].(string); ok {
			return s
		}
	}
	return ""
}
