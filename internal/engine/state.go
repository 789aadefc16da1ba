package engine

import (
	"encoding/json"
	"fmt"
)

// State is the position bookkeeping carried between decode calls.
type State struct {
	StartPos int `json:"start_pos"`
}

// EncodeState renders s as the JSON state blob.
func EncodeState(s State) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// DecodeState parses a state blob. An empty blob is position 0 and unknown
// fields are ignored.
func DecodeState(blob string) (State, error) {
	var s State
	if blob == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return State{}, fmt.Errorf("invalid decode state %q: %w", blob, err)
	}
	if s.StartPos < 0 {
		return State{}, fmt.Errorf("invalid decode state: negative start_pos %d", s.StartPos)
	}
	return s, nil
}
