// Package tokenizer implements the byte-level BPE tokenizer described by a
// Hugging Face tokenizer.json.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/23skdu/longbow-shard/internal/logger"
)

// File is the tokenizer definition looked up in a checkpoint directory.
const File = "tokenizer.json"

const defaultPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type Tokenizer struct {
	vocab   map[string]int
	values  []string
	merges  map[string]int
	special map[string]int
	// specials sorted longest first for greedy splitting.
	specials     []string
	pretokenizer *regexp2.Regexp

	bos    int
	eos    int
	addBOS bool

	log *logger.Logger
}

// Load reads tokenizer.json and the special-token companions from dir.
func Load(dir string) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, File))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer: %w", err)
	}
	t, err := parse(data)
	if err != nil {
		return nil, err
	}
	loadSpecialConfig(dir, t)
	if t.eos < 0 {
		return nil, fmt.Errorf("tokenizer in %s defines no end-of-sequence token", dir)
	}
	return t, nil
}

func parse(data []byte) (*Tokenizer, error) {
	var raw struct {
		Model struct {
			Type   string          `json:"type"`
			Vocab  map[string]int  `json:"vocab"`
			Merges json.RawMessage `json:"merges"`
		} `json:"model"`
		PreTokenizer json.RawMessage `json:"pre_tokenizer"`
		AddedTokens  []struct {
			ID      int    `json:"id"`
			Content string `json:"content"`
		} `json:"added_tokens"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}
	if raw.Model.Type != "" && raw.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", raw.Model.Type)
	}

	// Merges are either "a b" strings or ["a", "b"] pairs.
	var merges []string
	if len(raw.Model.Merges) > 0 {
		if err := json.Unmarshal(raw.Model.Merges, &merges); err != nil {
			var pairs [][]string
			if err := json.Unmarshal(raw.Model.Merges, &pairs); err != nil {
				return nil, fmt.Errorf("failed to parse merges: %w", err)
			}
			merges = make([]string, len(pairs))
			for i, p := range pairs {
				if len(p) != 2 {
					return nil, fmt.Errorf("merge %d has %d parts", i, len(p))
				}
				merges[i] = p[0] + " " + p[1]
			}
		}
	}

	t := &Tokenizer{
		vocab:   raw.Model.Vocab,
		merges:  make(map[string]int, len(merges)),
		special: make(map[string]int),
		bos:     -1,
		eos:     -1,
		addBOS:  true,
		log:     logger.Log.With("component", "tokenizer"),
	}
	for i, m := range merges {
		t.merges[m] = i
	}

	size := 0
	for _, id := range raw.Model.Vocab {
		size = max(size, id+1)
	}
	for _, tok := range raw.AddedTokens {
		size = max(size, tok.ID+1)
	}
	t.values = make([]string, size)
	for tok, id := range raw.Model.Vocab {
		t.values[id] = tok
	}
	for _, tok := range raw.AddedTokens {
		t.values[tok.ID] = tok.Content
		t.special[tok.Content] = tok.ID
		t.specials = append(t.specials, tok.Content)
	}
	sort.Slice(t.specials, func(i, j int) bool { return len(t.specials[i]) > len(t.specials[j]) })

	pattern := pretokenizerPattern(raw.PreTokenizer)
	if pattern == "" {
		pattern = defaultPattern
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pretokenizer regex %q: %w", pattern, err)
	}
	t.pretokenizer = re
	return t, nil
}

// pretokenizerPattern finds the Split regex of a single or Sequence
// pre_tokenizer.
func pretokenizerPattern(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	type split struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	}
	var single split
	if err := json.Unmarshal(data, &single); err == nil && single.Pattern.Regex != "" {
		return single.Pattern.Regex
	}
	var seq struct {
		Pretokenizers []split `json:"pretokenizers"`
	}
	if err := json.Unmarshal(data, &seq); err == nil {
		for _, p := range seq.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				return p.Pattern.Regex
			}
		}
	}
	return ""
}

func (t *Tokenizer) EOS() int { return t.eos }
func (t *Tokenizer) BOS() int { return t.bos }

// VocabSize counts regular and added tokens.
func (t *Tokenizer) VocabSize() int { return len(t.values) }

// Encode tokenizes text, prepending BOS when the tokenizer asks for it.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	if t.addBOS && t.bos >= 0 {
		ids = append(ids, t.bos)
	}
	for _, part := range t.splitSpecial(text) {
		if id, ok := t.special[part]; ok {
			ids = append(ids, id)
			continue
		}
		chunks, err := pretokenize(t.pretokenizer, part)
		if err != nil {
			t.log.Warn("Pretokenizer failed, encoding remainder whole", "error", err)
		}
		for _, c := range chunks {
			ids = t.encodeChunk(c, ids)
		}
	}
	return ids
}

// pretokenize splits text into regex matches. When matching fails the
// unmatched rest of text becomes the final chunk.
func pretokenize(re *regexp2.Regexp, text string) ([]string, error) {
	var chunks []string
	end := 0
	m, err := re.FindStringMatch(text)
	for m != nil {
		chunks = append(chunks, m.String())
		end = m.Index + m.Length
		m, err = re.FindNextMatch(m)
	}
	if err != nil {
		// Match offsets count runes.
		if rest := []rune(text)[end:]; len(rest) > 0 {
			chunks = append(chunks, string(rest))
		}
	}
	return chunks, err
}

// splitSpecial cuts text around added tokens so they are never merged.
func (t *Tokenizer) splitSpecial(text string) []string {
	if len(t.specials) == 0 {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		next, tok := len(text), ""
		for _, s := range t.specials {
			if i := strings.Index(text, s); i >= 0 && i < next {
				next, tok = i, s
			}
		}
		if next > 0 {
			parts = append(parts, text[:next])
		}
		if tok == "" {
			break
		}
		parts = append(parts, tok)
		text = text[next+len(tok):]
	}
	return parts
}

func (t *Tokenizer) encodeChunk(chunk string, ids []int) []int {
	var sb strings.Builder
	for i := 0; i < len(chunk); i++ {
		sb.WriteRune(byteToRune[chunk[i]])
	}
	encoded := sb.String()
	if id, ok := t.vocab[encoded]; ok {
		return append(ids, id)
	}

	runes := []rune(encoded)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	// Merge the lowest-ranked adjacent pair until none applies.
	for len(parts) > 1 {
		best, at := -1, -1
		for i := 0; i+1 < len(parts); i++ {
			if rank, ok := t.merges[parts[i]+" "+parts[i+1]]; ok && (best < 0 || rank < best) {
				best, at = rank, i
			}
		}
		if at < 0 {
			break
		}
		parts[at] += parts[at+1]
		parts = append(parts[:at+1], parts[at+2:]...)
	}
	for _, p := range parts {
		if id, ok := t.vocab[p]; ok {
			ids = append(ids, id)
			continue
		}
		// A merge produced a piece the vocabulary lacks: spell it in bytes.
		for _, r := range p {
			if id, ok := t.vocab[string(r)]; ok {
				ids = append(ids, id)
				continue
			}
			t.log.Warn("Dropping byte missing from vocabulary", "symbol", string(r))
		}
	}
	return ids
}

// Decode maps ids back to text. Unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var buf []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.values) {
			continue
		}
		tok := t.values[id]
		if _, ok := t.special[tok]; ok {
			buf = append(buf, tok...)
			continue
		}
		for _, r := range tok {
			if b, ok := runeToByte[r]; ok {
				buf = append(buf, b)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	return string(buf)
}
