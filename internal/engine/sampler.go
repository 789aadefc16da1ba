package engine

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/logger"
)

// Sampler draws the next token from a logits row. It is shared by every
// session; the alpha counters it updates belong to the caller.
type Sampler struct {
	Config config.Sampling

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSampler(cfg config.Sampling) *Sampler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Sample picks a token. counts has one slot per vocabulary entry and records
// how often each token was drawn in the current sequence; it is incremented
// for the drawn token when an alpha penalty is configured.
func (s *Sampler) Sample(logits []float32, counts []int) int {
	temp := s.Config.Temperature
	if temp < 1e-6 {
		return argMax(logits)
	}

	af, ap := s.Config.AlphaFrequency, s.Config.AlphaPresence
	alpha := (af != 0 || ap != 0) && len(counts) == len(logits)

	scaled := make([]float64, len(logits))
	for i, v := range logits {
		x := float64(v)
		if alpha && counts[i] > 0 {
			x -= float64(counts[i])*af + ap
		}
		if math.IsNaN(x) {
			x = math.Inf(-1)
		}
		scaled[i] = x / temp
	}
	probs := softmax(scaled)
	if probs == nil {
		return argMax(logits)
	}

	candidates := make([]tokenProb, len(probs))
	for i, p := range probs {
		candidates[i] = tokenProb{id: i, prob: p}
	}
	if k := s.Config.TopK; k > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].prob > candidates[j].prob
		})
		candidates = applyTopP(applyTopK(candidates, k), s.Config.TopP)
	}

	tok := s.draw(candidates)
	if alpha {
		counts[tok]++
	}
	return tok
}

func (s *Sampler) draw(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}
	s.mu.Lock()
	r := s.rng.Float64() * sum
	s.mu.Unlock()

	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

type tokenProb struct {
	id   int
	prob float64
}

// softmax returns nil when every input is -Inf.
func softmax(x []float64) []float64 {
	maxVal := math.Inf(-1)
	for _, v := range x {
		maxVal = math.Max(maxVal, v)
	}
	if math.IsInf(maxVal, -1) {
		return nil
	}
	out := make([]float64, len(x))
	sum := 0.0
	for i, v := range x {
		out[i] = math.Exp(v - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// argMax returns the first index of the largest non-NaN logit.
func argMax(logits []float32) int {
	maxIdx := -1
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if maxIdx < 0 || v > logits[maxIdx] {
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		logger.Log.Warn("argMax: all logits are NaN, returning index 0")
		return 0
	}
	return maxIdx
}

// applyTopK keeps the k most likely candidates and remembers the mass it
// dropped. candidates must be sorted by descending probability.
func applyTopK(candidates []tokenProb, k int) topK {
	var rest float64
	if k < len(candidates) {
		for _, c := range candidates[k:] {
			rest += c.prob
		}
		candidates = candidates[:k]
	}
	return topK{kept: candidates, rest: rest}
}

type topK struct {
	kept []tokenProb
	rest float64
}

// applyTopP is the approximate nucleus cut: a kept candidate survives while
// its own mass plus everything ranked below it, including what top-k
// dropped, is at least 1-p.
func applyTopP(t topK, p float64) []tokenProb {
	tail := t.rest
	cut := len(t.kept)
	suffix := make([]float64, len(t.kept))
	for i := len(t.kept) - 1; i >= 0; i-- {
		tail += t.kept[i].prob
		suffix[i] = tail
	}
	for i := range t.kept {
		if suffix[i] < 1-p {
			cut = i
			break
		}
	}
	if cut == 0 {
		cut = 1
	}
	return t.kept[:cut]
}
