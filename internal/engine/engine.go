// Package engine runs decode steps for shards of a pipelined llama model.
// A prompt enters at the first shard, activations flow shard to shard, and
// the last shard samples a token.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/loader"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/metrics"
	"github.com/23skdu/longbow-shard/internal/model"
	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// Output is a decode result: a sampled token on the last shard, otherwise
// the (n, dim) hidden states of the n positions the call covered.
type Output struct {
	Token    int
	HasToken bool
	Hidden   *tensor.Tensor
}

// Tensor renders the output the way it travels between peers: a one-element
// tensor for a token, the hidden states otherwise.
func (o Output) Tensor() *tensor.Tensor {
	if o.HasToken {
		return tensor.New([]int{1}, []float32{float32(o.Token)})
	}
	return o.Hidden
}

type Engine struct {
	runtime  *loader.Runtime
	sampler  *Sampler
	sessions *sessionTable
	log      *logger.Logger
}

func New(rt *loader.Runtime, cfg *config.Config) *Engine {
	e := &Engine{
		runtime:  rt,
		sampler:  NewSampler(cfg.Sampling),
		sessions: newSessionTable(cfg.MaxSessions),
		log:      logger.Log.With("component", "engine"),
	}
	rt.OnEvict(func(l *loader.Loaded) {
		if n := e.sessions.dropModel(l.Model); n > 0 {
			e.log.Info("Dropped sessions of evicted shard", "shard", l.Shard.String(), "sessions", n)
		}
	})
	return e
}

func (e *Engine) Runtime() *loader.Runtime { return e.runtime }

// Sessions is the number of live request sessions.
func (e *Engine) Sessions() int { return e.sessions.len() }

// EnsureShard makes s resident.
func (e *Engine) EnsureShard(ctx context.Context, s shard.Shard) error {
	_, err := e.runtime.Ensure(ctx, s)
	return err
}

// DecodePrompt tokenizes prompt and runs every token through s, which must
// hold the embedding. On the last shard all but the final token only fill
// the cache, the final one is sampled from and the returned state advances
// by the prompt length. On any other shard the output is the (n, dim)
// hidden rows of all n prompt positions and the state is returned
// unchanged, so the next shard can fill its own cache for every position.
func (e *Engine) DecodePrompt(ctx context.Context, requestID string, s shard.Shard, prompt string, state string) (Output, string, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDecodeCall("prompt", time.Since(start)) }()

	l, err := e.runtime.Ensure(ctx, s)
	if err != nil {
		return Output{}, "", false, err
	}
	st, err := DecodeState(state)
	if err != nil {
		return Output{}, "", false, err
	}
	if !s.IsFirst() {
		return Output{}, "", false, fmt.Errorf("%w: prompt sent to shard %s without the embedding", ErrBadInput, s)
	}
	toks := l.Tokenizer.Encode(prompt)
	if len(toks) == 0 {
		return Output{}, "", false, ErrEmptyPrompt
	}

	ins := make([]model.Input, len(toks))
	for i, tok := range toks {
		ins[i] = model.Input{Token: tok}
	}
	e.log.Debug("Decoding prompt", "request", requestID, "tokens", len(toks), "start_pos", st.StartPos)
	return e.run(ctx, requestID, l, ins, st, "prompt")
}

// DecodeTensor runs input through s. A first-layer shard takes a single
// token id; any other shard takes (n, dim) activations for n consecutive
// positions starting at the state's position.
func (e *Engine) DecodeTensor(ctx context.Context, requestID string, s shard.Shard, input *tensor.Tensor, state string) (Output, string, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDecodeCall("tensor", time.Since(start)) }()

	l, err := e.runtime.Ensure(ctx, s)
	if err != nil {
		return Output{}, "", false, err
	}
	st, err := DecodeState(state)
	if err != nil {
		return Output{}, "", false, err
	}
	ins, err := stepInputs(l, input)
	if err != nil {
		return Output{}, "", false, err
	}
	return e.run(ctx, requestID, l, ins, st, "tensor")
}

// run feeds ins at consecutive positions through the request's session.
// Hidden outputs leave the position where it was so the next shard starts
// at the same place; a sampled token advances it past every input.
func (e *Engine) run(ctx context.Context, requestID string, l *loader.Loaded, ins []model.Input, st State, kind string) (Output, string, bool, error) {
	sess := e.sessions.acquire(requestID, l)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if st.StartPos > sess.cache.Len() {
		return Output{}, "", false, fmt.Errorf("%w: request %s at position %d, session holds %d",
			ErrStaleState, requestID, st.StartPos, sess.cache.Len())
	}

	last := l.Shard.IsLast()
	var hidden []float32
	var logits []float32
	for i, in := range ins {
		if err := ctx.Err(); err != nil {
			return Output{}, "", false, err
		}
		final := i == len(ins)-1
		out, err := l.Model.Forward(sess.cache, in, st.StartPos+i, final)
		if err != nil {
			return Output{}, "", false, err
		}
		if !last {
			hidden = append(hidden, out...)
		} else if final {
			logits = out
		}
	}
	metrics.RecordPrefill(len(ins) - 1)
	metrics.RecordStep(kind)

	if !last {
		out := tensor.New([]int{len(ins), l.Model.Args.Dim}, hidden)
		return Output{Hidden: out}, EncodeState(st), false, nil
	}

	tok := e.sampler.Sample(logits, sess.alphaCounts(len(logits)))
	done := tok == l.Tokenizer.EOS()
	metrics.RecordToken(done)
	next := State{StartPos: st.StartPos + len(ins)}
	return Output{Token: tok, HasToken: true}, EncodeState(next), done, nil
}

func stepInputs(l *loader.Loaded, input *tensor.Tensor) ([]model.Input, error) {
	if input == nil {
		return nil, fmt.Errorf("%w: no input tensor", ErrBadInput)
	}
	t, err := tensor.Upcast(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	if l.Shard.IsFirst() {
		if t.Len() != 1 {
			return nil, fmt.Errorf("%w: first shard expects one token id, got %v", ErrBadInput, t.Shape)
		}
		v := float64(t.F32[0])
		if v != math.Trunc(v) || v < 0 {
			return nil, fmt.Errorf("%w: %v is not a token id", ErrBadInput, v)
		}
		return []model.Input{{Token: int(v)}}, nil
	}

	dim := l.Model.Args.Dim
	if t.Rank() == 0 || t.Len() == 0 || t.Len()%dim != 0 || t.Shape[t.Rank()-1] != dim {
		return nil, fmt.Errorf("%w: activation %v, want (n, %d)", ErrBadInput, t.Shape, dim)
	}
	ins := make([]model.Input, t.Len()/dim)
	for i := range ins {
		ins[i] = model.Input{Hidden: t.F32[i*dim : (i+1)*dim]}
	}
	return ins, nil
}
