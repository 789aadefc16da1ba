// Package node runs one peer of a pipeline ring. Each node serves a single
// shard; activations flow from the first shard towards the last, and the
// last shard's sampled token travels back around to the first, which owns
// the request and decides when generation stops.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-shard/internal/engine"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/transport"
)

var (
	ErrNotHead        = errors.New("node: only the first shard can start a request")
	ErrUnknownRequest = errors.New("node: unknown request")
	ErrOutOfOrder     = errors.New("node: activation from a non-adjacent shard")
)

// Recorder receives decode timings and alerts; monitoring.HealthMonitor
// satisfies it.
type Recorder interface {
	RecordDecode(tokens int, duration time.Duration)
	AddAlert(level, component, message string)
}

// Result is a finished generation.
type Result struct {
	RequestID string
	Tokens    []int
	Text      string
	EOS       bool
}

type request struct {
	max    int
	tokens []int
	eos    bool
	err    error
	once   sync.Once
	done   chan struct{}
}

func (r *request) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

type Node struct {
	engine   *engine.Engine
	shard    shard.Shard
	next     transport.Sender
	recorder Recorder

	mu       sync.Mutex
	requests map[string]*request

	queue chan transport.Activation
	stop  chan struct{}
	wg    sync.WaitGroup
	log   *logger.Logger
}

// New builds a node serving s that forwards its outputs to next.
func New(e *engine.Engine, s shard.Shard, next transport.Sender) (*Node, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("node %s: no next peer", s)
	}
	n := &Node{
		engine:   e,
		shard:    s,
		next:     next,
		requests: make(map[string]*request),
		queue:    make(chan transport.Activation, 64),
		stop:     make(chan struct{}),
		log:      logger.Log.With("component", "node", "shard", s.String()),
	}
	n.wg.Add(1)
	go n.forward()
	return n, nil
}

// SetRecorder attaches a monitoring sink.
func (n *Node) SetRecorder(r Recorder) { n.recorder = r }

func (n *Node) Shard() shard.Shard { return n.shard }

// Close stops forwarding and fails every pending request.
func (n *Node) Close() error {
	close(n.stop)
	n.wg.Wait()
	n.mu.Lock()
	for id, r := range n.requests {
		r.finish(errors.New("node closed"))
		delete(n.requests, id)
	}
	n.mu.Unlock()
	return n.next.Close()
}

// Generate starts a request at this node and blocks until the ring returns
// an end-of-sequence token, maxTokens tokens were produced, or ctx ends.
func (n *Node) Generate(ctx context.Context, prompt string, maxTokens int) (Result, error) {
	if !n.shard.IsFirst() {
		return Result{}, ErrNotHead
	}
	if maxTokens <= 0 {
		return Result{}, fmt.Errorf("node: max tokens must be positive, got %d", maxTokens)
	}
	id := uuid.NewString()
	req := &request{max: maxTokens, done: make(chan struct{})}
	n.mu.Lock()
	n.requests[id] = req
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.requests, id)
		n.mu.Unlock()
	}()

	start := time.Now()
	out, state, done, err := n.engine.DecodePrompt(ctx, id, n.shard, prompt, "")
	if err != nil {
		return Result{}, err
	}
	positions := 1
	if out.Hidden != nil {
		positions = out.Hidden.Shape[0]
	} else if st, err := engine.DecodeState(state); err == nil {
		positions = st.StartPos
	}
	n.record(start, positions)
	if err := n.emit(ctx, id, out, state, done); err != nil {
		return Result{}, err
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if req.err != nil {
		return Result{}, req.err
	}

	res := Result{RequestID: id, Tokens: req.tokens, EOS: req.eos}
	l, err := n.engine.Runtime().Ensure(ctx, n.shard)
	if err != nil {
		return res, err
	}
	res.Text = l.Tokenizer.Decode(res.Tokens)
	return res, nil
}

// HandleActivation decodes an activation from the previous peer and queues
// the output for the next one. A token arriving at the head is recorded
// against its request before decoding continues.
func (n *Node) HandleActivation(ctx context.Context, a transport.Activation) error {
	if err := n.accepts(a.Shard); err != nil {
		return err
	}
	if a.Shard.IsLast() {
		cont, err := n.collect(a)
		if err != nil || !cont {
			return err
		}
	}

	start := time.Now()
	out, state, done, err := n.engine.DecodeTensor(ctx, a.RequestID, n.shard, a.Tensor, a.State)
	if err != nil {
		n.alert("error", fmt.Sprintf("decode %s failed: %v", a.RequestID, err))
		return err
	}
	positions := 1
	if a.Tensor.Rank() == 2 {
		positions = a.Tensor.Shape[0]
	}
	n.record(start, positions)
	return n.emit(ctx, a.RequestID, out, state, done)
}

func (n *Node) accepts(from shard.Shard) error {
	if from.ModelID != n.shard.ModelID || from.NLayers != n.shard.NLayers {
		return fmt.Errorf("%w: %s sent to %s", ErrOutOfOrder, from, n.shard)
	}
	if from.IsLast() && n.shard.IsFirst() {
		return nil
	}
	if from.EndLayer != n.shard.StartLayer {
		return fmt.Errorf("%w: %s sent to %s", ErrOutOfOrder, from, n.shard)
	}
	return nil
}

// collect appends a sampled token to its request and reports whether the
// ring should keep decoding.
func (n *Node) collect(a transport.Activation) (bool, error) {
	n.mu.Lock()
	req, ok := n.requests[a.RequestID]
	n.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRequest, a.RequestID)
	}
	if a.Tensor == nil || a.Tensor.Len() != 1 {
		return false, fmt.Errorf("node: token activation for %s has shape %v", a.RequestID, a.Tensor)
	}
	tok := int(a.Tensor.F32[0])
	req.tokens = append(req.tokens, tok)
	if a.Done {
		req.eos = true
		req.finish(nil)
		return false, nil
	}
	if len(req.tokens) >= req.max {
		req.finish(nil)
		return false, nil
	}
	return true, nil
}

func (n *Node) emit(ctx context.Context, id string, out engine.Output, state string, done bool) error {
	a := transport.Activation{RequestID: id, Shard: n.shard, State: state, Done: done, Tensor: out.Tensor()}
	select {
	case n.queue <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stop:
		return errors.New("node closed")
	}
}

// forward drains the queue so no peer blocks on the whole ring.
func (n *Node) forward() {
	defer n.wg.Done()
	for {
		select {
		case a := <-n.queue:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := n.next.Send(ctx, a)
			cancel()
			if err != nil {
				n.log.Error("Forwarding activation failed", "request", a.RequestID, "error", err)
				n.alert("error", fmt.Sprintf("forward %s failed: %v", a.RequestID, err))
				n.fail(a.RequestID, err)
			}
		case <-n.stop:
			return
		}
	}
}

func (n *Node) fail(id string, err error) {
	n.mu.Lock()
	req, ok := n.requests[id]
	n.mu.Unlock()
	if ok {
		req.finish(err)
	}
}

func (n *Node) record(start time.Time, positions int) {
	if n.recorder != nil {
		n.recorder.RecordDecode(positions, time.Since(start))
	}
}

func (n *Node) alert(level, msg string) {
	if n.recorder != nil {
		n.recorder.AddAlert(level, "node", msg)
	}
}
