package cpu

import (
	"sync"
	"sync/atomic"
)

var allocatedBytes int64

// AllocatedBytes reports scratch memory handed out by all pools.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Pool recycles float32 scratch buffers by length.
type Pool struct {
	mu   sync.Mutex
	free map[int][][]float32
}

func NewPool() *Pool {
	return &Pool{free: make(map[int][][]float32)}
}

// Get returns a zeroed buffer of length n.
func (p *Pool) Get(n int) []float32 {
	p.mu.Lock()
	bufs := p.free[n]
	if len(bufs) > 0 {
		b := bufs[len(bufs)-1]
		p.free[n] = bufs[:len(bufs)-1]
		p.mu.Unlock()
		clear(b)
		return b
	}
	p.mu.Unlock()
	atomic.AddInt64(&allocatedBytes, int64(n*4))
	return make([]float32, n)
}

func (p *Pool) Put(b []float32) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[len(b)] = append(p.free[len(b)], b)
}

// Free drops every pooled buffer.
func (p *Pool) Free() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n, bufs := range p.free {
		atomic.AddInt64(&allocatedBytes, -int64(n*4*len(bufs)))
	}
	p.free = make(map[int][][]float32)
}
