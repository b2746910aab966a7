package eventloop

import (
	"runtime"
	"sync/atomic"
)

// Pool is a fixed set of loops shared by many connections. Each connection is
// assigned one loop for its whole life, so per-connection work stays serial
// while the pool as a whole uses every core.
type Pool struct {
	loops []*Loop
	next  atomic.Uint32
}

// NewPool creates a pool of size loops. A size of zero or less falls back to
// runtime.NumCPU. onPanic is shared by every loop; see NewLoop.
func NewPool(size int, onPanic func(v any)) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	loops := make([]*Loop, size)
	for i := range loops {
		loops[i] = NewLoop(onPanic)
	}
	return &Pool{loops: loops}
}

// Start launches every loop in the pool.
func (p *Pool) Start() {
	for _, l := range p.loops {
		l.Start()
	}
}

// Stop stops every loop and waits for them to finish.
func (p *Pool) Stop() {
	for _, l := range p.loops {
		l.Stop()
	}
}

// Next returns the next loop in round-robin order.
func (p *Pool) Next() *Loop {
	n := p.next.Add(1) - 1
	return p.loops[n%uint32(len(p.loops))]
}

// Size returns the number of loops in the pool.
func (p *Pool) Size() int {
	return len(p.loops)
}
