package dispatch

import (
	"sync/atomic"
)

// Pool is a fixed set of workers. Connections are assigned round-robin at
// accept time and stay on their worker for life.
type Pool struct {
	workers []*Worker
	next    atomic.Uint64
}

// NewPool creates and starts n workers.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		w := NewWorker(i)
		p.workers[i] = w
		go w.Run()
	}
	return p
}

// Next returns the next worker in round-robin order.
func (p *Pool) Next() *Worker {
	n := p.next.Add(1)
	return p.workers[(n-1)%uint64(len(p.workers))]
}

// Workers returns all workers in the pool.
func (p *Pool) Workers() []*Worker { return p.workers }

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Shutdown stops every worker and waits for their loops to exit.
func (p *Pool) Shutdown() {
	for _, w := range p.workers {
		w.Stop()
	}
	for _, w := range p.workers {
		w.Join()
	}
}
