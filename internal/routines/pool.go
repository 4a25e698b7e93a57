// Package routines provides a bounded pool of go-routines.
package routines

import (
	"sync"
)

// Pool runs queued functions on a fixed number of go-routines.
// Functions are started in the order they were queued. A Pool of size 1
// therefore executes them sequentially in queue order.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool

	wg sync.WaitGroup
}

// NewPool creates a pool and starts workers go-routines.
func NewPool(workers int) *Pool {
	if workers < 1 {
		panic("routines: worker count must be >= 1")
	}

	p := Pool{}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return &p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.closed {
			p.cond.Wait()
		}

		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}

		fn := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.mu.Unlock()

		fn()
	}
}

// Queue schedules fn for execution. It never blocks.
// Queue panics when it is called after Wait().
func (p *Pool) Queue(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		panic("routines: Queue called on terminated pool")
	}

	p.pending = append(p.pending, fn)
	p.cond.Signal()
}

// Wait waits until all queued functions were executed and terminates the
// worker go-routines.
func (p *Pool) Wait() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}
