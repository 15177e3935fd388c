package socket

import (
	"context"
	"sync"

	"github.com/schedulezero/schedulezero/pkg/wire"
)

// CallerPool bounds concurrent calls to one responder address. Its size
// is the per-handler concurrency limit: each slot holds at most one
// in-flight request, extra callers block until a slot frees.
//
// Pools are tied to an address. When a handler re-registers elsewhere the
// owner closes the old pool and builds a new one, so stale addresses are
// never dialed.
type CallerPool struct {
	addr string
	sem  chan struct{}

	mu     sync.Mutex
	idle   []*Caller
	closed bool
}

func NewCallerPool(addr string, size int) *CallerPool {
	if size < 1 {
		size = 1
	}
	return &CallerPool{
		addr: addr,
		sem:  make(chan struct{}, size),
	}
}

func (p *CallerPool) Addr() string { return p.addr }

// Call acquires a slot, runs the call on a pooled connection and returns
// the slot. It blocks while the pool is saturated until ctx is done.
func (p *CallerPool) Call(ctx context.Context, call *wire.Call) (*wire.Result, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	caller, err := p.take()
	if err != nil {
		return nil, err
	}
	res, err := caller.Call(ctx, call)
	p.put(caller)
	return res, err
}

func (p *CallerPool) take() (*Caller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrCallerClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return c, nil
	}
	return NewCaller(p.addr), nil
}

func (p *CallerPool) put(c *Caller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
}

// Close drops all pooled connections. In-flight calls finish; their
// callers are closed on return.
func (p *CallerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}
