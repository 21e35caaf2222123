package filtervm

import (
	"errors"
	"sync"
)

// EnginePool keeps a fixed set of pre-warmed engines so a validating
// node can evaluate many filters concurrently without paying isolate
// construction cost per run. Engines are handed out exclusively and
// returned with Put; a Put into a full or disposed pool disposes the
// engine instead.
type EnginePool struct {
	engines chan Engine
	size    int
	mu      sync.Mutex
	closed  bool
}

// NewEnginePool creates size engines up front using cfg.
func NewEnginePool(size int, cfg Config) *EnginePool {
	if size <= 0 {
		size = 1
	}
	pool := &EnginePool{
		engines: make(chan Engine, size),
		size:    size,
	}
	for i := 0; i < size; i++ {
		pool.engines <- NewV8Engine(cfg)
	}
	return pool
}

// Size returns the pool capacity.
func (p *EnginePool) Size() int { return p.size }

// Get acquires an engine, blocking until one is available.
func (p *EnginePool) Get() (Engine, error) {
	eng, ok := <-p.engines
	if !ok {
		return nil, errors.New("engine pool is closed")
	}
	return eng, nil
}

// Put returns an engine to the pool. The send happens under p.mu so it
// can never race the close in Dispose.
func (p *EnginePool) Put(eng Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		eng.Dispose()
		return
	}
	select {
	case p.engines <- eng:
	default:
		eng.Dispose()
	}
}

// Dispose closes the pool and disposes every idle engine. Engines
// checked out at the time of the call are disposed on their next Put.
func (p *EnginePool) Dispose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.engines)
	p.mu.Unlock()
	for eng := range p.engines {
		eng.Dispose()
	}
}
