package clock

import "sync"

// Engine owns the per-key clock table of one region process.
type Engine struct {
	mu     sync.RWMutex
	clocks map[string]VectorClock
}

// NewEngine creates an engine with an empty clock table.
func NewEngine() *Engine {
	return &Engine{clocks: make(map[string]VectorClock)}
}

// Stamp increments region's own counter for key and returns a copy of the
// new clock. Unseen keys start from an empty clock.
func (e *Engine) Stamp(key, region string) VectorClock {
	e.mu.Lock()
	defer e.mu.Unlock()

	vc, ok := e.clocks[key]
	if !ok {
		vc = New()
		e.clocks[key] = vc
	}
	vc.Increment(region)
	return vc.Copy()
}

// Observe merges vc into the stored clock for key and returns the result.
func (e *Engine) Observe(key string, vc VectorClock) VectorClock {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.clocks[key]
	if !ok {
		cur = New()
		e.clocks[key] = cur
	}
	cur.Merge(vc)
	return cur.Copy()
}

// Clock returns a copy of the clock for key, or an empty clock if unseen.
func (e *Engine) Clock(key string) VectorClock {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if vc, ok := e.clocks[key]; ok {
		return vc.Copy()
	}
	return New()
}

// Compare classifies the ordering of two clocks.
func (e *Engine) Compare(a, b VectorClock) Relation {
	return a.Compare(b)
}

// Len returns the number of keys with a clock.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clocks)
}
