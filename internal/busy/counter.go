// Package busy tracks the process-wide "system is working" signal.
//
// A Counter is a reference count of outstanding operations. Observers are told
// only about the edges: true when the count leaves zero and false when it
// returns to zero. Every Acquire must be matched by exactly one Release; Hold
// makes that pairing structural by handing back an idempotent release func.
package busy

import (
	"sync"
)

// Listener receives busy edge transitions. Listeners run synchronously in edge
// order and must not call back into the Counter.
type Listener func(busy bool)

// Counter is a reference-counted busy indicator. The zero value is not usable;
// construct one with New and share the pointer.
type Counter struct {
	mu    sync.Mutex
	count uint64

	// emitMu is taken before mu is released so edges are delivered in order
	// without holding mu while listeners run.
	emitMu    sync.Mutex
	nextID    int
	listeners map[int]Listener
}

// New creates an idle Counter.
func New() *Counter {
	return &Counter{listeners: make(map[int]Listener)}
}

// Acquire increments the count and broadcasts true on the 0→1 edge.
func (c *Counter) Acquire() {
	c.mu.Lock()
	c.count++
	if c.count != 1 {
		c.mu.Unlock()
		return
	}
	c.emitLocked(true)
}

// Release decrements the count and broadcasts false on the 1→0 edge. Releasing
// an idle counter is a no-op.
func (c *Counter) Release() {
	c.mu.Lock()
	if c.count == 0 {
		c.mu.Unlock()
		return
	}
	c.count--
	if c.count != 0 {
		c.mu.Unlock()
		return
	}
	c.emitLocked(false)
}

// Hold acquires the counter and returns a release func that is safe to call
// more than once; only the first call releases.
func (c *Counter) Hold() func() {
	c.Acquire()
	var once sync.Once
	return func() {
		once.Do(c.Release)
	}
}

// Busy reports whether any acquisition is outstanding.
func (c *Counter) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count > 0
}

// Count returns the number of outstanding acquisitions.
func (c *Counter) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Subscribe registers fn for edge notifications and returns a func that
// removes it.
func (c *Counter) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	c.emitMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.emitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.emitMu.Lock()
			delete(c.listeners, id)
			c.emitMu.Unlock()
		})
	}
}

// emitLocked is entered with mu held and returns with both locks released.
func (c *Counter) emitLocked(state bool) {
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	for _, fn := range c.listeners {
		fn(state)
	}
}
