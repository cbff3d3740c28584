// Package syncutil provides small concurrency-safe primitives shared across
// the swarm engine's indexes.
package syncutil

import "sync"

// Counters is a fixed-size array of integer counters guarded by a single
// mutex, used for piece-frequency histograms that many goroutines increment
// or decrement concurrently.
type Counters struct {
	mu     sync.Mutex
	values []int
}

// NewCounters allocates n counters, all initialized to zero.
func NewCounters(n int) *Counters {
	return &Counters{values: make([]int, n)}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.values)
}

// Increment adds 1 to counter i and returns the new value.
func (c *Counters) Increment(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[i]++
	return c.values[i]
}

// Decrement subtracts 1 from counter i and returns the new value.
func (c *Counters) Decrement(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[i]--
	return c.values[i]
}

// Set assigns v to counter i.
func (c *Counters) Set(i int, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[i] = v
}

// Get reads the current value of counter i.
func (c *Counters) Get(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[i]
}
