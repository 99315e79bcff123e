package page

import (
	"sync"
	"sync/atomic"
)

// cell computes a value at most once and caches the value and error together.
// Concurrent first callers block until the single computation finishes.
type cell[T any] struct {
	once sync.Once
	done atomic.Bool
	val  T
	err  error
}

func (c *cell[T]) get(compute func() (T, error)) (T, error) {
	c.once.Do(func() {
		c.val, c.err = compute()
		c.done.Store(true)
	})
	return c.val, c.err
}

// peek returns the cached value without triggering the computation.
// ok is false until a computation has finished; a failed computation yields ok with the zero value.
func (c *cell[T]) peek() (val T, ok bool) {
	if !c.done.Load() {
		return val, false
	}
	return c.val, true
}
