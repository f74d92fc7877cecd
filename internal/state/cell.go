// Package state provides observable single-writer values
package state

import "sync"

// Cell holds a value and notifies subscribers of every change.
// Subscribers receive the latest value only: a slow reader skips
// intermediate values instead of blocking the writer.
type Cell[T any] struct {
	mu        sync.RWMutex
	value     T
	listeners []chan T
}

// NewCell creates a cell holding initial
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial}
}

// Get returns the current value
func (c *Cell[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set replaces the value and notifies subscribers
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.notifyListeners(v)
}

// Subscribe returns a channel primed with the current value
func (c *Cell[T]) Subscribe() <-chan T {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan T, 1)
	ch <- c.value
	c.listeners = append(c.listeners, ch)
	return ch
}

// Unsubscribe closes and removes a channel returned by Subscribe
func (c *Cell[T]) Unsubscribe(ch <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, listener := range c.listeners {
		if listener == ch {
			close(listener)
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners must be called with the write lock held
func (c *Cell[T]) notifyListeners(v T) {
	for _, ch := range c.listeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
