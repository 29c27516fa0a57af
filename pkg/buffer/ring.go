package buffer

import "sync"

// Ring is a fixed-capacity circular buffer.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // next write position
	size  int
	opts  *ringOptions[T]
}

// NewRing creates a ring holding at most capacity items. Capacity below 1 is raised to 1.
func NewRing[T any](capacity int, options ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items: make([]T, capacity),
		opts:  applyOptions(options...),
	}
}

// Push adds item. When the ring is full under DropOldest it returns the evicted
// item and true. Under DropNewest the incoming item is discarded and returned.
func (r *Ring[T]) Push(item T) (T, bool) {
	var (
		dropped T
		ok      bool
	)

	r.mu.Lock()
	if r.size == len(r.items) {
		if r.opts.overflowPolicy == DropNewest {
			r.mu.Unlock()
			r.notifyDrop(item)
			return item, true
		}
		dropped, ok = r.items[r.head], true
	} else {
		r.size++
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.mu.Unlock()

	if ok {
		r.notifyDrop(dropped)
	}
	return dropped, ok
}

func (r *Ring[T]) notifyDrop(item T) {
	if r.opts.dropCallback != nil {
		r.opts.dropCallback(item)
	}
}

// Items returns a copy of the contents ordered oldest to newest.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.size)
	start := (r.head - r.size + len(r.items)) % len(r.items)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}

// Latest returns up to n of the newest items, newest first.
func (r *Ring[T]) Latest(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size || n < 0 {
		n = r.size
	}
	out := make([]T, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.items[(r.head-i+len(r.items))%len(r.items)])
	}
	return out
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Clear removes all items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}
