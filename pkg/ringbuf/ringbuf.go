// Package ringbuf provides a fixed-capacity circular buffer with zero-copy
// window views over the most recent items.
package ringbuf

// Buffer is a fixed-capacity circular buffer. It is not safe for concurrent
// use; callers serialize access.
type Buffer[T any] struct {
	data []T
	head int
	size int
}

// New creates a buffer holding up to capacity items.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{data: make([]T, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.data) }

// Len returns the number of items currently held.
func (b *Buffer[T]) Len() int { return b.size }

// Push appends v, overwriting the oldest item once at capacity.
func (b *Buffer[T]) Push(v T) {
	b.data[b.head] = v
	b.head = (b.head + 1) % len(b.data)
	if b.size < len(b.data) {
		b.size++
	}
}

// Last returns the most recently pushed item.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	idx := (b.head - 1 + len(b.data)) % len(b.data)
	return b.data[idx], true
}

// Window returns a view over the last n items, oldest first. When the buffer
// holds fewer than n items the view covers what is held. The view shares the
// buffer's backing array and stays valid only until the next Push.
func (b *Buffer[T]) Window(n int) Window[T] {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return Window[T]{}
	}
	start := (b.head - n + len(b.data)) % len(b.data)
	if start+n <= len(b.data) {
		return Window[T]{first: b.data[start : start+n]}
	}
	split := len(b.data) - start
	return Window[T]{first: b.data[start:], second: b.data[:n-split]}
}

// Window is a non-owning view over consecutive items, oldest first.
type Window[T any] struct {
	first  []T
	second []T
}

// Len returns the number of items in view.
func (w Window[T]) Len() int { return len(w.first) + len(w.second) }

// At returns the item at index i, 0 being the oldest in view.
func (w Window[T]) At(i int) T {
	if i < len(w.first) {
		return w.first[i]
	}
	return w.second[i-len(w.first)]
}

// First returns the oldest item in view. The view must be non-empty.
func (w Window[T]) First() T { return w.At(0) }

// Last returns the newest item in view. The view must be non-empty.
func (w Window[T]) Last() T { return w.At(w.Len() - 1) }

// Copy returns a window backed by freshly allocated storage. Unlike the view
// returned by Buffer.Window it stays valid across later pushes.
func (w Window[T]) Copy() Window[T] {
	if w.Len() == 0 {
		return Window[T]{}
	}
	out := make([]T, 0, w.Len())
	out = append(out, w.first...)
	out = append(out, w.second...)
	return Window[T]{first: out}
}

// Each calls fn for every item in order until fn returns false.
func (w Window[T]) Each(fn func(i int, v T) bool) {
	for i := range w.first {
		if !fn(i, w.first[i]) {
			return
		}
	}
	off := len(w.first)
	for i := range w.second {
		if !fn(off+i, w.second[i]) {
			return
		}
	}
}
