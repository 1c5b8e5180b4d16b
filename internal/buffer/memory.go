package buffer

import (
	"sync"
	"sync/atomic"
)

// MemoryBuffer implements AppendBuffer using in-memory storage.
// Useful for tests, small live sources and ephemeral views.
type MemoryBuffer[E any] struct {
	mu       sync.RWMutex
	elements []E
	sealed   atomic.Bool
	changed  Signal
}

// NewMemoryBuffer creates an empty MemoryBuffer.
func NewMemoryBuffer[E any]() *MemoryBuffer[E] {
	return &MemoryBuffer[E]{}
}

// NewMemoryBufferOf creates a sealed MemoryBuffer holding a copy of elems.
func NewMemoryBufferOf[E any](elems ...E) *MemoryBuffer[E] {
	b := &MemoryBuffer[E]{elements: append([]E(nil), elems...)}
	b.sealed.Store(true)
	return b
}

// Append adds e to the end of the buffer.
func (b *MemoryBuffer[E]) Append(e E) error {
	b.mu.Lock()
	b.elements = append(b.elements, e)
	b.mu.Unlock()

	b.changed.Broadcast()
	return nil
}

// Get returns the element at index.
func (b *MemoryBuffer[E]) Get(index uint64) (E, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index >= uint64(len(b.elements)) {
		var zero E
		return zero, OutOfRange(index, uint64(len(b.elements)))
	}
	return b.elements[index], nil
}

// Size returns the number of elements.
func (b *MemoryBuffer[E]) Size() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.elements))
}

// Clear removes all elements.
func (b *MemoryBuffer[E]) Clear() {
	b.mu.Lock()
	b.elements = nil
	b.mu.Unlock()

	b.changed.Broadcast()
}

// Seal marks the producer as finished.
func (b *MemoryBuffer[E]) Seal() {
	b.sealed.Store(true)
	b.changed.Broadcast()
}

// Growing reports whether the buffer has not been sealed.
func (b *MemoryBuffer[E]) Growing() bool {
	return !b.sealed.Load()
}

// Changed implements Observable.
func (b *MemoryBuffer[E]) Changed() <-chan struct{} {
	return b.changed.C()
}
