// Package filtering derives buffers that contain only the rows of a source
// buffer matching a predicate.
//
// A Buffer maps filtered row i to the i-th matching source index. It is
// filled by a Task that scans the source in batches, keeps following it
// while the producer is active and can be canceled between batches. Readers
// never take a lock: matched indices are append-only and published through
// an atomic length.
package filtering

import (
	"fmt"
	"sync"
	"sync/atomic"

	"tailview/internal/buffer"
)

// Predicate decides whether a source element belongs to the filtered view.
// condition.Condition satisfies Predicate[*event.Record].
type Predicate[E any] interface {
	Matches(e E) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc[E any] func(e E) bool

// Matches implements Predicate.
func (f PredicateFunc[E]) Matches(e E) bool { return f(e) }

// Buffer is the filtered view of a source buffer.
type Buffer[E any] struct {
	source    buffer.Buffer[E]
	predicate Predicate[E]

	matches indexList
	cursor  atomic.Uint64

	// writeMu orders the filling task against Dispose and reset.
	writeMu  sync.Mutex
	disposed atomic.Bool
	sealed   atomic.Bool
	changed  buffer.Signal
}

// NewBuffer returns an empty filtered view of source. A nil predicate
// matches every element.
func NewBuffer[E any](source buffer.Buffer[E], predicate Predicate[E]) *Buffer[E] {
	return &Buffer[E]{source: source, predicate: predicate}
}

// Size returns the number of matched rows found so far.
func (b *Buffer[E]) Size() uint64 {
	if b.disposed.Load() {
		return 0
	}
	return b.matches.Len()
}

// Get returns the source element for filtered row i.
func (b *Buffer[E]) Get(i uint64) (E, error) {
	var zero E
	idx, err := b.SourceIndex(i)
	if err != nil {
		return zero, err
	}
	e, err := b.source.Get(idx)
	if err != nil {
		return zero, fmt.Errorf("filtered row %d (source row %d): %w", i, idx, err)
	}
	return e, nil
}

// SourceIndex returns the source index of filtered row i.
func (b *Buffer[E]) SourceIndex(i uint64) (uint64, error) {
	if b.disposed.Load() {
		return 0, buffer.ErrClosed
	}
	view := b.matches.View()
	if i >= view.n {
		return 0, buffer.OutOfRange(i, view.n)
	}
	idx, ok := b.matches.Get(view, i)
	if !ok {
		if b.disposed.Load() {
			return 0, buffer.ErrClosed
		}
		return 0, buffer.OutOfRange(i, b.matches.Len())
	}
	return idx, nil
}

// Source returns the buffer being filtered.
func (b *Buffer[E]) Source() buffer.Buffer[E] { return b.source }

// Predicate returns the predicate rows are matched against.
func (b *Buffer[E]) Predicate() Predicate[E] { return b.predicate }

// ScanCursor returns the next source index the filling task will examine.
func (b *Buffer[E]) ScanCursor() uint64 { return b.cursor.Load() }

// Growing reports whether a task may still add rows.
func (b *Buffer[E]) Growing() bool {
	return !b.sealed.Load() && !b.disposed.Load()
}

// Changed returns a channel closed when rows are added, the buffer is
// sealed or disposed.
func (b *Buffer[E]) Changed() <-chan struct{} { return b.changed.C() }

// Disposed reports whether Dispose was called.
func (b *Buffer[E]) Disposed() bool { return b.disposed.Load() }

// Dispose releases the matched indices. Later reads fail with
// buffer.ErrClosed. The filling task should be canceled first; a task that
// is still running stops adding rows.
func (b *Buffer[E]) Dispose() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.disposed.Swap(true) {
		return
	}
	b.matches.Release()
	b.changed.Broadcast()
}

func (b *Buffer[E]) matchesElement(e E) bool {
	return b.predicate == nil || b.predicate.Matches(e)
}

// publish appends the matches of one scanned batch and advances the
// cursor to next. It reports false once the buffer is disposed.
func (b *Buffer[E]) publish(found []uint64, next uint64) bool {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.disposed.Load() {
		return false
	}
	for _, idx := range found {
		b.matches.Append(idx)
	}
	b.cursor.Store(next)
	if len(found) > 0 {
		b.changed.Broadcast()
	}
	return true
}

// reset forgets every match after the source was truncated.
func (b *Buffer[E]) reset() bool {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.disposed.Load() {
		return false
	}
	b.matches.Release()
	b.cursor.Store(0)
	b.changed.Broadcast()
	return true
}

func (b *Buffer[E]) seal() {
	if !b.sealed.Swap(true) {
		b.changed.Broadcast()
	}
}
