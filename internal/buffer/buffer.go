// Package buffer defines the randomly indexable, append-only sequence
// abstraction shared by every tailview buffer, plus the in-memory and
// caching implementations.
//
// Concrete buffers compose freely: a FileBuffer holds the records, a
// filtering buffer maps rows onto any other buffer, and a CachingBuffer
// keeps recently decoded rows reachable for the view reading them.
package buffer

// Buffer is a randomly indexable sequence of elements. Size may grow
// between calls when the buffer is fed by a live producer; indices below
// an observed Size stay valid until the buffer is explicitly cleared.
type Buffer[E any] interface {
	// Size returns the current number of elements.
	Size() uint64

	// Get returns the element at index (0 = oldest). Out of range indices
	// and I/O failures are reported as errors, never panics.
	Get(index uint64) (E, error)
}

// Appender accepts new elements at the end of a buffer.
type Appender[E any] interface {
	Append(e E) error
}

// AppendBuffer is a Buffer that can also be appended to.
type AppendBuffer[E any] interface {
	Buffer[E]
	Appender[E]
}

// Growing is implemented by buffers that know whether a producer is still
// adding elements. Filtering tasks that follow a source keep tailing while
// Growing reports true.
type Growing interface {
	Growing() bool
}

// Observable is implemented by buffers that can signal size changes. The
// returned channel is closed on the next change; callers fetch a fresh
// channel after each wake-up.
type Observable interface {
	Changed() <-chan struct{}
}

// IsGrowing reports whether b is a Growing buffer whose producer is active.
func IsGrowing(b any) bool {
	g, ok := b.(Growing)
	return ok && g.Growing()
}

// ChangedChan returns b's change channel, or nil when b is not Observable.
// A nil channel blocks forever in a select, so callers can use it directly.
func ChangedChan(b any) <-chan struct{} {
	if o, ok := b.(Observable); ok {
		return o.Changed()
	}
	return nil
}
