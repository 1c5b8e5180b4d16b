package filtering

import (
	"sync/atomic"
)

const (
	chunkBits = 12
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
)

type chunk [chunkSize]uint64

// indexList is an append-only list of source indices with one writer and
// any number of lock-free readers.
//
// Values live in fixed-size chunks that never move once allocated. The
// writer fills a slot, then publishes the new length; readers load the
// length first, so every slot below it is fully written. When the chunk
// directory fills up the writer copies it into a larger one and swaps the
// pointer; old directories stay valid for readers still holding them.
type indexList struct {
	dir        atomic.Pointer[[]*chunk]
	length     atomic.Uint64
	generation atomic.Uint64
}

// listView is the length and generation one reader works against.
type listView struct {
	n          uint64
	generation uint64
}

// Len returns the number of published values.
func (l *indexList) Len() uint64 { return l.length.Load() }

// View captures the published length together with the current
// generation.
func (l *indexList) View() listView {
	gen := l.generation.Load()
	return listView{n: l.length.Load(), generation: gen}
}

// Get returns the value at i below v's length. It reports false when the
// list was released after v was taken, even if it has been refilled.
func (l *indexList) Get(v listView, i uint64) (uint64, bool) {
	if i >= v.n {
		return 0, false
	}
	idx, ok := l.At(i)
	if !ok || l.generation.Load() != v.generation {
		return 0, false
	}
	return idx, true
}

// At returns the value at i, which must be below a previously observed
// Len. It reports false when the list was released in the meantime.
func (l *indexList) At(i uint64) (uint64, bool) {
	dirp := l.dir.Load()
	if dirp == nil {
		return 0, false
	}
	dir := *dirp
	c := i >> chunkBits
	if c >= uint64(len(dir)) {
		return 0, false
	}
	return dir[c][i&chunkMask], true
}

// Append adds v. Only one goroutine may call Append.
func (l *indexList) Append(v uint64) {
	n := l.length.Load()
	c := int(n >> chunkBits)

	var dir []*chunk
	if dirp := l.dir.Load(); dirp != nil {
		dir = *dirp
	}
	if c == len(dir) {
		// Readers holding the old header never look past its length, so
		// spare capacity can be filled in place.
		if len(dir) == cap(dir) {
			grown := make([]*chunk, len(dir), max(4, 2*len(dir)))
			copy(grown, dir)
			dir = grown
		}
		dir = append(dir, new(chunk))
		l.dir.Store(&dir)
	}
	dir[c][n&chunkMask] = v
	l.length.Store(n + 1)
}

// Last returns the most recent value and whether there is one.
func (l *indexList) Last() (uint64, bool) {
	n := l.Len()
	if n == 0 {
		return 0, false
	}
	return l.At(n - 1)
}

// Release drops all chunks and starts a new generation. Len reports zero
// afterwards. Release must not race with Append.
func (l *indexList) Release() {
	l.length.Store(0)
	l.dir.Store(nil)
	l.generation.Add(1)
}
