package buffer

import (
	"errors"
	"fmt"
)

// Buffer errors shared by every implementation.
var (
	// ErrIO indicates a disk failure or truncated file.
	ErrIO = errors.New("buffer: i/o error")

	// ErrCorruptIndex indicates an index that does not match its data file.
	ErrCorruptIndex = errors.New("buffer: corrupt index")

	// ErrStaleIndex indicates an index older than its data file. It is a
	// kind of ErrCorruptIndex; the index must be rebuilt before use.
	ErrStaleIndex = fmt.Errorf("%w: stale index", ErrCorruptIndex)

	// ErrOutOfRange indicates an index at or beyond the buffer size.
	ErrOutOfRange = errors.New("buffer: index out of range")

	// ErrClosed indicates use of a closed or disposed buffer.
	ErrClosed = errors.New("buffer: closed")

	// ErrReadOnly indicates an append to a buffer opened read-only.
	ErrReadOnly = errors.New("buffer: read-only")
)

// RangeError reports an out of range access.
type RangeError struct {
	Index uint64
	Size  uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("buffer: index %d out of range [0,%d)", e.Index, e.Size)
}

// Is matches ErrOutOfRange.
func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// OutOfRange returns a *RangeError for index against size.
func OutOfRange(index, size uint64) error {
	return &RangeError{Index: index, Size: size}
}

// IOError wraps err so that it matches ErrIO while keeping the cause.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
