package filebuffer

import (
	"errors"
	"fmt"

	"tailview/internal/buffer"
)

// FileBuffer-specific errors
var (
	// ErrLocked indicates that another writer holds the data file.
	ErrLocked = errors.New("filebuffer: data file locked by another writer")

	// ErrExists indicates Create was called on an existing data file.
	ErrExists = errors.New("filebuffer: data file already exists")

	// ErrChecksum indicates a record whose CRC does not match its payload.
	ErrChecksum = errors.New("filebuffer: record checksum mismatch")

	// ErrCodecMismatch indicates a data file written with another codec.
	ErrCodecMismatch = errors.New("filebuffer: codec mismatch")
)

// FormatError reports a data file whose header cannot be used.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("filebuffer: %s: bad format: %s", e.Path, e.Reason)
}

// Unwrap classifies format errors as index corruption: the pair cannot be
// trusted for random access.
func (e *FormatError) Unwrap() error { return buffer.ErrCorruptIndex }
