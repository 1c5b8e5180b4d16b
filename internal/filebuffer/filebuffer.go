// Package filebuffer implements a disk-resident, append-only buffer made of
// a data file and a companion index file.
//
// The data file starts with a header (magic, version, metadata) followed by
// length-prefixed, CRC-protected frames, one per record. The index file holds
// one fixed-width (offset, length) entry per frame, in data order, so any
// record is one index read and one data read away.
//
// Appends write the frame first and the index entry second. Size is derived
// from the index, so a reader that observes Size() == n can read every
// record below n, even while a writer appends concurrently.
package filebuffer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"tailview/internal/buffer"
	"tailview/internal/metrics"
)

// Codec converts elements to and from record payloads.
type Codec[E any] interface {
	Name() string
	Encode(e E) ([]byte, error)
	Decode(data []byte) (E, error)
}

// Options configures opening or creating a FileBuffer.
type Options struct {
	// Writable enables Append and Clear and takes the writer lock.
	Writable bool

	// IndexPath overrides the default index location (data path + ".index").
	IndexPath string

	// Compression is used by Create: "none", "gzip" or "zstd". Open reads
	// it from the header instead.
	Compression string

	// Metadata is merged into the header by Create.
	Metadata map[string]string

	// SyncWrites fsyncs both files after every append.
	SyncWrites bool

	Logger  *slog.Logger
	Metrics *metrics.EngineMetrics
}

// DefaultIndexPath returns the index path used for dataPath when
// Options.IndexPath is empty.
func DefaultIndexPath(dataPath string) string { return dataPath + ".index" }

// FileBuffer is a file-backed buffer.Buffer.
type FileBuffer[E any] struct {
	codec      Codec[E]
	compressor compressor
	opts       Options
	logger     *slog.Logger

	dataPath  string
	indexPath string
	header    Header
	dataStart int64

	// mu serializes Append, Refresh, Clear and Close.
	mu      sync.Mutex
	dataEnd int64

	// filesMu keeps files from being truncated or closed under a Get.
	filesMu sync.RWMutex
	data    *os.File
	index   *os.File
	lock    *flock.Flock

	size      atomic.Uint64
	sealed    atomic.Bool
	closed    atomic.Bool
	followers atomic.Int32
	changed   buffer.Signal
}

// Create creates a new data file with an empty index. It fails with
// ErrExists if the data file is already present.
func Create[E any](dataPath string, codec Codec[E], opts Options) (*FileBuffer[E], error) {
	opts.Writable = true
	comp, err := newCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}
	compressionName := opts.Compression
	if compressionName == "" {
		compressionName = CompressionNone
	}

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, buffer.IOError("create data directory", err)
	}

	lock, err := acquireWriterLock(dataPath)
	if err != nil {
		return nil, err
	}
	fb, err := create(dataPath, codec, comp, compressionName, lock, opts)
	if err != nil {
		comp.close()
		_ = lock.Unlock()
		return nil, err
	}
	return fb, nil
}

func create[E any](dataPath string, codec Codec[E], comp compressor, compressionName string, lock *flock.Flock, opts Options) (*FileBuffer[E], error) {
	meta := map[string]string{MetaContentType: DefaultContentType}
	maps.Copy(meta, opts.Metadata)
	meta[MetaCodec] = codec.Name()
	meta[MetaCompression] = compressionName
	header := Header{Version: Version, Metadata: meta}

	hdr, err := encodeHeader(header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	data, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", dataPath, ErrExists)
		}
		return nil, buffer.IOError("create data file", err)
	}
	if _, err := data.WriteAt(hdr, 0); err != nil {
		data.Close()
		os.Remove(dataPath)
		return nil, buffer.IOError("write header", err)
	}
	if err := data.Sync(); err != nil {
		data.Close()
		os.Remove(dataPath)
		return nil, buffer.IOError("sync header", err)
	}

	indexPath := opts.IndexPath
	if indexPath == "" {
		indexPath = DefaultIndexPath(dataPath)
	}
	index, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		data.Close()
		os.Remove(dataPath)
		return nil, buffer.IOError("create index file", err)
	}

	fb := newFileBuffer(dataPath, indexPath, codec, comp, header, int64(len(hdr)), opts)
	fb.data = data
	fb.index = index
	fb.lock = lock
	fb.dataEnd = int64(len(hdr))
	fb.logger.Debug("created file buffer", "compression", compressionName, "codec", codec.Name())
	return fb, nil
}

// Open opens an existing data and index pair.
//
// Open fails with a *FormatError for a bad header, ErrStaleIndex when the
// index is missing or older than the data file, and ErrCorruptIndex when
// the index length is not a whole number of entries or more than one
// trailing entry points past the end of the data file. A single trailing
// entry for an incomplete write is dropped.
func Open[E any](dataPath string, codec Codec[E], opts Options) (*FileBuffer[E], error) {
	var lock *flock.Flock
	if opts.Writable {
		l, err := acquireWriterLock(dataPath)
		if err != nil {
			return nil, err
		}
		lock = l
	}

	fb, err := open(dataPath, codec, lock, opts)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}
	return fb, nil
}

func open[E any](dataPath string, codec Codec[E], lock *flock.Flock, opts Options) (*FileBuffer[E], error) {
	flags := os.O_RDONLY
	if opts.Writable {
		flags = os.O_RDWR
	}

	data, err := os.OpenFile(dataPath, flags, 0)
	if err != nil {
		return nil, buffer.IOError("open data file", err)
	}
	fail := func(err error) (*FileBuffer[E], error) {
		data.Close()
		return nil, err
	}

	dataInfo, err := data.Stat()
	if err != nil {
		return fail(buffer.IOError("stat data file", err))
	}

	header, dataStart, err := readHeader(data, dataPath, dataInfo.Size())
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			return fail(err)
		}
		return fail(buffer.IOError("read header", err))
	}
	if name := header.Get(MetaCodec); name != codec.Name() {
		return fail(fmt.Errorf("%s: %w: file uses %q, opened with %q", dataPath, ErrCodecMismatch, name, codec.Name()))
	}
	comp, err := newCompressor(header.Get(MetaCompression))
	if err != nil {
		return fail(&FormatError{Path: dataPath, Reason: err.Error()})
	}

	indexPath := opts.IndexPath
	if indexPath == "" {
		indexPath = DefaultIndexPath(dataPath)
	}
	indexInfo, err := os.Stat(indexPath)
	if err != nil {
		comp.close()
		if errors.Is(err, os.ErrNotExist) {
			return fail(fmt.Errorf("%s: index missing: %w", indexPath, buffer.ErrStaleIndex))
		}
		return fail(buffer.IOError("stat index file", err))
	}
	if indexInfo.ModTime().Before(dataInfo.ModTime()) {
		comp.close()
		return fail(fmt.Errorf("%s: older than data file: %w", indexPath, buffer.ErrStaleIndex))
	}

	index, err := os.OpenFile(indexPath, flags, 0)
	if err != nil {
		comp.close()
		return fail(buffer.IOError("open index file", err))
	}

	// Appends write data before index, so the data length must be read
	// after the index length for every indexed frame to be covered.
	indexLen := indexInfo.Size()
	dataLen := dataInfo.Size()
	if !opts.Writable {
		info, err := data.Stat()
		if err != nil {
			index.Close()
			comp.close()
			return fail(buffer.IOError("stat data file", err))
		}
		dataLen = info.Size()
		// A concurrent writer may be midway through an index entry.
		indexLen -= indexLen % IndexEntrySize
	}

	count, dataEnd, err := validateIndex(index, indexLen, dataStart, dataLen)
	if err != nil {
		index.Close()
		comp.close()
		return fail(fmt.Errorf("%s: %w", indexPath, err))
	}

	fb := newFileBuffer(dataPath, indexPath, codec, comp, header, dataStart, opts)
	fb.data = data
	fb.index = index
	fb.lock = lock
	fb.dataEnd = dataEnd
	fb.size.Store(count)

	if err := adviseRandom(data); err != nil {
		fb.logger.Debug("fadvise failed", "error", err)
	}

	if opts.Writable {
		if err := fb.repair(indexLen, dataLen); err != nil {
			index.Close()
			comp.close()
			return fail(err)
		}
	} else {
		// Read-only buffers are complete unless a follower is attached.
		fb.sealed.Store(true)
	}

	if uint64(indexLen/IndexEntrySize) != count {
		fb.logger.Warn("dropped incomplete trailing record", "records", count)
	}
	fb.logger.Debug("opened file buffer", "records", count, "writable", opts.Writable)
	return fb, nil
}

// ReadHeader reads the header of the data file at dataPath without
// opening the buffer or its index.
func ReadHeader(dataPath string) (Header, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return Header{}, buffer.IOError("open data file", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Header{}, buffer.IOError("stat data file", err)
	}
	h, _, err := readHeader(f, dataPath, info.Size())
	return h, err
}

// OpenOrCreate opens dataPath if it exists and creates it otherwise.
func OpenOrCreate[E any](dataPath string, codec Codec[E], opts Options) (*FileBuffer[E], error) {
	if _, err := os.Stat(dataPath); err == nil {
		return Open(dataPath, codec, opts)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, buffer.IOError("stat data file", err)
	}
	return Create(dataPath, codec, opts)
}

func newFileBuffer[E any](dataPath, indexPath string, codec Codec[E], comp compressor, header Header, dataStart int64, opts Options) *FileBuffer[E] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBuffer[E]{
		codec:      codec,
		compressor: comp,
		opts:       opts,
		logger:     logger.With("component", "filebuffer", "path", dataPath),
		dataPath:   dataPath,
		indexPath:  indexPath,
		header:     header,
		dataStart:  dataStart,
	}
}

// validateIndex checks the index length against the data file and returns
// the usable record count and the end of the last usable frame.
func validateIndex(index io.ReaderAt, indexLen, dataStart, dataLen int64) (uint64, int64, error) {
	if indexLen%IndexEntrySize != 0 {
		return 0, 0, fmt.Errorf("%w: length %d is not a multiple of %d", buffer.ErrCorruptIndex, indexLen, IndexEntrySize)
	}

	count := uint64(indexLen / IndexEntrySize)
	for dropped := 0; count > 0; dropped++ {
		last, err := readIndexEntry(index, count-1)
		if err != nil {
			return 0, 0, buffer.IOError("read index", err)
		}
		if int64(last.Offset) >= dataStart && int64(last.End()) <= dataLen {
			return count, int64(last.End()), nil
		}
		if dropped == 1 {
			return 0, 0, fmt.Errorf("%w: entry %d points past end of data", buffer.ErrCorruptIndex, count-1)
		}
		count--
	}
	return 0, dataStart, nil
}

// repair truncates a trailing partial frame and a dropped index entry so
// the next append overwrites them. It runs only for writable opens.
func (fb *FileBuffer[E]) repair(indexLen, dataLen int64) error {
	want := int64(fb.size.Load()) * IndexEntrySize
	if want == indexLen && fb.dataEnd == dataLen {
		return nil
	}
	if fb.dataEnd != dataLen {
		if err := fb.data.Truncate(fb.dataEnd); err != nil {
			return buffer.IOError("truncate data file", err)
		}
	}
	if want != indexLen {
		if err := fb.index.Truncate(want); err != nil {
			return buffer.IOError("truncate index file", err)
		}
	}
	// Truncating data bumps its mtime; keep the index from looking stale.
	now := time.Now()
	if err := os.Chtimes(fb.indexPath, now, now); err != nil {
		return buffer.IOError("touch index file", err)
	}
	return nil
}

func readIndexEntry(index io.ReaderAt, i uint64) (IndexEntry, error) {
	var b [IndexEntrySize]byte
	if _, err := index.ReadAt(b[:], int64(i*IndexEntrySize)); err != nil {
		return IndexEntry{}, err
	}
	return decodeIndexEntry(b[:]), nil
}

// Append encodes e and adds it at the end of the buffer.
func (fb *FileBuffer[E]) Append(e E) error {
	if !fb.opts.Writable {
		return buffer.ErrReadOnly
	}

	payload, err := fb.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	payload, err = fb.compressor.compress(payload)
	if err != nil {
		return fmt.Errorf("compress record: %w", err)
	}
	if len(payload) > MaxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds limit of %d", len(payload), MaxRecordSize)
	}
	frame := encodeFrame(payload)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closed.Load() {
		return buffer.ErrClosed
	}

	entry := IndexEntry{Offset: uint64(fb.dataEnd), Length: uint32(len(frame))}
	if _, err := fb.data.WriteAt(frame, fb.dataEnd); err != nil {
		return buffer.IOError("write record", err)
	}
	n := fb.size.Load()
	if _, err := fb.index.WriteAt(entry.appendTo(nil), int64(n*IndexEntrySize)); err != nil {
		return buffer.IOError("write index entry", err)
	}
	if fb.opts.SyncWrites {
		if err := fb.data.Sync(); err != nil {
			return buffer.IOError("sync data file", err)
		}
		if err := fb.index.Sync(); err != nil {
			return buffer.IOError("sync index file", err)
		}
	}

	fb.dataEnd += int64(len(frame))
	fb.size.Store(n + 1)
	fb.opts.Metrics.RecordAppend(len(frame))
	fb.changed.Broadcast()
	return nil
}

// Get reads and decodes the record at index i.
func (fb *FileBuffer[E]) Get(i uint64) (E, error) {
	var zero E

	fb.filesMu.RLock()
	defer fb.filesMu.RUnlock()
	if fb.closed.Load() {
		return zero, buffer.ErrClosed
	}

	size := fb.size.Load()
	if i >= size {
		return zero, buffer.OutOfRange(i, size)
	}

	entry, err := readIndexEntry(fb.index, i)
	if err != nil {
		return zero, buffer.IOError(fmt.Sprintf("read index entry %d", i), err)
	}
	if entry.Length < frameOverhead || entry.Length > MaxRecordSize+frameOverhead {
		return zero, fmt.Errorf("index entry %d: %w: frame length %d", i, buffer.ErrCorruptIndex, entry.Length)
	}

	frame := make([]byte, entry.Length)
	if _, err := fb.data.ReadAt(frame, int64(entry.Offset)); err != nil {
		return zero, buffer.IOError(fmt.Sprintf("read record %d", i), err)
	}
	payload, err := decodeFrame(frame)
	if err != nil {
		return zero, buffer.IOError(fmt.Sprintf("record %d", i), err)
	}
	payload, err = fb.compressor.decompress(payload)
	if err != nil {
		return zero, buffer.IOError(fmt.Sprintf("record %d", i), err)
	}

	e, err := fb.codec.Decode(payload)
	if err != nil {
		return zero, fmt.Errorf("record %d: %w", i, err)
	}
	return e, nil
}

// Size returns the number of indexed records.
func (fb *FileBuffer[E]) Size() uint64 { return fb.size.Load() }

// Refresh re-reads the index length, picking up records appended by
// another process. It returns the new size.
func (fb *FileBuffer[E]) Refresh() (uint64, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closed.Load() {
		return 0, buffer.ErrClosed
	}
	if fb.opts.Writable {
		return fb.size.Load(), nil
	}

	indexInfo, err := fb.index.Stat()
	if err != nil {
		return 0, buffer.IOError("stat index file", err)
	}
	dataInfo, err := fb.data.Stat()
	if err != nil {
		return 0, buffer.IOError("stat data file", err)
	}

	// A writer may be between its data and index writes; only whole
	// entries whose frames are fully on disk count.
	count := uint64(indexInfo.Size() / IndexEntrySize)
	for count > 0 {
		last, err := readIndexEntry(fb.index, count-1)
		if err != nil {
			return 0, buffer.IOError("read index", err)
		}
		if int64(last.End()) <= dataInfo.Size() {
			break
		}
		count--
	}

	old := fb.size.Swap(count)
	if old != count {
		fb.changed.Broadcast()
	}
	return count, nil
}

// Clear truncates both files back to an empty buffer.
func (fb *FileBuffer[E]) Clear() error {
	if !fb.opts.Writable {
		return buffer.ErrReadOnly
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.filesMu.Lock()
	defer fb.filesMu.Unlock()
	if fb.closed.Load() {
		return buffer.ErrClosed
	}

	fb.size.Store(0)
	if err := fb.index.Truncate(0); err != nil {
		return buffer.IOError("truncate index file", err)
	}
	if err := fb.data.Truncate(fb.dataStart); err != nil {
		return buffer.IOError("truncate data file", err)
	}
	now := time.Now()
	if err := os.Chtimes(fb.indexPath, now, now); err != nil {
		return buffer.IOError("touch index file", err)
	}
	fb.dataEnd = fb.dataStart
	fb.logger.Info("cleared file buffer")
	fb.changed.Broadcast()
	return nil
}

// Seal marks the producer as finished; Growing reports false afterwards.
func (fb *FileBuffer[E]) Seal() {
	if !fb.sealed.Swap(true) {
		fb.changed.Broadcast()
	}
}

// Growing reports whether records may still be appended: true for a
// writable buffer until Seal or Close, and for a read-only buffer while a
// follower is attached.
func (fb *FileBuffer[E]) Growing() bool {
	if fb.closed.Load() {
		return false
	}
	return !fb.sealed.Load() || fb.followers.Load() > 0
}

// Follow marks the buffer as fed by an external writer until the returned
// function is called.
func (fb *FileBuffer[E]) Follow() (unfollow func()) {
	fb.followers.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			fb.followers.Add(-1)
			fb.changed.Broadcast()
		})
	}
}

// Changed returns a channel closed on the next size change, Seal or Close.
func (fb *FileBuffer[E]) Changed() <-chan struct{} { return fb.changed.C() }

// Header returns a copy of the data file header.
func (fb *FileBuffer[E]) Header() Header {
	return Header{Version: fb.header.Version, Metadata: maps.Clone(fb.header.Metadata)}
}

// DataFilePath returns the data file path.
func (fb *FileBuffer[E]) DataFilePath() string { return fb.dataPath }

// IndexFilePath returns the index file path.
func (fb *FileBuffer[E]) IndexFilePath() string { return fb.indexPath }

// LockFilePath returns the path of the writer lock file.
func (fb *FileBuffer[E]) LockFilePath() string { return lockPath(fb.dataPath) }

// Writable reports whether the buffer accepts appends.
func (fb *FileBuffer[E]) Writable() bool { return fb.opts.Writable }

// Close syncs and closes both files and releases the writer lock.
func (fb *FileBuffer[E]) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.filesMu.Lock()
	defer fb.filesMu.Unlock()
	if fb.closed.Swap(true) {
		return nil
	}
	defer fb.changed.Broadcast()

	var errs []error
	if fb.opts.Writable {
		if err := fb.data.Sync(); err != nil {
			errs = append(errs, buffer.IOError("sync data file", err))
		}
		if err := fb.index.Sync(); err != nil {
			errs = append(errs, buffer.IOError("sync index file", err))
		}
	}
	if err := fb.index.Close(); err != nil {
		errs = append(errs, buffer.IOError("close index file", err))
	}
	if err := fb.data.Close(); err != nil {
		errs = append(errs, buffer.IOError("close data file", err))
	}
	if fb.lock != nil {
		if err := fb.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("unlock: %w", err))
		}
	}
	fb.compressor.close()
	return errors.Join(errs...)
}
