package filebuffer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tailview/internal/buffer"
	"tailview/internal/event"
	"tailview/internal/metrics"
)

type recordCodec = Codec[*event.Record]

func testRecord(i int) *event.Record {
	return &event.Record{
		Sequence:  uint64(i),
		Timestamp: time.Unix(1700000000, int64(i)*1000).UTC(),
		Source:    event.SourceIdentifier{Primary: "test", Secondary: "unit"},
		Level:     event.Level(i % 5),
		Logger:    "app.component",
		Message:   fmt.Sprintf("message number %d", i),
		Fields:    map[string]string{"i": fmt.Sprint(i)},
	}
}

// createTestBuffer creates a writable buffer in a temp dir and closes it at
// the end of the test.
func createTestBuffer(t *testing.T, opts Options) (*FileBuffer[*event.Record], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.tveb")
	fb, err := Create[*event.Record](path, event.JSONCodec{}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })
	return fb, path
}

func appendN(t *testing.T, fb *FileBuffer[*event.Record], from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		require.NoError(t, fb.Append(testRecord(i)))
	}
}

// touch moves the mtime of path by d relative to now.
func touch(t *testing.T, path string, d time.Duration) {
	t.Helper()
	ts := time.Now().Add(d)
	require.NoError(t, os.Chtimes(path, ts, ts))
}

// =============================================================================
// Round trip tests
// =============================================================================

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		codec       recordCodec
		compression string
	}{
		{"json", event.JSONCodec{}, CompressionNone},
		{"cbor", event.CBORCodec{}, CompressionNone},
		{"json gzip", event.JSONCodec{}, CompressionGzip},
		{"cbor zstd", event.CBORCodec{}, CompressionZstd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rt.tveb")
			fb, err := Create(path, tt.codec, Options{Compression: tt.compression, SyncWrites: true})
			require.NoError(t, err)

			for i := 0; i < 50; i++ {
				require.NoError(t, fb.Append(testRecord(i)))
			}
			assert.Equal(t, uint64(50), fb.Size())
			require.NoError(t, fb.Close())

			reopened, err := Open(path, tt.codec, Options{})
			require.NoError(t, err)
			defer reopened.Close()

			require.Equal(t, uint64(50), reopened.Size())
			for i := 0; i < 50; i++ {
				got, err := reopened.Get(uint64(i))
				require.NoError(t, err)
				assert.Equal(t, testRecord(i), got)
			}

			h := reopened.Header()
			assert.Equal(t, uint32(Version), h.Version)
			assert.Equal(t, tt.codec.Name(), h.Get(MetaCodec))
			assert.Equal(t, tt.compression, h.Get(MetaCompression))
			assert.Equal(t, DefaultContentType, h.Get(MetaContentType))
		})
	}
}

func TestCustomMetadataAndIndexPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.tveb")
	indexPath := filepath.Join(dir, "elsewhere.idx")

	fb, err := Create[*event.Record](path, event.JSONCodec{}, Options{
		IndexPath: indexPath,
		Metadata:  map[string]string{"source": "syslog", MetaContentType: "text/x-custom"},
	})
	require.NoError(t, err)
	appendN(t, fb, 0, 3)
	require.NoError(t, fb.Close())

	assert.FileExists(t, indexPath)
	assert.NoFileExists(t, DefaultIndexPath(path))

	reopened, err := Open[*event.Record](path, event.JSONCodec{}, Options{IndexPath: indexPath})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, "syslog", reopened.Header().Get("source"))
	assert.Equal(t, "text/x-custom", reopened.Header().Get(MetaContentType))
	assert.Equal(t, indexPath, reopened.IndexFilePath())
	assert.Equal(t, path, reopened.DataFilePath())
}

func TestReadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cbor.tveb")
	fb, err := Create[*event.Record](path, event.CBORCodec{}, Options{Compression: CompressionZstd})
	require.NoError(t, err)
	appendN(t, fb, 0, 2)
	require.NoError(t, fb.Close())

	h, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, event.CodecCBOR, h.Get(MetaCodec))
	assert.Equal(t, CompressionZstd, h.Get(MetaCompression))

	_, err = ReadHeader(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestReopenWritableAndAppend(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 10)
	require.NoError(t, fb.Close())

	w, err := Open[*event.Record](path, event.JSONCodec{}, Options{Writable: true})
	require.NoError(t, err)
	appendN(t, w, 10, 5)
	require.NoError(t, w.Close())

	r, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, uint64(15), r.Size())
	got, err := r.Get(12)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), got.Sequence)
}

func TestOpenOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir", "log.tveb")

	fb, err := OpenOrCreate[*event.Record](path, event.JSONCodec{}, Options{Writable: true})
	require.NoError(t, err)
	appendN(t, fb, 0, 2)
	require.NoError(t, fb.Close())

	fb, err = OpenOrCreate[*event.Record](path, event.JSONCodec{}, Options{Writable: true})
	require.NoError(t, err)
	defer fb.Close()
	assert.Equal(t, uint64(2), fb.Size())
}

// =============================================================================
// Access tests
// =============================================================================

func TestGetOutOfRange(t *testing.T) {
	fb, _ := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 3)

	_, err := fb.Get(3)
	require.ErrorIs(t, err, buffer.ErrOutOfRange)

	var rangeErr *buffer.RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, uint64(3), rangeErr.Size)
}

func TestReadOnly(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 1)
	require.NoError(t, fb.Close())

	r, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.NoError(t, err)
	defer r.Close()

	assert.ErrorIs(t, r.Append(testRecord(1)), buffer.ErrReadOnly)
	assert.ErrorIs(t, r.Clear(), buffer.ErrReadOnly)
	assert.False(t, r.Writable())
}

func TestClosed(t *testing.T) {
	fb, _ := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 1)
	require.NoError(t, fb.Close())
	require.NoError(t, fb.Close(), "second close is a no-op")

	_, err := fb.Get(0)
	assert.ErrorIs(t, err, buffer.ErrClosed)
	assert.ErrorIs(t, fb.Append(testRecord(1)), buffer.ErrClosed)
	assert.False(t, fb.Growing())
}

func TestConcurrentReadersDuringAppend(t *testing.T) {
	fb, _ := createTestBuffer(t, Options{})

	const total = 500
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	done := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				n := fb.Size()
				if n == 0 {
					continue
				}
				i := n - 1
				got, err := fb.Get(i)
				if err != nil {
					errs <- err
					return
				}
				if got.Sequence != i {
					errs <- fmt.Errorf("row %d holds sequence %d", i, got.Sequence)
					return
				}
			}
		}()
	}

	appendN(t, fb, 0, total)
	close(done)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestReadOnlyOpenDuringAppend(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 10)

	const total = 2000
	done := make(chan error, 1)
	go func() {
		for i := 10; i < total; i++ {
			if err := fb.Append(testRecord(i)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	opened := 0
	for writing := true; writing; {
		select {
		case err := <-done:
			require.NoError(t, err)
			writing = false
		default:
		}

		ro, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
		if errors.Is(err, buffer.ErrStaleIndex) {
			// mtimes of the two files can briefly disagree mid-append
			continue
		}
		require.NoError(t, err, "read-only open #%d", opened)
		if n := ro.Size(); n > 0 {
			got, err := ro.Get(n - 1)
			require.NoError(t, err)
			assert.Equal(t, n-1, got.Sequence)
		}
		require.NoError(t, ro.Close())
		opened++
	}
	assert.Positive(t, opened)
}

func TestClear(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 5)

	changed := fb.Changed()
	require.NoError(t, fb.Clear())
	assert.Equal(t, uint64(0), fb.Size())
	select {
	case <-changed:
	default:
		t.Fatal("Changed not signaled by Clear")
	}

	appendN(t, fb, 100, 2)
	got, err := fb.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.Sequence)
	require.NoError(t, fb.Close())

	r, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, uint64(2), r.Size())
}

func TestGrowingAndChanged(t *testing.T) {
	em := metrics.NewEngineMetrics(metrics.NewRegistry("test", "filebuffer"))
	fb, path := createTestBuffer(t, Options{Metrics: em})

	assert.True(t, fb.Growing())
	changed := fb.Changed()
	appendN(t, fb, 0, 1)
	select {
	case <-changed:
	default:
		t.Fatal("Changed not signaled by Append")
	}
	assert.Equal(t, uint64(1), em.RecordsAppended.Value())

	changed = fb.Changed()
	fb.Seal()
	assert.False(t, fb.Growing())
	<-changed
	require.NoError(t, fb.Close())

	r, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.NoError(t, err)
	defer r.Close()
	assert.False(t, r.Growing(), "read-only buffers are complete")

	unfollow := r.Follow()
	assert.True(t, r.Growing())
	unfollow()
	unfollow()
	assert.False(t, r.Growing())
}

func TestRefreshPicksUpExternalAppends(t *testing.T) {
	w, path := createTestBuffer(t, Options{})
	appendN(t, w, 0, 3)

	r, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, uint64(3), r.Size())

	appendN(t, w, 3, 4)
	assert.Equal(t, uint64(3), r.Size(), "size is only re-read on Refresh")

	changed := r.Changed()
	n, err := r.Refresh()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
	<-changed

	got, err := r.Get(6)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got.Sequence)

	n, err = w.Refresh()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
}

// =============================================================================
// Open validation tests
// =============================================================================

func TestCreateExisting(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	require.NoError(t, fb.Close())

	_, err := Create[*event.Record](path, event.JSONCodec{}, Options{})
	require.ErrorIs(t, err, ErrExists)
}

func TestSecondWriterLocked(t *testing.T) {
	_, path := createTestBuffer(t, Options{})

	_, err := Open[*event.Record](path, event.JSONCodec{}, Options{Writable: true})
	require.ErrorIs(t, err, ErrLocked)

	r, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.NoError(t, err, "readers do not need the lock")
	r.Close()
}

func TestCodecMismatch(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	require.NoError(t, fb.Close())

	_, err := Open[*event.Record](path, event.CBORCodec{}, Options{})
	require.ErrorIs(t, err, ErrCodecMismatch)
}

func TestBadHeader(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("NOPE\x00\x00\x00\x01\x00\x00\x00\x02\x00\x00")},
		{"bad version", []byte("TVEB\x00\x00\x00\x09\x00\x00\x00\x02\x00\x00")},
		{"meta overrun", []byte("TVEB\x00\x00\x00\x01\x00\x00\xff\xff\x00\x00")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.tveb")
			require.NoError(t, os.WriteFile(path, tt.content, 0o644))
			require.NoError(t, os.WriteFile(DefaultIndexPath(path), nil, 0o644))
			touch(t, DefaultIndexPath(path), time.Second)

			_, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
			require.Error(t, err)
			var fe *FormatError
			assert.ErrorAs(t, err, &fe)
			assert.ErrorIs(t, err, buffer.ErrCorruptIndex)
		})
	}
}

func TestStaleIndexRejected(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 4)
	require.NoError(t, fb.Close())

	touch(t, fb.IndexFilePath(), -time.Hour)

	_, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.ErrorIs(t, err, buffer.ErrStaleIndex)
	assert.ErrorIs(t, err, buffer.ErrCorruptIndex)

	_, err = Open[*event.Record](path, event.JSONCodec{}, Options{Writable: true})
	require.ErrorIs(t, err, buffer.ErrStaleIndex)

	n, err := Reindex(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	r, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, uint64(4), r.Size())
}

func TestMissingIndexIsStale(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 2)
	require.NoError(t, fb.Close())
	require.NoError(t, os.Remove(fb.IndexFilePath()))

	_, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.ErrorIs(t, err, buffer.ErrStaleIndex)
}

func TestIndexLengthNotMultiple(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 2)
	require.NoError(t, fb.Close())

	f, err := os.OpenFile(fb.IndexFilePath(), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.ErrorIs(t, err, buffer.ErrCorruptIndex)
	assert.NotErrorIs(t, err, buffer.ErrStaleIndex)
}

func TestTruncatedTrailingRecordDropped(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 3)
	require.NoError(t, fb.Close())

	// Simulate a crash in the middle of writing the last frame.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))
	touch(t, fb.IndexFilePath(), time.Second)

	r, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Size())
	require.NoError(t, r.Close())

	w, err := Open[*event.Record](path, event.JSONCodec{}, Options{Writable: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w.Size())
	appendN(t, w, 10, 1)
	require.NoError(t, w.Close())

	r, err = Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, uint64(3), r.Size())
	got, err := r.Get(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Sequence)
}

func TestTwoOverrunningEntriesCorrupt(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 3)
	require.NoError(t, fb.Close())

	// Cut into the second-to-last frame: two index entries now overrun.
	last := lastEntries(t, fb.IndexFilePath(), 2)
	require.NoError(t, os.Truncate(path, int64(last[0].Offset)+2))
	touch(t, fb.IndexFilePath(), time.Second)

	_, err := Open[*event.Record](path, event.JSONCodec{}, Options{})
	require.ErrorIs(t, err, buffer.ErrCorruptIndex)
}

func lastEntries(t *testing.T, indexPath string, n int) []IndexEntry {
	t.Helper()
	raw, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	count := len(raw) / IndexEntrySize
	require.GreaterOrEqual(t, count, n)
	out := make([]IndexEntry, 0, n)
	for i := count - n; i < count; i++ {
		out = append(out, decodeIndexEntry(raw[i*IndexEntrySize:]))
	}
	return out
}

// =============================================================================
// Reindex tests
// =============================================================================

type progressLog struct {
	mu     sync.Mutex
	values [][2]int64
}

func (p *progressLog) Report(current, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, [2]int64{current, total})
}

func TestReindexMatchesOriginalIndex(t *testing.T) {
	fb, path := createTestBuffer(t, Options{Compression: CompressionZstd})
	appendN(t, fb, 0, 1200)
	require.NoError(t, fb.Close())

	original, err := os.ReadFile(fb.IndexFilePath())
	require.NoError(t, err)
	require.NoError(t, os.Remove(fb.IndexFilePath()))

	progress := &progressLog{}
	r := &Reindexer{DataPath: path, BatchSize: 100}
	n, err := r.Run(context.Background(), progress)
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), n)

	rebuilt, err := os.ReadFile(fb.IndexFilePath())
	require.NoError(t, err)
	assert.Equal(t, original, rebuilt)
	assert.NoFileExists(t, fb.IndexFilePath()+".tmp")

	require.NotEmpty(t, progress.values)
	lastReport := progress.values[len(progress.values)-1]
	assert.Equal(t, lastReport[1], lastReport[0], "final report covers all bytes")
}

func TestReindexStopsAtCorruptFrame(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 5)
	require.NoError(t, fb.Close())

	entries := lastEntries(t, fb.IndexFilePath(), 3)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[entries[0].Offset+6] ^= 0xff // inside the payload of record 2
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	n, err := Reindex(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	w, err := Open[*event.Record](path, event.JSONCodec{}, Options{Writable: true})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(2), w.Size())
	appendN(t, w, 50, 1)
	got, err := w.Get(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), got.Sequence)
}

func TestReindexCanceledKeepsOldIndex(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	appendN(t, fb, 0, 10)
	require.NoError(t, fb.Close())

	before, err := os.ReadFile(fb.IndexFilePath())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Reindexer{DataPath: path}).Call(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)

	after, err := os.ReadFile(fb.IndexFilePath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, fb.IndexFilePath()+".tmp")
}

func TestReindexWhileWriterOpen(t *testing.T) {
	_, path := createTestBuffer(t, Options{})
	_, err := Reindex(context.Background(), path)
	require.ErrorIs(t, err, ErrLocked)
}

func TestReindexEmptyFile(t *testing.T) {
	fb, path := createTestBuffer(t, Options{})
	require.NoError(t, fb.Close())

	n, err := Reindex(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

// =============================================================================
// Format tests
// =============================================================================

func TestHeaderEncodingDeterministic(t *testing.T) {
	h := Header{Version: Version, Metadata: map[string]string{"b": "2", "a": "1", "c": ""}}
	first, err := encodeHeader(h)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := encodeHeader(h)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, h.size(), int64(len(first)))
}

func TestDecodeFrame(t *testing.T) {
	frame := encodeFrame([]byte("hello"))
	payload, err := decodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))

	frame[5] ^= 1
	_, err = decodeFrame(frame)
	assert.ErrorIs(t, err, ErrChecksum)

	_, err = decodeFrame(frame[:4])
	assert.Error(t, err)
}
