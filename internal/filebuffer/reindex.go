package filebuffer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"time"

	"tailview/internal/buffer"
	"tailview/internal/metrics"
	"tailview/internal/task"
)

// DefaultReindexBatch is the number of frames scanned between cancellation
// checks and progress reports.
const DefaultReindexBatch = 500

// Reindexer rebuilds the index file of a data file by scanning its frames.
// It is a task.Callable whose result is the number of indexed records as a
// uint64.
//
// The scan stops at the first incomplete or corrupt frame; everything after
// it is left out of the index and overwritten by the next append. The new
// index is written next to the old one and renamed into place, so a
// canceled or failed rebuild leaves the old index untouched.
type Reindexer struct {
	DataPath  string
	IndexPath string
	BatchSize int

	Logger  *slog.Logger
	Metrics *metrics.EngineMetrics
}

// Call implements task.Callable.
func (r *Reindexer) Call(ctx context.Context, progress task.Progress) (any, error) {
	return r.Run(ctx, progress)
}

// Run rebuilds the index and returns the number of indexed records.
// progress may be nil.
func (r *Reindexer) Run(ctx context.Context, progress task.Progress) (uint64, error) {
	start := time.Now()
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reindexer", "path", r.DataPath)

	indexPath := r.IndexPath
	if indexPath == "" {
		indexPath = DefaultIndexPath(r.DataPath)
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = DefaultReindexBatch
	}

	lock, err := acquireWriterLock(r.DataPath)
	if err != nil {
		return 0, err
	}
	defer lock.Unlock()

	data, err := os.Open(r.DataPath)
	if err != nil {
		return 0, buffer.IOError("open data file", err)
	}
	defer data.Close()

	info, err := data.Stat()
	if err != nil {
		return 0, buffer.IOError("stat data file", err)
	}
	dataLen := info.Size()

	_, dataStart, err := readHeader(data, r.DataPath, dataLen)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			return 0, err
		}
		return 0, buffer.IOError("read header", err)
	}

	tmpPath := indexPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, buffer.IOError("create temporary index", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	out := bufio.NewWriterSize(tmp, 64*1024)
	in := bufio.NewReaderSize(io.NewSectionReader(data, dataStart, dataLen-dataStart), 256*1024)

	var (
		count  uint64
		pos    = dataStart
		prefix [4]byte
		frame  []byte
		entry  [IndexEntrySize]byte
		reason string
	)
	report := func() {
		if progress != nil {
			progress.Report(pos-dataStart, dataLen-dataStart)
		}
	}
	report()

	for {
		if count%uint64(batch) == 0 {
			if err := ctx.Err(); err != nil {
				logger.Info("reindex canceled", "records", count)
				return 0, err
			}
			report()
		}

		if _, err := io.ReadFull(in, prefix[:]); err != nil {
			if err != io.EOF {
				reason = "truncated length prefix"
			}
			break
		}
		n := int64(binary.BigEndian.Uint32(prefix[:]))
		if n > MaxRecordSize {
			reason = fmt.Sprintf("frame length %d exceeds limit", n)
			break
		}
		if pos+frameOverhead+n > dataLen {
			reason = "truncated frame"
			break
		}

		if int64(cap(frame)) < n+4 {
			frame = make([]byte, n+4)
		}
		frame = frame[:n+4]
		if _, err := io.ReadFull(in, frame); err != nil {
			return 0, buffer.IOError("read frame", err)
		}
		if crc32.ChecksumIEEE(frame[:n]) != binary.BigEndian.Uint32(frame[n:]) {
			reason = "checksum mismatch"
			break
		}

		IndexEntry{Offset: uint64(pos), Length: uint32(n + frameOverhead)}.appendTo(entry[:0])
		if _, err := out.Write(entry[:]); err != nil {
			return 0, buffer.IOError("write temporary index", err)
		}
		pos += n + frameOverhead
		count++
	}

	if err := out.Flush(); err != nil {
		return 0, buffer.IOError("flush temporary index", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, buffer.IOError("sync temporary index", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, buffer.IOError("close temporary index", err)
	}
	if err := os.Rename(tmpPath, indexPath); err != nil {
		os.Remove(tmpPath)
		committed = true
		return 0, buffer.IOError("replace index", err)
	}
	committed = true
	report()

	if reason != "" {
		logger.Warn("reindex stopped before end of data",
			"reason", reason,
			"offset", pos,
			"ignored_bytes", dataLen-pos,
		)
	}
	logger.Info("rebuilt index", "records", count, "duration", time.Since(start))
	r.Metrics.RecordReindex(count, time.Since(start))
	return count, nil
}

// Reindex rebuilds the default index of dataPath synchronously.
func Reindex(ctx context.Context, dataPath string) (uint64, error) {
	r := &Reindexer{DataPath: dataPath}
	return r.Run(ctx, nil)
}
