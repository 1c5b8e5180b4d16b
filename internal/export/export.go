// Package export copies records from any buffer, raw or filtered, into a
// destination such as a new file buffer.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"tailview/internal/buffer"
	"tailview/internal/event"
	"tailview/internal/filebuffer"
	"tailview/internal/metrics"
	"tailview/internal/task"
)

// DefaultBatchSize is the number of rows copied between cancellation checks.
const DefaultBatchSize = 500

// Task copies the rows Source has when the task starts into Destination,
// in order. Its result is the number of rows copied as a uint64.
type Task struct {
	Source      buffer.Buffer[*event.Record]
	Destination buffer.Appender[*event.Record]
	BatchSize   int
	Metrics     *metrics.EngineMetrics
}

// Call implements task.Callable.
func (t *Task) Call(ctx context.Context, progress task.Progress) (any, error) {
	return t.Run(ctx, progress)
}

// Run performs the copy. On cancellation the rows copied so far stay in
// the destination.
func (t *Task) Run(ctx context.Context, progress task.Progress) (uint64, error) {
	batch := uint64(DefaultBatchSize)
	if t.BatchSize > 0 {
		batch = uint64(t.BatchSize)
	}

	size := t.Source.Size()
	var copied uint64
	for copied < size {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		end := min(copied+batch, size)
		for i := copied; i < end; i++ {
			r, err := t.Source.Get(i)
			if err != nil {
				return i, fmt.Errorf("export read row %d: %w", i, err)
			}
			if err := t.Destination.Append(r); err != nil {
				return i, fmt.Errorf("export write row %d: %w", i, err)
			}
		}
		t.Metrics.RecordExport(int(end - copied))
		copied = end
		if progress != nil {
			progress.Report(int64(copied), int64(size))
		}
	}
	if progress != nil && size == 0 {
		progress.Report(0, 0)
	}
	return copied, nil
}

// FileTask is a task.Callable exporting Source into a new file buffer at
// Path. Its result is the number of rows written as a uint64.
type FileTask struct {
	Source    buffer.Buffer[*event.Record]
	Path      string
	Codec     event.Codec
	Options   filebuffer.Options
	BatchSize int
}

// Call implements task.Callable.
func (f *FileTask) Call(ctx context.Context, progress task.Progress) (any, error) {
	return ToFile(ctx, f.Source, f.Path, f.Codec, f.Options, f.BatchSize, progress)
}

// ToFile creates a file buffer at path and copies src into it. The new
// file is removed unless the copy completes.
func ToFile(
	ctx context.Context,
	src buffer.Buffer[*event.Record],
	path string,
	codec event.Codec,
	opts filebuffer.Options,
	batchSize int,
	progress task.Progress,
) (n uint64, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "export", "path", path)

	opts.Writable = true
	dst, err := filebuffer.Create[*event.Record](path, codec, opts)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			removeErr := errors.Join(
				os.Remove(dst.DataFilePath()),
				os.Remove(dst.IndexFilePath()),
				os.Remove(dst.LockFilePath()),
			)
			if removeErr != nil {
				logger.Warn("remove incomplete export", "error", removeErr)
			}
		}
	}()

	t := &Task{
		Source:      src,
		Destination: dst,
		BatchSize:   batchSize,
		Metrics:     opts.Metrics,
	}
	n, err = t.Run(ctx, progress)
	if err != nil {
		logger.Warn("export stopped", "rows", n, "error", err)
		return n, err
	}
	logger.Info("export complete", "rows", n)
	return n, nil
}
