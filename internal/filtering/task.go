package filtering

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tailview/internal/buffer"
	"tailview/internal/metrics"
	"tailview/internal/task"
)

// Defaults
const (
	DefaultBatchSize    = 500
	DefaultPollInterval = 250 * time.Millisecond
)

// Task fills a Buffer by scanning its source. It is a task.Callable whose
// result is the final scan cursor as a uint64.
//
// Each pass scans from the cursor to the source size observed at the start
// of the pass, in batches of BatchSize. Cancellation is checked before every
// batch, so a canceled task stops after at most one more batch. When a pass
// catches up the task finishes, unless Follow is set and the source still
// reports Growing; then it waits for the source to change (or PollInterval
// to pass) and starts another pass.
type Task[E any] struct {
	Target       *Buffer[E]
	BatchSize    int
	PollInterval time.Duration
	Follow       bool

	Logger  *slog.Logger
	Metrics *metrics.EngineMetrics
}

// NewTask returns a task filling target with default settings.
func NewTask[E any](target *Buffer[E], follow bool) *Task[E] {
	return &Task[E]{Target: target, Follow: follow}
}

// Call implements task.Callable.
func (t *Task[E]) Call(ctx context.Context, progress task.Progress) (any, error) {
	return t.Run(ctx, progress)
}

// Run fills the target until it catches up with a finished source or ctx
// is canceled. progress may be nil.
func (t *Task[E]) Run(ctx context.Context, progress task.Progress) (uint64, error) {
	b := t.Target
	defer b.seal()

	batch := uint64(DefaultBatchSize)
	if t.BatchSize > 0 {
		batch = uint64(t.BatchSize)
	}
	poll := t.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "filter")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	found := make([]uint64, 0, batch)
	for {
		if err := ctx.Err(); err != nil {
			return b.ScanCursor(), err
		}

		// Order matters: a producer seals only after its last append, so
		// reading Growing before Size never misses trailing records.
		growing := buffer.IsGrowing(b.source)
		changed := buffer.ChangedChan(b.source)
		size := b.source.Size()

		cursor := b.ScanCursor()
		if size < cursor {
			logger.Info("source shrank, rescanning", "size", size, "cursor", cursor)
			if !b.reset() {
				return 0, buffer.ErrClosed
			}
			cursor = 0
		}

		for cursor < size {
			if err := ctx.Err(); err != nil {
				return cursor, err
			}
			end := min(cursor+batch, size)
			found = found[:0]
			for i := cursor; i < end; i++ {
				e, err := b.source.Get(i)
				if err != nil {
					return cursor, fmt.Errorf("filter source row %d: %w", i, err)
				}
				if b.matchesElement(e) {
					found = append(found, i)
				}
			}
			if !b.publish(found, end) {
				return cursor, buffer.ErrClosed
			}
			t.Metrics.RecordFilterBatch(int(end-cursor), len(found))
			cursor = end
			if progress != nil {
				progress.Report(int64(cursor), int64(size))
			}
		}
		if progress != nil && size == 0 {
			progress.Report(0, 0)
		}

		if !t.Follow || !growing {
			logger.Debug("filter caught up", "scanned", cursor, "matches", b.Size())
			return cursor, nil
		}

		if timer == nil {
			timer = time.NewTimer(poll)
		} else {
			timer.Reset(poll)
		}
		select {
		case <-ctx.Done():
			return cursor, ctx.Err()
		case <-changed:
		case <-timer.C:
		}
	}
}
