// Package find searches a buffer for the next or previous row matching a
// predicate.
package find

import (
	"context"
	"errors"
	"fmt"

	"tailview/internal/buffer"
	"tailview/internal/filtering"
	"tailview/internal/metrics"
	"tailview/internal/task"
)

// NotFound is returned when no row in the scan direction matches.
const NotFound int64 = -1

// DefaultBatchSize is the number of rows examined between cancellation
// checks.
const DefaultBatchSize = 500

// Direction is the scan direction.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// ErrDirection is returned for a Direction other than Forward or Backward.
var ErrDirection = errors.New("find: invalid direction")

// Task is a task.Callable that scans Buffer from Start for the first row
// matching Predicate. Its result is the row as an int64, or NotFound.
type Task[E any] struct {
	Buffer    buffer.Buffer[E]
	Start     int64
	Direction Direction
	Predicate filtering.Predicate[E]
	BatchSize int

	Metrics *metrics.EngineMetrics
}

// Call implements task.Callable.
func (t *Task[E]) Call(ctx context.Context, progress task.Progress) (any, error) {
	return t.Run(ctx, progress)
}

// Run performs the search.
func (t *Task[E]) Run(ctx context.Context, progress task.Progress) (int64, error) {
	return search(ctx, t.Buffer, t.Start, t.Direction, t.Predicate, t.BatchSize, progress, t.Metrics)
}

// Find scans b from start, inclusive, in direction d without wrapping and
// returns the first row matching p. A nil predicate matches every row. A
// start outside the buffer yields NotFound.
func Find[E any](ctx context.Context, b buffer.Buffer[E], start int64, d Direction, p filtering.Predicate[E]) (int64, error) {
	return search(ctx, b, start, d, p, DefaultBatchSize, nil, nil)
}

func search[E any](
	ctx context.Context,
	b buffer.Buffer[E],
	start int64,
	d Direction,
	p filtering.Predicate[E],
	batchSize int,
	progress task.Progress,
	m *metrics.EngineMetrics,
) (int64, error) {
	if d != Forward && d != Backward {
		return NotFound, fmt.Errorf("%w: %d", ErrDirection, d)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	// The size is fixed at the start; rows appended during a forward scan
	// are not examined.
	size := int64(b.Size())
	if start < 0 || start >= size {
		if progress != nil {
			progress.Report(0, 0)
		}
		return NotFound, nil
	}

	total := size - start
	if d == Backward {
		total = start + 1
	}

	row := start
	var scanned int64
	for scanned < total {
		if err := ctx.Err(); err != nil {
			return NotFound, err
		}
		n := min(int64(batchSize), total-scanned)
		for range n {
			e, err := b.Get(uint64(row))
			if err != nil {
				return NotFound, fmt.Errorf("find row %d: %w", row, err)
			}
			if p == nil || p.Matches(e) {
				m.RecordFindBatch(int(scanned + 1))
				if progress != nil {
					progress.Report(total, total)
				}
				return row, nil
			}
			scanned++
			row += int64(d)
		}
		if progress != nil {
			progress.Report(scanned, total)
		}
	}
	m.RecordFindBatch(int(scanned))
	return NotFound, nil
}
