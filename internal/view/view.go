// Package view wires a record source, its filtered derivative, a read cache
// and the task manager into the unit a log viewer displays.
//
// A View shows either its source or a filtered view of it. Filtering and
// searching run as manager tasks; callbacks to the caller are delivered on
// the manager's dispatch goroutine.
package view

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tailview/internal/buffer"
	"tailview/internal/condition"
	"tailview/internal/event"
	"tailview/internal/filtering"
	"tailview/internal/find"
	"tailview/internal/metrics"
	"tailview/internal/task"
)

// ErrSearchAlreadyRunning is returned by Find while a search is in flight.
var ErrSearchAlreadyRunning = errors.New("view: search already running")

// Options configures a View.
type Options struct {
	// Name identifies the view in task descriptions and logs.
	Name string

	// BatchSize is the filter and find batch size; zero means the
	// package defaults.
	BatchSize int

	// Follow keeps filter tasks running while the source grows.
	Follow bool

	// PollInterval is used for sources that cannot signal changes.
	PollInterval time.Duration

	// OnRowsChanged receives the displayed row count whenever it changes.
	OnRowsChanged func(rows uint64)

	// OnFindResult receives the row a finished search resolved to, or
	// find.NotFound. It is not called for failed or canceled searches.
	OnFindResult func(row int64)

	Logger  *slog.Logger
	Metrics *metrics.EngineMetrics
}

// View is the displayed state of one record source.
type View struct {
	mgr    *task.Manager
	source buffer.Buffer[*event.Record]
	opts   Options
	logger *slog.Logger

	cache    *buffer.CachingBuffer[event.Record]
	listener *task.ListenerFuncs

	mu         sync.Mutex
	cond       condition.Condition
	filtered   *filtering.Buffer[*event.Record]
	filterTask *task.Task
	filterCall *filtering.Task[*event.Record]
	findTask   *task.Task
	findCall   *find.Task[*event.Record]
	closed     bool

	// lastRows is only touched on the dispatch goroutine.
	lastRows    uint64
	emitted     bool
	emitPending atomic.Bool

	retarget buffer.Signal
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a view showing source unfiltered.
func New(mgr *task.Manager, source buffer.Buffer[*event.Record], opts Options) *View {
	if opts.PollInterval <= 0 {
		opts.PollInterval = filtering.DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := &View{
		mgr:    mgr,
		source: source,
		opts:   opts,
		logger: logger.With("component", "view", "view", opts.Name),
		cache:  buffer.NewCachingBuffer[event.Record](source),
		done:   make(chan struct{}),
	}
	v.listener = &task.ListenerFuncs{
		OnProgress: func(t *task.Task, _ int) { v.filterProgress(t) },
		OnFinished: v.taskFinished,
		OnFailed:   v.taskFailed,
		OnCanceled: v.taskCanceled,
	}
	mgr.AddListener(v.listener)
	if opts.Metrics != nil {
		v.cache.OnLookup(opts.Metrics.RecordCache)
	}

	v.wg.Add(1)
	go v.watch()
	v.scheduleRows()
	return v
}

// Source returns the unfiltered buffer.
func (v *View) Source() buffer.Buffer[*event.Record] { return v.source }

// Displayed returns the buffer rows are currently read from.
func (v *View) Displayed() buffer.Buffer[*event.Record] { return v.cache.Backing() }

// Rows returns the number of displayed rows.
func (v *View) Rows() uint64 { return v.cache.Size() }

// Row returns displayed row i.
func (v *View) Row(i uint64) (*event.Record, error) { return v.cache.Get(i) }

// CacheStats reports row cache effectiveness.
func (v *View) CacheStats() buffer.CacheStats { return v.cache.Stats() }

// Condition returns the active filter, or nil when unfiltered.
func (v *View) Condition() condition.Condition {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cond
}

// IsFiltering reports whether a filter task is still running.
func (v *View) IsFiltering() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.filterTask != nil && !v.filterTask.State().Terminal()
}

// IsSearching reports whether a search is in flight.
func (v *View) IsSearching() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.findCall != nil
}

// SetFilter replaces the active filter. A nil condition shows the source
// unfiltered. The previous filter task is canceled and its rows released.
func (v *View) SetFilter(c condition.Condition) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return buffer.ErrClosed
	}

	v.dropFindLocked()
	v.dropFilterLocked()
	v.cond = c
	if c == nil {
		v.cache.SetBacking(v.source)
		v.logger.Debug("filter cleared")
	} else {
		fb := filtering.NewBuffer[*event.Record](v.source, c)
		ft := &filtering.Task[*event.Record]{
			Target:       fb,
			BatchSize:    v.opts.BatchSize,
			PollInterval: v.opts.PollInterval,
			Follow:       v.opts.Follow,
			Logger:       v.logger,
			Metrics:      v.opts.Metrics,
		}
		v.filtered = fb
		v.filterCall = ft
		v.cache.SetBacking(fb)
		v.filterTask = v.mgr.Start(ft, "filter",
			fmt.Sprintf("Filtering %s: %s", v.opts.Name, c),
			map[string]string{"view": v.opts.Name, "condition": c.String()})
		v.logger.Debug("filter started", "condition", c.String(), "task", v.filterTask.ID())
	}

	v.retarget.Broadcast()
	v.scheduleRows()
	return nil
}

// Refine narrows the active filter with c.
func (v *View) Refine(c condition.Condition) error {
	return v.SetFilter(condition.Combine(v.Condition(), c))
}

// ClearFilter shows the source unfiltered.
func (v *View) ClearFilter() error {
	return v.SetFilter(nil)
}

// Find starts a search of the displayed rows from start in direction d
// for a row matching c. Only one search runs at a time; a second request
// fails with ErrSearchAlreadyRunning. Changing the filter cancels it.
func (v *View) Find(start int64, d find.Direction, c condition.Condition) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return buffer.ErrClosed
	}
	if v.findCall != nil {
		return ErrSearchAlreadyRunning
	}

	var pred filtering.Predicate[*event.Record]
	if c != nil {
		pred = c
	}
	// Rows are resolved against the buffer displayed now; SetFilter
	// cancels the search before it swaps that buffer out.
	ft := &find.Task[*event.Record]{
		Buffer:    v.cache.Backing(),
		Start:     start,
		Direction: d,
		Predicate: pred,
		BatchSize: v.opts.BatchSize,
		Metrics:   v.opts.Metrics,
	}
	v.findCall = ft
	t := v.mgr.Start(ft, "find",
		fmt.Sprintf("Searching %s %s from row %d", v.opts.Name, d, start),
		map[string]string{"view": v.opts.Name, "direction": d.String()})
	if t.State() == task.Canceled && errors.Is(t.Err(), task.ErrShutdown) {
		v.findCall = nil
		return task.ErrShutdown
	}
	v.findTask = t
	return nil
}

// CancelFind cancels the search in flight. It reports whether there was one.
func (v *View) CancelFind() bool {
	v.mu.Lock()
	t := v.findTask
	v.mu.Unlock()
	return t != nil && v.mgr.Cancel(t)
}

// Close cancels the view's tasks and releases the filtered rows.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.dropFindLocked()
	v.dropFilterLocked()
	v.mu.Unlock()

	v.mgr.RemoveListener(v.listener)
	close(v.done)
	v.wg.Wait()
	v.cache.Flush()
}

// dropFilterLocked cancels the filter task, then disposes its buffer.
func (v *View) dropFilterLocked() {
	if v.filterTask != nil {
		v.mgr.Cancel(v.filterTask)
	}
	if v.filtered != nil {
		v.filtered.Dispose()
	}
	v.filterTask, v.filterCall, v.filtered = nil, nil, nil
}

// dropFindLocked cancels the search in flight. Its outcome is no longer
// reported since the rows it refers to are gone.
func (v *View) dropFindLocked() {
	if v.findTask != nil {
		v.mgr.Cancel(v.findTask)
		v.logger.Debug("search dropped", "task", v.findTask.ID())
	}
	v.findTask, v.findCall = nil, nil
}

// watch turns changes of the displayed buffer into row count updates.
func (v *View) watch() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.opts.PollInterval)
	defer ticker.Stop()
	for {
		retarget := v.retarget.C()
		changed := v.cache.Changed()
		select {
		case <-v.done:
			return
		case <-retarget:
		case <-changed:
			v.scheduleRows()
		case <-ticker.C:
			v.scheduleRows()
		}
	}
}

// scheduleRows queues one row count update on the dispatch goroutine.
func (v *View) scheduleRows() {
	if v.emitPending.Swap(true) {
		return
	}
	v.mgr.Invoke(v.emitRows)
}

func (v *View) emitRows() {
	v.emitPending.Store(false)
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return
	}

	rows := v.Rows()
	v.opts.Metrics.SetCacheEntries(v.cache.Stats().Entries)
	if v.emitted && rows == v.lastRows {
		return
	}
	v.lastRows, v.emitted = rows, true
	if v.opts.OnRowsChanged != nil {
		v.opts.OnRowsChanged(rows)
	}
}

func (v *View) isFilter(t *task.Task) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.filterCall != nil && t.Callable() == task.Callable(v.filterCall)
}

// takeFind clears the search in flight if t is it. It reports whether it
// did, so each search is cleared once.
func (v *View) takeFind(t *task.Task) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.findCall == nil || t.Callable() != task.Callable(v.findCall) {
		return false
	}
	v.findTask, v.findCall = nil, nil
	return true
}

func (v *View) filterProgress(t *task.Task) {
	if v.isFilter(t) {
		v.emitRows()
	}
}

func (v *View) taskFinished(t *task.Task, result any) {
	if v.isFilter(t) {
		v.logger.Debug("filter finished", "task", t.ID(), "scanned", result)
		v.emitRows()
		return
	}
	if v.takeFind(t) {
		row, _ := result.(int64)
		v.logger.Debug("search finished", "task", t.ID(), "row", row)
		if v.opts.OnFindResult != nil {
			v.opts.OnFindResult(row)
		}
	}
}

func (v *View) taskFailed(t *task.Task, err error) {
	if v.isFilter(t) {
		v.logger.Warn("filter failed", "task", t.ID(), "error", err)
		v.emitRows()
		return
	}
	if v.takeFind(t) {
		v.logger.Warn("search failed", "task", t.ID(), "error", err)
	}
}

func (v *View) taskCanceled(t *task.Task) {
	if v.takeFind(t) {
		v.logger.Debug("search canceled", "task", t.ID())
	}
}
