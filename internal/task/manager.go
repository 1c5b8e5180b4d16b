package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"tailview/internal/metrics"
)

// Defaults
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Options configures a Manager.
type Options struct {
	// Workers bounds the number of callables running at once.
	Workers int

	// QueueSize is the capacity of the notification channel.
	QueueSize int

	// Executor, when set, receives every listener delivery instead of the
	// dispatch goroutine running it directly. It must run the functions it
	// is handed in order, for example by posting them to a UI thread.
	Executor func(fn func())

	Logger  *slog.Logger
	Metrics *metrics.EngineMetrics
}

type noteKind uint8

const (
	noteCreated noteKind = iota
	noteProgress
	noteFinished
	noteFailed
	noteCanceled
	noteInvoke
)

type notification struct {
	kind    noteKind
	task    *Task
	percent int
	result  any
	err     error
	fn      func()
}

// Manager executes callables on a bounded set of goroutines and reports
// their lifecycle to listeners.
type Manager struct {
	opts   Options
	logger *slog.Logger

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	notes chan notification

	// Notifications that did not fit into notes. While spill is non-empty
	// every new notification goes here too, so delivery order is kept.
	spillMu     sync.Mutex
	spill       []notification
	spillSignal chan struct{}

	stop         chan struct{}
	dispatchDone chan struct{}

	mu        sync.Mutex
	tasks     map[string]*Task
	listeners []Listener
	closed    bool
}

// NewManager creates a manager and starts its dispatch goroutine.
func NewManager(opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:         opts,
		logger:       logger.With("component", "task-manager"),
		sem:          semaphore.NewWeighted(int64(opts.Workers)),
		ctx:          ctx,
		cancel:       cancel,
		notes:        make(chan notification, opts.QueueSize),
		spillSignal:  make(chan struct{}, 1),
		stop:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		tasks:        make(map[string]*Task),
	}
	go m.dispatch()
	return m
}

// Start submits c and returns its task. The callable runs once a worker
// slot is free. After Shutdown the returned task is already canceled with
// ErrShutdown and no notifications are sent for it.
func (m *Manager) Start(c Callable, name, description string, metadata map[string]string) *Task {
	t := &Task{
		id:          uuid.NewString(),
		name:        name,
		description: description,
		metadata:    maps.Clone(metadata),
		callable:    c,
		created:     time.Now(),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.ctx, t.cancel = context.WithCancel(context.Background())
		t.cancel()
		t.settle(Canceled, nil, ErrShutdown)
		t.release()
		return t
	}
	t.ctx, t.cancel = context.WithCancel(m.ctx)
	m.tasks[t.id] = t
	m.wg.Add(1)
	m.mu.Unlock()

	m.opts.Metrics.TaskCreated()
	m.logger.Debug("task created", "task", t.id, "name", name)
	m.enqueue(notification{kind: noteCreated, task: t})

	go m.run(t)
	return t
}

// Cancel requests cancellation of t. It returns false when t already
// ended or belongs to another manager.
func (m *Manager) Cancel(t *Task) bool {
	if t == nil {
		return false
	}
	m.mu.Lock()
	_, live := m.tasks[t.id]
	m.mu.Unlock()
	if !live {
		return false
	}
	t.cancel()
	return true
}

// NumberOfTasks returns the number of tasks that have not ended.
func (m *Manager) NumberOfTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Tasks returns the live tasks ordered by submission time.
func (m *Manager) Tasks() []*Task {
	m.mu.Lock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b *Task) int { return a.created.Compare(b.created) })
	return out
}

// AddListener registers l for all future notifications.
func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(slices.Clone(m.listeners), l)
}

// RemoveListener unregisters l. Notifications already being dispatched
// may still reach it.
func (m *Manager) RemoveListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = slices.DeleteFunc(slices.Clone(m.listeners), func(x Listener) bool { return x == l })
}

// Invoke runs fn on the dispatch goroutine, ordered with task
// notifications. It is dropped after Shutdown.
func (m *Manager) Invoke(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	m.enqueue(notification{kind: noteInvoke, fn: fn})
}

// Shutdown cancels every task, waits for them to end and for all pending
// notifications to be delivered.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	tasksDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(tasksDone)
	}()

	select {
	case <-tasksDone:
	case <-ctx.Done():
		return fmt.Errorf("wait for tasks: %w", ctx.Err())
	}

	close(m.stop)
	select {
	case <-m.dispatchDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain notifications: %w", ctx.Err())
	}
}

func (m *Manager) run(t *Task) {
	defer m.wg.Done()

	if err := m.sem.Acquire(t.ctx, 1); err != nil {
		m.complete(t, nil, err)
		return
	}
	defer m.sem.Release(1)

	if !t.setRunning() {
		return
	}
	m.opts.Metrics.TaskRunning()
	defer m.opts.Metrics.TaskStopped()

	result, err := m.call(t)
	m.complete(t, result, err)
}

func (m *Manager) call(t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked",
				"task", t.id,
				"name", t.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return t.callable.Call(t.ctx, &reporter{m: m, t: t, last: -1})
}

// complete moves t to its terminal state and queues the matching
// notification.
func (m *Manager) complete(t *Task, result any, err error) {
	canceled := err != nil && t.ctx.Err() != nil && !errors.Is(err, ErrPanic)

	var (
		state   State
		note    notification
		outcome string
	)
	switch {
	case canceled:
		state, outcome = Canceled, "canceled"
		note = notification{kind: noteCanceled, task: t}
		err = context.Cause(t.ctx)
		result = nil
	case err != nil:
		state, outcome = Failed, "failed"
		err = &Error{TaskID: t.id, Name: t.name, Err: err}
		note = notification{kind: noteFailed, task: t, err: err}
		result = nil
	default:
		state, outcome = Finished, "finished"
		note = notification{kind: noteFinished, task: t, result: result}
	}

	m.mu.Lock()
	delete(m.tasks, t.id)
	m.mu.Unlock()
	t.cancel()

	m.opts.Metrics.TaskDone(outcome, time.Since(t.created))
	t.settle(state, result, err)

	if state == Failed {
		m.logger.Warn("task failed", "task", t.id, "name", t.name, "error", err)
	} else {
		m.logger.Debug("task ended", "task", t.id, "name", t.name, "state", state.String())
	}

	// Waiters are released only once the notification is queued.
	m.enqueue(note)
	t.release()
}

// enqueue queues a notification that must not be lost.
func (m *Manager) enqueue(n notification) {
	m.spillMu.Lock()
	defer m.spillMu.Unlock()

	if len(m.spill) == 0 {
		select {
		case m.notes <- n:
			return
		default:
		}
	}
	m.spill = append(m.spill, n)
	select {
	case m.spillSignal <- struct{}{}:
	default:
	}
}

// enqueueProgress queues a progress notification, dropping it when the
// queue is full.
func (m *Manager) enqueueProgress(t *Task, percent int) {
	m.spillMu.Lock()
	defer m.spillMu.Unlock()

	if len(m.spill) == 0 {
		select {
		case m.notes <- notification{kind: noteProgress, task: t, percent: percent}:
			return
		default:
		}
	}
	m.opts.Metrics.NotificationDropped()
}

func (m *Manager) dispatch() {
	defer close(m.dispatchDone)

	for {
		select {
		case n := <-m.notes:
			m.deliver(n)
		case <-m.spillSignal:
			m.drainSpill()
		case <-m.stop:
			m.drainSpill()
			for {
				select {
				case n := <-m.notes:
					m.deliver(n)
				default:
					return
				}
			}
		}
	}
}

// drainSpill delivers everything queued in notes and then the spilled
// notifications, which were all queued after them.
func (m *Manager) drainSpill() {
	for {
		for {
			select {
			case n := <-m.notes:
				m.deliver(n)
				continue
			default:
			}
			break
		}

		m.spillMu.Lock()
		pending := m.spill
		m.spill = nil
		m.spillMu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, n := range pending {
			m.deliver(n)
		}
	}
}

func (m *Manager) deliver(n notification) {
	if m.opts.Executor != nil {
		m.opts.Executor(func() { m.notify(n) })
		return
	}
	m.notify(n)
}

func (m *Manager) notify(n notification) {
	if n.kind == noteInvoke {
		m.safely("invoke", n.fn)
		return
	}

	m.mu.Lock()
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		m.safely("listener", func() {
			switch n.kind {
			case noteCreated:
				l.TaskCreated(n.task)
			case noteProgress:
				l.ProgressUpdated(n.task, n.percent)
			case noteFinished:
				l.ExecutionFinished(n.task, n.result)
			case noteFailed:
				l.ExecutionFailed(n.task, n.err)
			case noteCanceled:
				l.ExecutionCanceled(n.task)
			}
		})
	}
}

// safely runs fn, logging instead of propagating a panic so one faulty
// listener cannot stop the dispatch goroutine.
func (m *Manager) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(what+" panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
