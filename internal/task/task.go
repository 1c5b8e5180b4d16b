// Package task runs cancellable, progress-reporting background jobs and
// delivers their lifecycle notifications on a single dispatch goroutine.
//
// Every task moves through Created, Running and exactly one terminal state
// (Finished, Failed or Canceled). Listeners observe the same order for each
// task: one created notification, zero or more progress notifications and
// one terminal notification.
package task

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a task.
type State int32

const (
	Created State = iota
	Running
	Finished
	Failed
	Canceled
)

var stateNames = [...]string{"created", "running", "finished", "failed", "canceled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s is Finished, Failed or Canceled.
func (s State) Terminal() bool {
	return s >= Finished
}

// Progress receives progress reports from a running callable.
type Progress interface {
	// Report records that current of total units are done. Values are
	// mapped to 0-100 and repeated percentages are dropped.
	Report(current, total int64)
}

// Callable is the body of a task. It must return promptly once ctx is
// canceled.
type Callable interface {
	Call(ctx context.Context, progress Progress) (any, error)
}

// CallableFunc adapts a function to Callable.
//
// Listeners that match tasks by Callable identity should use pointer
// callables; two CallableFunc values cannot be compared.
type CallableFunc func(ctx context.Context, progress Progress) (any, error)

// Call implements Callable.
func (f CallableFunc) Call(ctx context.Context, progress Progress) (any, error) {
	return f(ctx, progress)
}

// Task is one submitted callable.
type Task struct {
	id          string
	name        string
	description string
	metadata    map[string]string
	callable    Callable

	ctx    context.Context
	cancel context.CancelFunc

	progress atomic.Int32

	mu      sync.Mutex
	state   State
	result  any
	err     error
	created time.Time
	started time.Time
	ended   time.Time
	done    chan struct{}
}

// ID returns the unique task id.
func (t *Task) ID() string { return t.id }

// Name returns the display name.
func (t *Task) Name() string { return t.name }

// Description returns the display description.
func (t *Task) Description() string { return t.description }

// Metadata returns a copy of the task metadata.
func (t *Task) Metadata() map[string]string { return maps.Clone(t.metadata) }

// Callable returns the callable the task was started with.
func (t *Task) Callable() Callable { return t.callable }

// Progress returns the last reported percentage.
func (t *Task) Progress() int { return int(t.progress.Load()) }

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the callable's result once the task finished.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the failure or cancellation cause once the task ended.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Created returns the submission time.
func (t *Task) Created() time.Time { return t.created }

// Started returns when the callable began running, or the zero time.
func (t *Task) Started() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Ended returns when the task reached its terminal state, or the zero time.
func (t *Task) Ended() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Done is closed when the task reaches a terminal state. Listener
// notifications for the task may still be pending at that point.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task ends or ctx is done and returns the result
// and error of the task.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) setRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Created {
		return false
	}
	t.state = Running
	t.started = time.Now()
	return true
}

// settle records the outcome. Done is closed separately by release.
func (t *Task) settle(state State, result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.result = result
	t.err = err
	t.ended = time.Now()
}

func (t *Task) release() { close(t.done) }

// reporter implements Progress for one task. It is only used from the
// task's own goroutine.
type reporter struct {
	m    *Manager
	t    *Task
	last int
}

func (r *reporter) Report(current, total int64) {
	pct := percent(current, total)
	if pct == r.last {
		return
	}
	r.last = pct
	r.t.progress.Store(int32(pct))
	r.m.enqueueProgress(r.t, pct)
}

func percent(current, total int64) int {
	if total <= 0 {
		return 100
	}
	if current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return int(current * 100 / total)
}
